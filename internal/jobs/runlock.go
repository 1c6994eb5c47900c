package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"leadline/internal/domain"
)

// RunLock guards jobs that must not overlap. Locks expire after their TTL so
// a crashed holder does not block the job forever.
type RunLock interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

type SQLRunLock struct {
	DB  *sql.DB
	Now func() time.Time
}

func (l *SQLRunLock) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

func (l *SQLRunLock) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := l.now()
	res, err := l.DB.ExecContext(ctx, `INSERT INTO run_locks(key, owner, acquired_at, expires_at) VALUES (?,?,?,?)
ON CONFLICT(key) DO UPDATE SET owner=excluded.owner, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE run_locks.expires_at<excluded.acquired_at`,
		key, owner, domain.FormatTime(now), domain.FormatTime(now.Add(ttl)))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (l *SQLRunLock) Release(ctx context.Context, key, owner string) error {
	_, err := l.DB.ExecContext(ctx, `DELETE FROM run_locks WHERE key=? AND owner=?`, key, owner)
	return err
}

type RedisRunLock struct {
	Client *redis.Client
	Prefix string
}

var releaseLock = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (l *RedisRunLock) key(k string) string {
	prefix := l.Prefix
	if prefix == "" {
		prefix = "leadline:"
	}
	return prefix + "lock:" + k
}

func (l *RedisRunLock) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.Client.SetNX(ctx, l.key(key), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leadline/redis: acquire lock: %w", err)
	}
	return ok, nil
}

func (l *RedisRunLock) Release(ctx context.Context, key, owner string) error {
	if err := releaseLock.Run(ctx, l.Client, []string{l.key(key)}, owner).Err(); err != nil {
		return fmt.Errorf("leadline/redis: release lock: %w", err)
	}
	return nil
}
