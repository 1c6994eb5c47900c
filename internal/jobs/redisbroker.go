package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"leadline/internal/domain"
)

// RedisBroker keeps jobs in Redis. Each queue is a sorted set scored by
// run-at; leased jobs move to an in-flight set scored by lease deadline.
type RedisBroker struct {
	client *redis.Client
	prefix string
	// Retention bounds how long finished job records are kept.
	Retention time.Duration
	Now       func() time.Time
}

func NewRedisBroker(client *redis.Client, prefix string) *RedisBroker {
	if prefix == "" {
		prefix = "leadline:"
	}
	return &RedisBroker{client: client, prefix: prefix, Retention: 7 * 24 * time.Hour, Now: time.Now}
}

// NewRedisBrokerFromURL parses a redis:// URL.
func NewRedisBrokerFromURL(url string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("leadline/redis: parse url: %w", err)
	}
	return NewRedisBroker(redis.NewClient(opts), ""), nil
}

func (b *RedisBroker) Client() *redis.Client { return b.client }

func (b *RedisBroker) Close() error { return b.client.Close() }

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) now() time.Time {
	if b.Now == nil {
		return time.Now().UTC()
	}
	return b.Now().UTC()
}

func (b *RedisBroker) jobKey(id string) string     { return b.prefix + "job:" + id }
func (b *RedisBroker) queueKey(q string) string    { return b.prefix + "queue:" + q }
func (b *RedisBroker) uniqueKey(key string) string { return b.prefix + "unique:" + key }
func (b *RedisBroker) inflightKey() string         { return b.prefix + "inflight" }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

func (b *RedisBroker) Enqueue(ctx context.Context, j *Job) error {
	now := b.now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.RunAt.IsZero() {
		j.RunAt = now
	}
	if j.State == "" {
		j.State = StatePending
	}
	j.UpdatedAt = now

	if j.UniqueKey != "" {
		ok, err := b.client.SetNX(ctx, b.uniqueKey(j.UniqueKey), j.ID, 0).Result()
		if err != nil {
			return fmt.Errorf("leadline/redis: reserve unique key: %w", err)
		}
		if !ok {
			return ErrDuplicate
		}
	}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("leadline/redis: marshal job: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.jobKey(j.ID), data, 0)
	pipe.ZAdd(ctx, b.queueKey(j.Queue), redis.Z{Score: score(j.RunAt), Member: j.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		if j.UniqueKey != "" {
			b.client.Del(ctx, b.uniqueKey(j.UniqueKey))
		}
		return fmt.Errorf("leadline/redis: enqueue job: %w", err)
	}
	return nil
}

func (b *RedisBroker) HasActive(ctx context.Context, uniqueKey string) (bool, error) {
	n, err := b.client.Exists(ctx, b.uniqueKey(uniqueKey)).Result()
	if err != nil {
		return false, fmt.Errorf("leadline/redis: check unique key: %w", err)
	}
	return n > 0, nil
}

// popDue moves the earliest due member of a queue into the in-flight set.
var popDue = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
redis.call('ZREM', KEYS[1], ids[1])
redis.call('ZADD', KEYS[2], ARGV[2], ids[1])
return ids[1]
`)

// reclaim returns expired leases to their queues.
func (b *RedisBroker) reclaim(ctx context.Context, now time.Time) error {
	ids, err := b.client.ZRangeByScore(ctx, b.inflightKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(score(now), 'f', 0, 64),
	}).Result()
	if err != nil {
		return fmt.Errorf("leadline/redis: scan leases: %w", err)
	}
	for _, id := range ids {
		removed, err := b.client.ZRem(ctx, b.inflightKey(), id).Result()
		if err != nil {
			return fmt.Errorf("leadline/redis: reclaim lease: %w", err)
		}
		if removed == 0 {
			continue
		}
		j, err := b.Get(ctx, id)
		if err != nil {
			continue
		}
		if err := b.client.ZAdd(ctx, b.queueKey(j.Queue), redis.Z{Score: score(now), Member: id}).Err(); err != nil {
			return fmt.Errorf("leadline/redis: requeue expired job: %w", err)
		}
	}
	return nil
}

func (b *RedisBroker) Dequeue(ctx context.Context, queues []string, workerID string, lease time.Duration) (*Job, error) {
	now := b.now()
	if err := b.reclaim(ctx, now); err != nil {
		return nil, err
	}
	until := now.Add(lease)
	for _, q := range queues {
		res, err := popDue.Run(ctx, b.client, []string{b.queueKey(q), b.inflightKey()},
			strconv.FormatFloat(score(now), 'f', 0, 64), strconv.FormatFloat(score(until), 'f', 0, 64)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("leadline/redis: dequeue: %w", err)
		}
		id, _ := res.(string)
		if id == "" {
			continue
		}
		j, err := b.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		j.State = StateRunning
		j.LockedBy = workerID
		j.LockedUntil = &until
		j.UpdatedAt = now
		if err := b.save(ctx, b.client, j, 0); err != nil {
			return nil, err
		}
		return j, nil
	}
	return nil, nil
}

func (b *RedisBroker) save(ctx context.Context, c redis.Cmdable, j *Job, ttl time.Duration) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("leadline/redis: marshal job: %w", err)
	}
	if err := c.Set(ctx, b.jobKey(j.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("leadline/redis: save job: %w", err)
	}
	return nil
}

// settle removes the lease and stores the job, requeueing it when runAt is set.
func (b *RedisBroker) settle(ctx context.Context, j *Job, runAt *time.Time) error {
	j.LockedBy = ""
	j.LockedUntil = nil
	j.UpdatedAt = b.now()
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("leadline/redis: marshal job: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.inflightKey(), j.ID)
	if runAt != nil {
		pipe.Set(ctx, b.jobKey(j.ID), data, 0)
		pipe.ZAdd(ctx, b.queueKey(j.Queue), redis.Z{Score: score(*runAt), Member: j.ID})
	} else {
		pipe.Set(ctx, b.jobKey(j.ID), data, b.Retention)
		if j.UniqueKey != "" {
			pipe.Del(ctx, b.uniqueKey(j.UniqueKey))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("leadline/redis: update job %s: %w", j.ID, err)
	}
	return nil
}

func (b *RedisBroker) Ack(ctx context.Context, j *Job) error {
	j.State = StateCompleted
	return b.settle(ctx, j, nil)
}

func (b *RedisBroker) Retry(ctx context.Context, j *Job, runAt time.Time, lastErr string) error {
	j.State = StateRetrying
	j.Attempt++
	j.RunAt = runAt
	j.LastError = lastErr
	return b.settle(ctx, j, &runAt)
}

func (b *RedisBroker) Fail(ctx context.Context, j *Job, lastErr string) error {
	j.State = StateFailed
	j.LastError = lastErr
	return b.settle(ctx, j, nil)
}

func (b *RedisBroker) Release(ctx context.Context, j *Job, runAt time.Time) error {
	j.State = StatePending
	j.RunAt = runAt
	return b.settle(ctx, j, &runAt)
}

func (b *RedisBroker) Get(ctx context.Context, id string) (*Job, error) {
	data, err := b.client.Get(ctx, b.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("leadline/redis: get job: %w", err)
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("leadline/redis: decode job: %w", err)
	}
	return &j, nil
}
