package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"leadline/internal/domain"
)

// SQLBroker keeps jobs in the workspace database.
type SQLBroker struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewSQLBroker(db *sql.DB) *SQLBroker {
	return &SQLBroker{DB: db, Now: time.Now}
}

func (b *SQLBroker) now() time.Time {
	if b.Now == nil {
		return time.Now().UTC()
	}
	return b.Now().UTC()
}

const jobColumns = `id, name, queue, payload_json, task_id, unique_key, state, attempt, max_retries, run_at, locked_by, locked_until, last_error, created_at, updated_at`

func (b *SQLBroker) Enqueue(ctx context.Context, j *Job) error {
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

	tx, err := b.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if j.UniqueKey != "" {
		active, err := hasActive(ctx, tx, j.UniqueKey)
		if err != nil {
			return err
		}
		if active {
			return ErrDuplicate
		}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Name, j.Queue, nullString(string(j.Payload)), nullString(j.TaskID), nullString(j.UniqueKey), j.State,
		j.Attempt, j.MaxRetries, domain.FormatTime(j.RunAt), nullString(j.LockedBy), nullTime(j.LockedUntil),
		nullString(j.LastError), domain.FormatTime(j.CreatedAt), domain.FormatTime(j.UpdatedAt))
	if err != nil {
		return err
	}
	return tx.Commit()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func hasActive(ctx context.Context, q queryer, key string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE unique_key=? AND state IN (?,?,?)`,
		key, StatePending, StateRunning, StateRetrying).Scan(&n)
	return n > 0, err
}

func (b *SQLBroker) HasActive(ctx context.Context, uniqueKey string) (bool, error) {
	return hasActive(ctx, b.DB, uniqueKey)
}

func (b *SQLBroker) Dequeue(ctx context.Context, queues []string, workerID string, lease time.Duration) (*Job, error) {
	if len(queues) == 0 {
		return nil, nil
	}
	now := b.now()
	nowStr := domain.FormatTime(now)

	tx, err := b.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(queues)), ",")
	args := make([]any, 0, len(queues)+5)
	for _, q := range queues {
		args = append(args, q)
	}
	args = append(args, StatePending, StateRetrying, nowStr, StateRunning, nowStr)
	var id string
	err = tx.QueryRowContext(ctx, `SELECT id FROM jobs WHERE queue IN (`+placeholders+`)
AND ((state IN (?,?) AND run_at<=?) OR (state=? AND locked_until<?))
ORDER BY run_at ASC, created_at ASC LIMIT 1`, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	until := now.Add(lease)
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET state=?, locked_by=?, locked_until=?, updated_at=? WHERE id=?`,
		StateRunning, workerID, domain.FormatTime(until), nowStr, id); err != nil {
		return nil, err
	}
	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return j, nil
}

// finish applies a state change to a job still leased by j.LockedBy.
func (b *SQLBroker) finish(ctx context.Context, j *Job, state State, attemptDelta int, runAt *time.Time, lastErr *string) error {
	now := b.now()
	set := []string{"state=?", "attempt=attempt+?", "locked_by=NULL", "locked_until=NULL", "updated_at=?"}
	args := []any{state, attemptDelta, domain.FormatTime(now)}
	if runAt != nil {
		set = append(set, "run_at=?")
		args = append(args, domain.FormatTime(*runAt))
	}
	if lastErr != nil {
		set = append(set, "last_error=?")
		args = append(args, *lastErr)
	}
	query := `UPDATE jobs SET ` + strings.Join(set, ", ") + ` WHERE id=? AND state=?`
	args = append(args, j.ID, StateRunning)
	if j.LockedBy != "" {
		query += ` AND locked_by=?`
		args = append(args, j.LockedBy)
	}
	res, err := b.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s: lease lost", j.ID)
	}
	j.State = state
	j.Attempt += attemptDelta
	j.LockedBy = ""
	j.LockedUntil = nil
	j.UpdatedAt = now
	if runAt != nil {
		j.RunAt = *runAt
	}
	if lastErr != nil {
		j.LastError = *lastErr
	}
	return nil
}

func (b *SQLBroker) Ack(ctx context.Context, j *Job) error {
	return b.finish(ctx, j, StateCompleted, 0, nil, nil)
}

func (b *SQLBroker) Retry(ctx context.Context, j *Job, runAt time.Time, lastErr string) error {
	return b.finish(ctx, j, StateRetrying, 1, &runAt, &lastErr)
}

func (b *SQLBroker) Fail(ctx context.Context, j *Job, lastErr string) error {
	return b.finish(ctx, j, StateFailed, 0, nil, &lastErr)
}

func (b *SQLBroker) Release(ctx context.Context, j *Job, runAt time.Time) error {
	return b.finish(ctx, j, StatePending, 0, &runAt, nil)
}

func (b *SQLBroker) Get(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(b.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return j, err
}

// Purge deletes finished jobs last updated before cutoff.
func (b *SQLBroker) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := b.DB.ExecContext(ctx, `DELETE FROM jobs WHERE state IN (?,?) AND updated_at<?`,
		StateCompleted, StateFailed, domain.FormatTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanJob(row *sql.Row) (*Job, error) {
	var (
		j                                             Job
		payload, taskID, uniqueKey, lockedBy, lastErr sql.NullString
		runAt, createdAt, updatedAt                   string
		lockedUntil                                   sql.NullString
	)
	if err := row.Scan(&j.ID, &j.Name, &j.Queue, &payload, &taskID, &uniqueKey, &j.State, &j.Attempt, &j.MaxRetries,
		&runAt, &lockedBy, &lockedUntil, &lastErr, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if payload.Valid {
		j.Payload = []byte(payload.String)
	}
	j.TaskID = taskID.String
	j.UniqueKey = uniqueKey.String
	j.LockedBy = lockedBy.String
	j.LastError = lastErr.String
	var err error
	if j.RunAt, err = domain.ParseTime(runAt); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = domain.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = domain.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if lockedUntil.Valid {
		t, err := domain.ParseTime(lockedUntil.String)
		if err != nil {
			return nil, err
		}
		j.LockedUntil = &t
	}
	return &j, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return domain.FormatTime(*t)
}
