package jobs

import (
	"context"
	"time"
)

// Broker stores jobs between dispatch and execution. Dequeue leases a job to
// a worker; the job is only removed from the lease by Ack, Retry, Fail or
// Release, so a worker that dies mid-job leaves it to be redelivered once
// the lease runs out.
type Broker interface {
	// Enqueue stores a pending job. It returns ErrDuplicate when another
	// active job holds the same non-empty UniqueKey.
	Enqueue(ctx context.Context, j *Job) error
	// HasActive reports whether an active job holds uniqueKey.
	HasActive(ctx context.Context, uniqueKey string) (bool, error)
	// Dequeue leases the next due job from queues, or returns nil when
	// nothing is due.
	Dequeue(ctx context.Context, queues []string, workerID string, lease time.Duration) (*Job, error)
	Ack(ctx context.Context, j *Job) error
	// Retry counts a failed attempt and schedules the job again at runAt.
	Retry(ctx context.Context, j *Job, runAt time.Time, lastErr string) error
	Fail(ctx context.Context, j *Job, lastErr string) error
	// Release returns a leased job to pending without counting an attempt.
	Release(ctx context.Context, j *Job, runAt time.Time) error
	Get(ctx context.Context, id string) (*Job, error)
}
