package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"leadline/internal/jobs"
)

// Exclusive holds a run lock named after the job for jobs whose definition
// is Exclusive. When another worker holds the lock the job is skipped.
func Exclusive(lookup Lookup, lock jobs.RunLock, owner string, ttl time.Duration, logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *jobs.Job, next Handler) error {
		def, ok := lookup(j.Name)
		if !ok || !def.Exclusive || lock == nil {
			return next(ctx)
		}
		key := "job:" + j.Name
		acquired, err := lock.Acquire(ctx, key, owner, ttl)
		if err != nil {
			return fmt.Errorf("acquire run lock %s: %w", key, err)
		}
		if !acquired {
			return fmt.Errorf("%w: %s already running", jobs.ErrSkipped, j.Name)
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx), key, owner); err != nil {
				logger.Warn("release run lock", slog.String("key", key), slog.String("error", err.Error()))
			}
		}()
		return next(ctx)
	}
}
