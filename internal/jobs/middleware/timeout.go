package middleware

import (
	"context"
	"log/slog"
	"time"

	"leadline/internal/jobs"
)

// Lookup resolves a job name to its definition.
type Lookup func(name string) (jobs.Definition, bool)

// Timeout bounds a job by its definition's hard timeout and attaches the
// soft deadline to the context. Handlers that loop over items check
// jobs.SoftExpired and stop early; the hard deadline cancels the context.
func Timeout(lookup Lookup, logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *jobs.Job, next Handler) error {
		def, ok := lookup(j.Name)
		if !ok {
			return next(ctx)
		}
		start := time.Now()
		if def.SoftTimeout > 0 {
			ctx = jobs.WithSoftDeadline(ctx, start.Add(def.SoftTimeout))
		}
		if def.HardTimeout > 0 {
			logger.Debug("job timeout set",
				slog.String("job_id", j.ID),
				slog.Duration("soft", def.SoftTimeout),
				slog.Duration("hard", def.HardTimeout),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, def.HardTimeout)
			defer cancel()
		}
		return next(ctx)
	}
}
