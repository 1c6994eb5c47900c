package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"leadline/internal/jobs"
)

// Recover converts handler panics into errors.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *jobs.Job, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("job handler panicked",
					slog.String("job_name", j.Name),
					slog.String("job_id", j.ID),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = fmt.Errorf("panic in job %s: %v", j.Name, r)
			}
		}()
		return next(ctx)
	}
}
