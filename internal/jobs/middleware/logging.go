package middleware

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"leadline/internal/jobs"
)

func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *jobs.Job, next Handler) error {
		logger.Info("job started",
			slog.String("job_name", j.Name),
			slog.String("job_id", j.ID),
			slog.String("queue", j.Queue),
			slog.Int("attempt", j.Attempt),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		switch {
		case errors.Is(err, jobs.ErrSkipped):
			logger.Info("job skipped",
				slog.String("job_name", j.Name),
				slog.String("job_id", j.ID),
				slog.String("reason", err.Error()),
			)
		case err != nil:
			logger.Error("job failed",
				slog.String("job_name", j.Name),
				slog.String("job_id", j.ID),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		default:
			logger.Info("job completed",
				slog.String("job_name", j.Name),
				slog.String("job_id", j.ID),
				slog.Duration("elapsed", elapsed),
			)
		}
		return err
	}
}
