// Package worker runs dequeued jobs: an Executor invokes handlers through
// middleware and settles the outcome, a Pool polls the broker.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"leadline/internal/jobs"
	"leadline/internal/jobs/middleware"
)

// TaskTracker mirrors job progress onto the user-visible Task record.
type TaskTracker interface {
	// StartTask marks the task RUNNING. It reports false when the task was
	// cancelled or already finished, in which case the job is not run.
	StartTask(ctx context.Context, id string) (bool, error)
	CompleteTask(ctx context.Context, id string, output any) error
	RetryTask(ctx context.Context, id, errMsg string) error
	FailTask(ctx context.Context, id, errMsg string) error
}

type Executor struct {
	registry *jobs.Registry
	broker   jobs.Broker
	tasks    TaskTracker
	mw       middleware.Middleware
	logger   *slog.Logger
	now      func() time.Time
}

func NewExecutor(registry *jobs.Registry, broker jobs.Broker, tasks TaskTracker, logger *slog.Logger, mws ...middleware.Middleware) *Executor {
	return &Executor{
		registry: registry,
		broker:   broker,
		tasks:    tasks,
		mw:       middleware.Chain(mws...),
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock replaces the clock used for retry scheduling.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Execute runs a leased job and settles it with the broker.
// Success acks the job. A failure with retries left reschedules it after
// the definition's backoff; otherwise, or when the handler returned a
// permanent error, the job fails.
func (e *Executor) Execute(ctx context.Context, j *jobs.Job) error {
	def, ok := e.registry.Get(j.Name)
	if !ok {
		msg := fmt.Sprintf("no handler registered for job %q", j.Name)
		e.fail(ctx, j, msg)
		return errors.New(msg)
	}

	if j.TaskID != "" && e.tasks != nil {
		started, err := e.tasks.StartTask(ctx, j.TaskID)
		if err != nil {
			return fmt.Errorf("start task %s: %w", j.TaskID, err)
		}
		if !started {
			e.logger.Info("task cancelled, dropping job",
				slog.String("job_id", j.ID),
				slog.String("task_id", j.TaskID),
			)
			if err := e.broker.Fail(ctx, j, "task cancelled"); err != nil {
				return err
			}
			return nil
		}
	}

	var output any
	terminal := func(ctx context.Context) error {
		out, err := def.Handler(ctx, j.Payload)
		output = out
		return err
	}
	err := e.mw(ctx, j, terminal)

	switch {
	case err == nil:
		return e.handleSuccess(ctx, j, output)
	case errors.Is(err, jobs.ErrSkipped):
		return e.handleSuccess(ctx, j, map[string]any{"skipped": true, "reason": err.Error()})
	default:
		return e.handleFailure(ctx, j, def, err)
	}
}

func (e *Executor) handleSuccess(ctx context.Context, j *jobs.Job, output any) error {
	if err := e.broker.Ack(ctx, j); err != nil {
		e.logger.Error("failed to ack job",
			slog.String("job_id", j.ID),
			slog.String("job_name", j.Name),
			slog.String("error", err.Error()),
		)
		return err
	}
	if j.TaskID != "" && e.tasks != nil {
		if err := e.tasks.CompleteTask(ctx, j.TaskID, output); err != nil {
			e.logger.Error("failed to complete task",
				slog.String("task_id", j.TaskID),
				slog.String("error", err.Error()),
			)
			return err
		}
	}
	return nil
}

func (e *Executor) handleFailure(ctx context.Context, j *jobs.Job, def jobs.Definition, handlerErr error) error {
	if !jobs.IsPermanent(handlerErr) && j.Attempt < def.MaxRetries {
		return e.scheduleRetry(ctx, j, def, handlerErr)
	}
	e.fail(ctx, j, handlerErr.Error())
	e.logger.Warn("job failed permanently",
		slog.String("job_id", j.ID),
		slog.String("job_name", j.Name),
		slog.Int("attempt", j.Attempt),
		slog.String("error", handlerErr.Error()),
	)
	return handlerErr
}

func (e *Executor) scheduleRetry(ctx context.Context, j *jobs.Job, def jobs.Definition, handlerErr error) error {
	delay := def.Backoff.Delay(j.Attempt)
	runAt := e.now().UTC().Add(delay)
	if err := e.broker.Retry(ctx, j, runAt, handlerErr.Error()); err != nil {
		e.logger.Error("failed to schedule retry",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		return err
	}
	if j.TaskID != "" && e.tasks != nil {
		if err := e.tasks.RetryTask(ctx, j.TaskID, handlerErr.Error()); err != nil {
			e.logger.Error("failed to mark task for retry",
				slog.String("task_id", j.TaskID),
				slog.String("error", err.Error()),
			)
		}
	}
	e.logger.Info("job scheduled for retry",
		slog.String("job_id", j.ID),
		slog.String("job_name", j.Name),
		slog.Int("attempt", j.Attempt),
		slog.Int("max_retries", j.MaxRetries),
		slog.Duration("delay", delay),
	)
	return fmt.Errorf("job %s retry %d/%d: %w", j.Name, j.Attempt, def.MaxRetries, handlerErr)
}

func (e *Executor) fail(ctx context.Context, j *jobs.Job, msg string) {
	if err := e.broker.Fail(ctx, j, msg); err != nil {
		e.logger.Error("failed to mark job failed",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
	}
	if j.TaskID != "" && e.tasks != nil {
		if err := e.tasks.FailTask(ctx, j.TaskID, msg); err != nil {
			e.logger.Error("failed to mark task failed",
				slog.String("task_id", j.TaskID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// EncodeOutput renders a handler result for storage.
func EncodeOutput(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
