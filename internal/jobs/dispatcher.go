package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// TaskRecorder creates the user-visible Task record for a dispatched job.
type TaskRecorder interface {
	CreateTask(ctx context.Context, taskType string, input json.RawMessage, userEmail string) (string, error)
	FailTask(ctx context.Context, id, errMsg string) error
}

type DispatchOptions struct {
	UserEmail string
	// UniqueKey skips the dispatch while another job with the key is active.
	UniqueKey string
	Delay     time.Duration
	// Track creates a Task record even if the definition does not ask for one.
	Track bool
}

type Dispatched struct {
	JobID  string `json:"job_id"`
	TaskID string `json:"task_id,omitempty"`
}

type Dispatcher struct {
	Broker   Broker
	Registry *Registry
	Tasks    TaskRecorder
	Logger   *slog.Logger
	Now      func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now().UTC()
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// Dispatch queues a job by name. When the job is tracked, a PENDING Task is
// created first; if the broker then refuses the job, the Task is marked
// FAILED and the enqueue error is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, payload any, opts DispatchOptions) (Dispatched, error) {
	def, ok := d.Registry.Get(name)
	if !ok {
		return Dispatched{}, fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Dispatched{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	if payload == nil {
		raw = json.RawMessage(`{}`)
	}
	if opts.UniqueKey != "" {
		active, err := d.Broker.HasActive(ctx, opts.UniqueKey)
		if err != nil {
			return Dispatched{}, err
		}
		if active {
			return Dispatched{}, ErrDuplicate
		}
	}

	var taskID string
	if d.Tasks != nil && (def.Track || opts.Track) {
		taskID, err = d.Tasks.CreateTask(ctx, name, raw, opts.UserEmail)
		if err != nil {
			return Dispatched{}, err
		}
	}

	now := d.now()
	j := &Job{
		ID:         uuid.NewString(),
		Name:       name,
		Queue:      def.Queue,
		Payload:    raw,
		TaskID:     taskID,
		UniqueKey:  opts.UniqueKey,
		State:      StatePending,
		MaxRetries: def.MaxRetries,
		RunAt:      now.Add(opts.Delay),
		CreatedAt:  now,
	}
	if err := d.Broker.Enqueue(ctx, j); err != nil {
		if taskID != "" {
			msg := "failed to start background task: " + err.Error()
			if ferr := d.Tasks.FailTask(ctx, taskID, msg); ferr != nil {
				d.logger().Error("mark task failed", "task_id", taskID, "error", ferr)
			}
		}
		if errors.Is(err, ErrDuplicate) {
			return Dispatched{TaskID: taskID}, err
		}
		return Dispatched{TaskID: taskID}, fmt.Errorf("enqueue %s: %w", name, err)
	}
	d.logger().Debug("job dispatched", "job_id", j.ID, "job_name", name, "queue", def.Queue, "task_id", taskID)
	return Dispatched{JobID: j.ID, TaskID: taskID}, nil
}
