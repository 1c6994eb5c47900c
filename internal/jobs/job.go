// Package jobs defines background jobs, their registry and the brokers that
// carry them between the dispatcher and the worker pool.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"leadline/internal/backoff"
)

// State represents the lifecycle state of a job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateRetrying  State = "retrying"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Active reports whether a job in this state still occupies its unique key.
func (s State) Active() bool {
	return s == StatePending || s == StateRunning || s == StateRetrying
}

// Job is a unit of work carried by a Broker.
type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	TaskID     string          `json:"task_id,omitempty"`
	UniqueKey  string          `json:"unique_key,omitempty"`
	State      State           `json:"state"`
	Attempt    int             `json:"attempt"`
	MaxRetries int             `json:"max_retries"`
	RunAt      time.Time       `json:"run_at"`
	LockedBy   string          `json:"locked_by,omitempty"`
	// LockedUntil is the lease deadline. A running job whose lease expired
	// is handed to the next Dequeue.
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// HandlerFunc executes a job payload. The returned value is stored as the
// task output when the job is tracked.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Definition describes how a named job is queued, retried and bounded.
type Definition struct {
	Name        string
	Queue       string
	MaxRetries  int
	Backoff     backoff.Strategy
	SoftTimeout time.Duration
	HardTimeout time.Duration
	// Exclusive jobs hold a run lock so only one instance executes at once.
	Exclusive bool
	// Track creates a Task record for every dispatch, not only for
	// dispatches that ask for one.
	Track   bool
	Handler HandlerFunc
}

var (
	// ErrDuplicate is returned by Enqueue when an active job already holds
	// the unique key.
	ErrDuplicate = errors.New("job with unique key already active")
	// ErrSkipped is returned by middleware that decided not to run a job.
	// The executor acknowledges the job without counting a failure.
	ErrSkipped = errors.New("job skipped")
	ErrUnknown = errors.New("unknown job")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Registry maps job names to definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: map[string]Definition{}}
}

func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("job definition needs a name")
	}
	if def.Queue == "" {
		return fmt.Errorf("job %s needs a queue", def.Name)
	}
	if def.Handler == nil {
		return fmt.Errorf("job %s needs a handler", def.Name)
	}
	if def.Backoff == nil {
		def.Backoff = backoff.DefaultStrategy()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Name]; ok {
		return fmt.Errorf("job %s already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns registered job names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Queues returns the distinct queues used by registered jobs.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	var queues []string
	for _, def := range r.defs {
		if !seen[def.Queue] {
			seen[def.Queue] = true
			queues = append(queues, def.Queue)
		}
	}
	sort.Strings(queues)
	return queues
}

type softDeadlineKey struct{}

// WithSoftDeadline records the point after which a job should wrap up.
func WithSoftDeadline(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, softDeadlineKey{}, t)
}

func SoftDeadline(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(softDeadlineKey{}).(time.Time)
	return t, ok
}

// SoftExpired reports whether the soft deadline attached to ctx has passed.
// Long loops check it between items and return what they have.
func SoftExpired(ctx context.Context, now time.Time) bool {
	t, ok := SoftDeadline(ctx)
	return ok && !now.Before(t)
}
