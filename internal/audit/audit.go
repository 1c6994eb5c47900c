// Package audit records provenance entries without ever failing the caller.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"leadline/internal/domain"
)

// Actions recorded by the monitoring loop.
const (
	ActionMonitoringStarted   = "email_monitoring_started"
	ActionMonitoringCompleted = "email_monitoring_completed"
	ActionMonitoringFailed    = "email_monitoring_failed"
	MonitoringActor           = "email_monitoring_task"
)

// Entry is a provenance record before it is stamped with an id and time.
type Entry struct {
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	Details      map[string]any
	IPAddress    string
	UserAgent    string
}

type Store interface {
	InsertProvenance(ctx context.Context, p domain.Provenance) error
}

// Sink accepts provenance entries. Implementations never return errors.
type Sink interface {
	Record(ctx context.Context, e Entry)
}

func stamp(e Entry, now time.Time) domain.Provenance {
	return domain.Provenance{
		ID:           uuid.NewString(),
		Actor:        e.Actor,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Details:      e.Details,
		IPAddress:    e.IPAddress,
		UserAgent:    e.UserAgent,
		CreatedAt:    domain.FormatTime(now),
	}
}

// Recorder buffers entries on a bounded channel drained by one writer
// goroutine. A full buffer drops the entry.
type Recorder struct {
	store   Store
	logger  *slog.Logger
	now     func() time.Time
	ch      chan domain.Provenance
	dropped atomic.Int64
	failed  atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type Option func(*Recorder)

func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder starts the writer goroutine. Call Close to flush it.
func NewRecorder(store Store, buffer int, opts ...Option) *Recorder {
	if buffer <= 0 {
		buffer = 1
	}
	r := &Recorder{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
		ch:     make(chan domain.Provenance, buffer),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for p := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.InsertProvenance(ctx, p); err != nil {
			r.failed.Add(1)
			r.logger.Error("provenance write failed",
				slog.String("action", p.Action),
				slog.String("resource_id", p.ResourceID),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}

// Record enqueues e without blocking.
func (r *Recorder) Record(_ context.Context, e Entry) {
	p := stamp(e, r.now())
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.ch <- p:
	default:
		r.dropped.Add(1)
		r.logger.Warn("provenance buffer full, entry dropped", slog.String("action", e.Action))
	}
}

// Dropped reports entries lost to a full buffer.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Failed reports entries the store rejected.
func (r *Recorder) Failed() int64 { return r.failed.Load() }

// Close stops accepting entries and waits for the buffer to drain or ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync writes entries inline. Store failures are logged and swallowed.
type Sync struct {
	Store  Store
	Now    func() time.Time
	Logger *slog.Logger
}

func (s Sync) Record(ctx context.Context, e Entry) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	if err := s.Store.InsertProvenance(ctx, stamp(e, now())); err != nil {
		logger := s.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("provenance write failed", slog.String("action", e.Action), slog.String("error", err.Error()))
	}
}

type Nop struct{}

func (Nop) Record(context.Context, Entry) {}
