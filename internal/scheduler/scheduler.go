// Package scheduler fires periodic jobs from cron expressions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"leadline/internal/jobs"
)

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Entry binds a schedule to a job.
type Entry struct {
	Name     string
	Schedule string
	JobName  string
	Payload  any
}

// DispatchFunc queues a job. It matches jobs.Dispatcher.Dispatch.
type DispatchFunc func(ctx context.Context, name string, payload any, opts jobs.DispatchOptions) (jobs.Dispatched, error)

type entry struct {
	Entry
	sched cronlib.Schedule
	next  time.Time
	last  time.Time
}

// Scheduler runs entries on a tick loop. Each firing dispatches with a
// per-job unique key, so a job still pending or running from the previous
// firing is skipped. An optional run lock keeps several scheduler processes
// from firing the same entry in one tick.
type Scheduler struct {
	dispatch     DispatchFunc
	lock         jobs.RunLock
	owner        string
	tickInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu      sync.Mutex
	entries []*entry
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

type Option func(*Scheduler)

func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickInterval = d }
}

func WithRunLock(lock jobs.RunLock, owner string) Option {
	return func(s *Scheduler) {
		s.lock = lock
		s.owner = owner
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(dispatch DispatchFunc, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		dispatch:     dispatch,
		tickInterval: time.Second,
		logger:       logger,
		now:          time.Now,
		owner:        "scheduler",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers an entry. The first run is the next schedule time after now.
func (s *Scheduler) Add(e Entry) error {
	sched, err := ParseSchedule(e.Schedule)
	if err != nil {
		return fmt.Errorf("schedule %s: invalid cron expression %q: %w", e.Name, e.Schedule, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.entries {
		if existing.Name == e.Name {
			return fmt.Errorf("schedule %s already registered", e.Name)
		}
	}
	s.entries = append(s.entries, &entry{Entry: e, sched: sched, next: sched.Next(s.now().UTC())})
	return nil
}

// Status describes a registered entry.
type Status struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	JobName  string    `json:"job_name"`
	NextRun  time.Time `json:"next_run"`
	LastRun  time.Time `json:"last_run,omitempty"`
}

func (s *Scheduler) Entries() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Status{Name: e.Name, Schedule: e.Schedule, JobName: e.JobName, NextRun: e.next, LastRun: e.last})
	}
	return out
}

func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.tickLoop()
	s.logger.Info("scheduler started",
		slog.Int("entries", len(s.entries)),
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

func (s *Scheduler) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(context.Background())
		}
	}
}

// Tick fires every entry that is due and returns the names fired.
func (s *Scheduler) Tick(ctx context.Context) []string {
	now := s.now().UTC()
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.next.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	var fired []string
	for _, e := range due {
		if s.fire(ctx, e, now) {
			fired = append(fired, e.Name)
		}
		s.mu.Lock()
		e.next = e.sched.Next(now)
		s.mu.Unlock()
	}
	return fired
}

func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) bool {
	if s.lock != nil {
		key := "cron:" + e.Name + ":" + e.next.Format(time.RFC3339)
		acquired, err := s.lock.Acquire(ctx, key, s.owner, time.Minute)
		if err != nil {
			s.logger.Error("acquire cron lock error", slog.String("entry", e.Name), slog.String("error", err.Error()))
			return false
		}
		if !acquired {
			return false
		}
	}

	res, err := s.dispatch(ctx, e.JobName, e.Payload, jobs.DispatchOptions{
		UniqueKey: "schedule:" + e.JobName,
		UserEmail: "system",
	})
	if errors.Is(err, jobs.ErrDuplicate) {
		s.logger.Debug("previous run still active, skipping",
			slog.String("entry", e.Name),
			slog.String("job_name", e.JobName),
		)
		return false
	}
	if err != nil {
		s.logger.Error("cron dispatch error",
			slog.String("entry", e.Name),
			slog.String("job_name", e.JobName),
			slog.String("error", err.Error()),
		)
		return false
	}
	s.mu.Lock()
	e.last = now
	s.mu.Unlock()
	s.logger.Info("cron fired",
		slog.String("entry", e.Name),
		slog.String("job_name", e.JobName),
		slog.String("job_id", res.JobID),
	)
	return true
}
