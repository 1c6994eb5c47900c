// Package app wires the store, engine, reconciler and job infrastructure
// into one set of services shared by the server, workers and the CLI.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"leadline/internal/audit"
	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/engine"
	"leadline/internal/jobs"
	"leadline/internal/jobs/middleware"
	"leadline/internal/mailer"
	"leadline/internal/migrate"
	"leadline/internal/prospect"
	"leadline/internal/queue"
	"leadline/internal/reconcile"
	"leadline/internal/repo"
	"leadline/internal/scheduler"
	"leadline/internal/worker"
)

// Options override pieces of the default wiring. Zero values mean defaults.
type Options struct {
	Workspace  string
	Config     *config.Config
	Logger     *slog.Logger
	Mailer     mailer.Mailer
	Prospector prospect.Source
	// SyncAudit writes provenance inline instead of through the buffered
	// recorder. One-shot CLI commands and tests use it.
	SyncAudit bool
	WorkerID  string
	Now       func() time.Time
}

// Services is the process-wide dependency set.
type Services struct {
	Config     *config.Config
	DB         *sql.DB
	Repo       repo.Repo
	Engine     engine.Engine
	Reconciler *reconcile.Reconciler
	Registry   *jobs.Registry
	Broker     jobs.Broker
	Lock       jobs.RunLock
	Dispatcher *jobs.Dispatcher
	Audit      audit.Sink
	Prospector prospect.Source
	Logger     *slog.Logger
	WorkerID   string
	Now        func() time.Time

	recorder *audit.Recorder
	closers  []func() error
}

// LoadConfig reads leadline.yml from the workspace, or the file at path when
// set. A missing workspace config falls back to defaults.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(workspace)
}

// Open opens and migrates the database, then builds every service.
func Open(ctx context.Context, opts Options) (*Services, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = LoadConfig(opts.Workspace, ""); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	workerID := opts.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: cfg.Database.Path})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	s := &Services{
		Config:   cfg,
		DB:       conn,
		Repo:     repo.Repo{DB: conn},
		Logger:   logger,
		WorkerID: workerID,
		Now:      now,
	}
	s.closers = append(s.closers, conn.Close)

	if opts.SyncAudit {
		s.Audit = audit.Sync{Store: s.Repo, Now: now, Logger: logger}
	} else {
		s.recorder = audit.NewRecorder(s.Repo, cfg.Audit.Buffer, audit.WithLogger(logger), audit.WithClock(now))
		s.Audit = s.recorder
	}

	m := opts.Mailer
	if m == nil {
		hc := mailer.NewHTTPClient(cfg.Mailer.BaseURL, cfg.Mailer.APIKey, cfg.Mailer.InboxID, cfg.Mailer.Timeout)
		hc.Logger = logger
		if hc.Simulated() {
			logger.Warn("mailer api key not set, sends are simulated")
		}
		m = hc
	}

	eng := engine.New(conn, cfg, m)
	eng.Audit = s.Audit
	eng.Logger = logger
	eng.WorkerID = workerID
	eng.Now = now
	s.Engine = eng
	s.Reconciler = reconcile.New(eng, m, cfg)

	s.Prospector = opts.Prospector
	if s.Prospector == nil {
		if s.Prospector, err = prospect.New(cfg.Prospect, logger); err != nil {
			s.Close(ctx)
			return nil, err
		}
	}

	if err := s.openBroker(ctx); err != nil {
		s.Close(ctx)
		return nil, err
	}
	s.Registry = jobs.NewRegistry()
	if err := s.registerJobs(); err != nil {
		s.Close(ctx)
		return nil, err
	}
	s.Dispatcher = &jobs.Dispatcher{Broker: s.Broker, Registry: s.Registry, Tasks: s.Engine, Logger: logger, Now: now}
	return s, nil
}

func (s *Services) openBroker(ctx context.Context) error {
	u := s.Config.Broker.URL
	if strings.HasPrefix(u, "redis://") || strings.HasPrefix(u, "rediss://") {
		rb, err := jobs.NewRedisBrokerFromURL(u)
		if err != nil {
			return err
		}
		if err := rb.Ping(ctx); err != nil {
			rb.Close()
			return fmt.Errorf("connect broker: %w", err)
		}
		rb.Now = s.Now
		s.Broker = rb
		s.Lock = &jobs.RedisRunLock{Client: rb.Client()}
		s.closers = append(s.closers, rb.Close)
		s.Logger.Info("using redis broker")
		return nil
	}
	sb := jobs.NewSQLBroker(s.DB)
	sb.Now = s.Now
	s.Broker = sb
	s.Lock = &jobs.SQLRunLock{DB: s.DB, Now: s.Now}
	return nil
}

// Dispatch queues a tracked job on behalf of userEmail.
func (s *Services) Dispatch(ctx context.Context, name string, payload any, userEmail string) (jobs.Dispatched, error) {
	return s.Dispatcher.Dispatch(ctx, name, payload, jobs.DispatchOptions{UserEmail: userEmail, Track: true})
}

// NewPool builds a worker pool over every registered queue with the
// configured per-queue limits.
func (s *Services) NewPool(concurrency int, opts ...worker.PoolOption) *worker.Pool {
	lookup := s.Registry.Get
	lease := s.Config.Tasks.Lease
	if lease <= 0 {
		lease = 20 * time.Minute
	}
	exec := worker.NewExecutor(s.Registry, s.Broker, s.Engine, s.Logger,
		middleware.Recover(s.Logger),
		middleware.Logging(s.Logger),
		middleware.Tracing(),
		middleware.Metrics(),
		middleware.Exclusive(lookup, s.Lock, s.WorkerID, lease, s.Logger),
		middleware.Timeout(lookup, s.Logger),
	).WithClock(s.Now)

	var qcfgs []queue.Config
	for _, name := range s.Registry.Queues() {
		q := s.Config.QueueFor(name)
		qcfgs = append(qcfgs, queue.Config{Name: name, MaxConcurrency: q.Concurrency, RateLimit: q.RateLimit, RateBurst: q.Burst})
	}
	base := []worker.PoolOption{
		worker.WithPoolConcurrency(concurrency),
		worker.WithPoolQueues(s.Registry.Queues()),
		worker.WithLease(lease),
		worker.WithWorkerID(s.WorkerID),
		worker.WithQueueManager(queue.NewManager(qcfgs...)),
	}
	if d := s.Config.Tasks.PollInterval; d > 0 {
		base = append(base, worker.WithPollInterval(d))
	}
	return worker.NewPool(s.Broker, exec, s.Logger, append(base, opts...)...)
}

// NewScheduler registers the periodic entries enabled by config.
func (s *Services) NewScheduler(opts ...scheduler.Option) (*scheduler.Scheduler, error) {
	base := []scheduler.Option{scheduler.WithRunLock(s.Lock, s.WorkerID), scheduler.WithClock(s.Now)}
	sch := scheduler.New(s.Dispatcher.Dispatch, s.Logger, append(base, opts...)...)
	for _, e := range s.ScheduleEntries() {
		if err := sch.Add(e); err != nil {
			return nil, err
		}
	}
	return sch, nil
}

// ScheduleEntries lists the periodic jobs for the current config. Empty
// schedule strings and disabled features are left out.
func (s *Services) ScheduleEntries() []scheduler.Entry {
	sc, f := s.Config.Schedule, s.Config.Features
	candidates := []struct {
		enabled bool
		entry   scheduler.Entry
	}{
		{true, scheduler.Entry{Name: "queue-processing", Schedule: sc.QueueProcessing, JobName: JobOutreachDrain}},
		{f.EmailMonitoring, scheduler.Entry{Name: "monitoring", Schedule: sc.Monitoring, JobName: JobMonitoringInbound}},
		{f.EmailMonitoring, scheduler.Entry{Name: "missed-replies", Schedule: sc.MissedReplies, JobName: JobMonitoringMissedReplies,
			Payload: MissedRepliesPayload{WindowHours: 24}}},
		{f.Prospecting, scheduler.Entry{Name: "prospecting", Schedule: sc.Prospecting, JobName: JobProspectingDaily}},
		{f.Prospecting || f.AutomatedOutreach, scheduler.Entry{Name: "automated-outreach", Schedule: sc.AutomatedOutreach, JobName: JobOutreachScheduleAutomated}},
		{true, scheduler.Entry{Name: "cleanup", Schedule: sc.Cleanup, JobName: JobCleanupPeriodic}},
	}
	var out []scheduler.Entry
	for _, c := range candidates {
		if c.enabled && strings.TrimSpace(c.entry.Schedule) != "" {
			out = append(out, c.entry)
		}
	}
	return out
}

// MonitoringInterval is the gap between monitoring firings, used by the
// health report.
func (s *Services) MonitoringInterval() time.Duration {
	return reconcile.ScheduleInterval(s.Config.Schedule.Monitoring, s.Now())
}

// Close flushes the audit recorder and closes connections in reverse order.
func (s *Services) Close(ctx context.Context) error {
	var errs []error
	if s.recorder != nil {
		if err := s.recorder.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		s.recorder = nil
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
