package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"leadline/internal/jobs"
)

// QueueManager gates execution per queue. The pool calls Acquire before
// running a dequeued job and Release after it finishes.
type QueueManager interface {
	Acquire(queue string) bool
	Release(queue string)
}

// Pool runs worker goroutines that lease jobs from a broker.
type Pool struct {
	broker       jobs.Broker
	executor     *Executor
	concurrency  int
	queues       []string
	pollInterval time.Duration
	lease        time.Duration
	workerID     string
	queueManager QueueManager
	logger       *slog.Logger

	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

type PoolOption func(*Pool)

func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

func WithPoolQueues(queues []string) PoolOption {
	return func(p *Pool) { p.queues = queues }
}

func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithLease sets how long a dequeued job stays invisible to other workers.
// It should exceed the longest hard timeout.
func WithLease(d time.Duration) PoolOption {
	return func(p *Pool) { p.lease = d }
}

func WithWorkerID(id string) PoolOption {
	return func(p *Pool) { p.workerID = id }
}

func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

func NewPool(broker jobs.Broker, executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		broker:       broker,
		executor:     executor,
		concurrency:  4,
		queues:       []string{"default"},
		pollInterval: time.Second,
		lease:        20 * time.Minute,
		workerID:     "worker-" + uuid.NewString()[:8],
		logger:       logger,
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) WorkerID() string { return p.workerID }

// Start launches the worker goroutines and returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID),
		slog.Int("concurrency", p.concurrency),
		slog.Any("queues", p.queues),
	)
	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}
	return nil
}

// Stop waits for running jobs. When ctx ends first, active jobs are
// cancelled; their leases expire and the broker redelivers them.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID))
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}
	return nil
}

func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}
		if !p.RunOnce(context.Background()) {
			p.sleep()
		}
	}
}

// RunOnce leases and executes at most one job. It reports whether a job was
// handled, so callers know whether to back off.
func (p *Pool) RunOnce(ctx context.Context) bool {
	j, err := p.broker.Dequeue(ctx, p.queues, p.workerID, p.lease)
	if err != nil {
		p.logger.Error("dequeue error", slog.String("error", err.Error()))
		return false
	}
	if j == nil {
		return false
	}

	if p.queueManager != nil && !p.queueManager.Acquire(j.Queue) {
		if err := p.broker.Release(ctx, j, time.Now().UTC().Add(p.pollInterval)); err != nil {
			p.logger.Error("failed to re-enqueue rate-limited job",
				slog.String("job_id", j.ID),
				slog.String("error", err.Error()),
			)
		}
		return false
	}

	jobCtx, cancel := context.WithCancel(ctx)
	p.trackJob(j.ID, cancel)
	if err := p.executor.Execute(jobCtx, j); err != nil {
		p.logger.Debug("job execution failed",
			slog.String("job_id", j.ID),
			slog.String("job_name", j.Name),
			slog.String("error", err.Error()),
		)
	}
	p.untrackJob(j.ID)
	cancel()

	if p.queueManager != nil {
		p.queueManager.Release(j.Queue)
	}
	return true
}

// Drain runs due jobs until none are left or ctx ends. It is used by the
// one-shot CLI worker and by tests.
func (p *Pool) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil && p.RunOnce(ctx) {
		n++
	}
	return n
}

func (p *Pool) sleep() {
	select {
	case <-p.stopCh:
	case <-time.After(p.pollInterval):
	}
}

func (p *Pool) trackJob(id string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[id] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(id string) {
	p.activeMu.Lock()
	delete(p.activeJobs, id)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for _, cancel := range p.activeJobs {
		cancel()
	}
}
