package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/retry"
	"github.com/cuongbtq/jobqueue/internal/store"
)

const (
	defaultJobTimeout        = 5 * time.Minute
	defaultHeartbeatInterval = 30 * time.Second
	// storeUpdateTimeout bounds the status update after a job finishes
	storeUpdateTimeout = 10 * time.Second
)

// ErrPoolStopped is returned by Acquire once the pool is stopping
var ErrPoolStopped = errors.New("worker pool stopped")

// FailureHandler records a failed attempt and decides between retry and dead letter
type FailureHandler interface {
	HandleFailure(ctx context.Context, jobID, workerID string, jobErr error) (*retry.Outcome, error)
}

// Config holds worker pool configuration
type Config struct {
	Logger            *slog.Logger
	Store             store.Store
	Registry          *Registry
	Failures          FailureHandler
	PoolID            string
	Concurrency       int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
}

// Pool is a fixed set of workers. The dispatcher reserves an idle worker with
// Acquire and hands it a claimed job with Assign.
type Pool struct {
	id                string
	logger            *slog.Logger
	store             store.Store
	registry          *Registry
	failures          FailureHandler
	jobTimeout        time.Duration
	heartbeatInterval time.Duration

	workers []*Worker
	byID    map[string]*Worker
	idle    chan *Worker

	mu       sync.Mutex
	running  bool
	wg       sync.WaitGroup
	stopCh   chan struct{}
	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

// NewPool creates a pool of cfg.Concurrency workers named "<pool-id>-<n>"
func NewPool(cfg *Config) (*Pool, error) {
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("worker pool concurrency must be at least 1, got %d", cfg.Concurrency)
	}
	if cfg.Store == nil || cfg.Registry == nil || cfg.Failures == nil {
		return nil, errors.New("worker pool requires a store, a registry and a failure handler")
	}

	p := &Pool{
		id:                cfg.PoolID,
		logger:            cfg.Logger,
		store:             cfg.Store,
		registry:          cfg.Registry,
		failures:          cfg.Failures,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		byID:              make(map[string]*Worker, cfg.Concurrency),
		idle:              make(chan *Worker, cfg.Concurrency),
		stopCh:            make(chan struct{}),
		active:            make(map[string]context.CancelFunc),
	}
	if p.id == "" {
		p.id = "worker-" + uuid.NewString()[:8]
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.jobTimeout <= 0 {
		p.jobTimeout = defaultJobTimeout
	}
	if p.heartbeatInterval <= 0 {
		p.heartbeatInterval = defaultHeartbeatInterval
	}

	for i := 0; i < cfg.Concurrency; i++ {
		w := newWorker(fmt.Sprintf("%s-%d", p.id, i), p)
		p.workers = append(p.workers, w)
		p.byID[w.id] = w
	}
	return p, nil
}

// ID returns the pool identifier
func (p *Pool) ID() string {
	return p.id
}

// Start spawns the worker goroutines
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true

	p.logger.Info("Spawning worker pool",
		slog.String("pool_id", p.id),
		slog.Int("concurrency", len(p.workers)),
		slog.Duration("job_timeout", p.jobTimeout),
	)

	for _, w := range p.workers {
		p.wg.Add(1)
		go w.run()
	}
}

// Stop signals all workers to stop and waits for in-flight jobs. If ctx expires
// first, active jobs are canceled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool", slog.String("pool_id", p.id))
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped gracefully")
		return nil
	case <-ctx.Done():
		p.logger.Warn("Worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		<-done
		return ctx.Err()
	}
}

// Acquire blocks until a worker is idle and reserves it for the caller
func (p *Pool) Acquire(ctx context.Context) (string, error) {
	select {
	case <-p.stopCh:
		return "", ErrPoolStopped
	default:
	}

	select {
	case w := <-p.idle:
		return w.id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-p.stopCh:
		return "", ErrPoolStopped
	}
}

// Release returns a reserved worker that was not given a job
func (p *Pool) Release(workerID string) {
	if w, ok := p.byID[workerID]; ok {
		p.idle <- w
	}
}

// Assign hands a claimed job to a reserved worker
func (p *Pool) Assign(workerID string, job *domain.Job) error {
	w, ok := p.byID[workerID]
	if !ok {
		return fmt.Errorf("unknown worker %q", workerID)
	}

	// Held across the send so Stop cannot close stopCh between the running check and
	// the hand-off. The slot is free because the worker was reserved through Acquire.
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ErrPoolStopped
	}

	w.setBusy(job.ID)
	w.jobs <- job
	return nil
}

// Done is closed once Stop is called
func (p *Pool) Done() <-chan struct{} {
	return p.stopCh
}

// Workers returns a snapshot of every worker
func (p *Pool) Workers() []domain.Worker {
	snapshot := make([]domain.Worker, 0, len(p.workers))
	for _, w := range p.workers {
		snapshot = append(snapshot, w.Snapshot())
	}
	return snapshot
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.active[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.active, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.active {
		p.logger.Warn("Cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
