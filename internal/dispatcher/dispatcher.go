// Package dispatcher assigns queued jobs to idle workers. It reserves an idle worker,
// claims the next eligible job from the store for that worker and hands it over.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/store"
	"github.com/cuongbtq/jobqueue/internal/worker"
)

const (
	defaultPollInterval = time.Second
	// errorBackoff is the pause after a store error before trying again
	errorBackoff = time.Second
)

// Pool is the worker pool as seen by the dispatcher
type Pool interface {
	// Acquire blocks until a worker is idle and reserves it
	Acquire(ctx context.Context) (string, error)
	// Release returns a reserved worker that was not given a job
	Release(workerID string)
	// Assign hands a claimed job to a reserved worker
	Assign(workerID string, job *domain.Job) error
	// Done is closed when the pool stops
	Done() <-chan struct{}
}

// Dispatcher moves jobs from the queue store to the worker pool
type Dispatcher struct {
	store        store.Store
	pool         Pool
	pollInterval time.Duration
	limiter      *rate.Limiter
	logger       *slog.Logger

	wake       chan struct{}
	dispatched atomic.Int64
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithPollInterval sets how long the dispatcher sleeps on an empty queue
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

// WithRateLimit caps dispatches at perSecond with the given burst. Zero disables it.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(d *Dispatcher) {
		if perSecond <= 0 {
			d.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// New creates a Dispatcher
func New(st store.Store, pool Pool, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:        st,
		pool:         pool,
		pollInterval: defaultPollInterval,
		logger:       logger,
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Wake interrupts an idle wait. Signals coalesce; at most one is pending.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Notify wakes the dispatcher for a newly enqueued job in the same process
func (d *Dispatcher) Notify(_ context.Context, _ string) error {
	d.Wake()
	return nil
}

// Dispatched returns how many jobs were handed to workers
func (d *Dispatcher) Dispatched() int64 {
	return d.dispatched.Load()
}

// Run dispatches until ctx is canceled or the pool stops. Both end the loop cleanly.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Dispatcher started", slog.Duration("poll_interval", d.pollInterval))
	defer func() {
		d.logger.Info("Dispatcher stopped", slog.Int64("dispatched", d.dispatched.Load()))
	}()

	for {
		workerID, err := d.pool.Acquire(ctx)
		if err != nil {
			return d.exitErr(ctx, err)
		}

		if err := d.dispatchTo(ctx, workerID); err != nil {
			d.pool.Release(workerID)
			return d.exitErr(ctx, err)
		}
	}
}

func (d *Dispatcher) exitErr(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, worker.ErrPoolStopped) {
		return nil
	}
	return err
}

// dispatchTo keeps the reserved worker until a job is claimed for it
func (d *Dispatcher) dispatchTo(ctx context.Context, workerID string) error {
	for {
		select {
		case <-d.pool.Done():
			return worker.ErrPoolStopped
		default:
		}

		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		job, err := d.store.Dequeue(ctx, workerID)
		switch {
		case err == nil:
			if err := d.pool.Assign(workerID, job); err != nil {
				d.logger.Error("Failed to assign claimed job",
					slog.String("job_id", job.ID),
					slog.String("worker_id", workerID),
					slog.String("error", err.Error()),
				)
				return err
			}
			d.dispatched.Add(1)
			d.logger.Debug("Job dispatched",
				slog.String("job_id", job.ID),
				slog.String("job_type", job.Type),
				slog.String("worker_id", workerID),
			)
			return nil

		case errors.Is(err, domain.ErrQueueEmpty):
			if err := d.sleep(ctx, d.pollInterval); err != nil {
				return err
			}

		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Error("Failed to dequeue job", slog.String("error", err.Error()))
			if err := d.sleep(ctx, errorBackoff); err != nil {
				return err
			}
		}
	}
}

func (d *Dispatcher) sleep(ctx context.Context, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-d.wake:
		return nil
	case <-d.pool.Done():
		return worker.ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
