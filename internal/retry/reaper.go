package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/store"
)

const defaultReapBatch = 100

// Reaper recovers jobs abandoned by crashed workers: running jobs whose heartbeat is
// older than the stale threshold count as a failed attempt, and jobs left in failed
// state (the worker died before the retry decision) are resolved.
type Reaper struct {
	store     store.Store
	manager   *Manager
	threshold time.Duration
	interval  time.Duration
	batch     int
	logger    *slog.Logger
}

// ReaperOption configures a Reaper
type ReaperOption func(*Reaper)

// WithReapInterval sets how often the reaper scans (defaults to the threshold)
func WithReapInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) { r.interval = d }
}

// WithReapBatch caps the jobs handled per scan
func WithReapBatch(n int) ReaperOption {
	return func(r *Reaper) { r.batch = n }
}

// NewReaper creates a Reaper for jobs stale longer than threshold
func NewReaper(st store.Store, manager *Manager, threshold time.Duration, logger *slog.Logger, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		store:     st,
		manager:   manager,
		threshold: threshold,
		interval:  threshold,
		batch:     defaultReapBatch,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run scans on every interval until ctx is canceled
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info("Reaper started",
		slog.Duration("stale_threshold", r.threshold),
		slog.Duration("interval", r.interval),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reaper stopped")
			return nil
		case <-ticker.C:
			if _, err := r.ReapOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("Reap stale jobs failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ReapOnce handles one batch of stale jobs and returns how many were recovered
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	cutoff := r.manager.now().Add(-r.threshold)
	stale, err := r.store.ListStale(ctx, cutoff, r.batch)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, j := range stale {
		var outcome *Outcome
		switch j.Status {
		case domain.StatusRunning:
			outcome, err = r.manager.HandleStale(ctx, j, cutoff)
		case domain.StatusFailed:
			// j.PermanentFailure carries the original error's class
			outcome, err = r.manager.Resolve(ctx, j, errors.New(j.LastError))
		default:
			continue
		}

		if err != nil {
			// Another worker or reaper got there first, or the worker heartbeated since the scan.
			if errors.Is(err, domain.ErrInvalidState) || errors.Is(err, domain.ErrLeaseLost) ||
				errors.Is(err, domain.ErrJobNotFound) || errors.Is(err, domain.ErrJobNotStale) {
				continue
			}
			r.logger.Error("Failed to recover stale job",
				slog.String("job_id", j.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		recovered++
		r.logger.Warn("Recovered stale job",
			slog.String("job_id", j.ID),
			slog.String("worker_id", j.WorkerID),
			slog.String("previous_status", string(j.Status)),
			slog.String("decision", string(outcome.Decision)),
		)
	}
	return recovered, nil
}
