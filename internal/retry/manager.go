// Package retry decides what happens to a job after a failed attempt: reschedule with
// backoff while attempts remain, otherwise move it to dead-letter storage.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobqueue/internal/backoff"
	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/store"
)

// Decision is the outcome of resolving a failed job
type Decision string

const (
	DecisionRetry      Decision = "retry"
	DecisionDeadLetter Decision = "dead_letter"
)

// Outcome describes how a failure was resolved
type Outcome struct {
	Decision Decision
	Job      *domain.Job
	// RunAt is set when the job was rescheduled
	RunAt time.Time
	// DeadLetter is set when the job was dead-lettered
	DeadLetter *domain.DeadLetter
}

// Manager is the retry/failure manager
type Manager struct {
	store   store.Store
	backoff backoff.Strategy
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a Manager. A nil strategy uses backoff.Default().
func NewManager(st store.Store, strategy backoff.Strategy, logger *slog.Logger) *Manager {
	if strategy == nil {
		strategy = backoff.Default()
	}
	return &Manager{
		store:   st,
		backoff: strategy,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// HandleFailure records a failed attempt of a job held by workerID and resolves it
func (m *Manager) HandleFailure(ctx context.Context, jobID, workerID string, jobErr error) (*Outcome, error) {
	failed, err := m.store.MarkFailed(ctx, jobID, workerID, jobErr)
	if err != nil {
		return nil, fmt.Errorf("failed to record job failure: %w", err)
	}
	return m.Resolve(ctx, failed, jobErr)
}

// HandleStale fails a running job whose heartbeat was older than before when it was
// listed. The store re-checks the heartbeat, so a worker that heartbeated since keeps
// its job and domain.ErrJobNotStale is returned.
func (m *Manager) HandleStale(ctx context.Context, job *domain.Job, before time.Time) (*Outcome, error) {
	failed, err := m.store.FailStale(ctx, job.ID, job.WorkerID, before, domain.ErrHeartbeatExpired)
	if err != nil {
		return nil, fmt.Errorf("failed to record stale job: %w", err)
	}
	return m.Resolve(ctx, failed, domain.ErrHeartbeatExpired)
}

// Resolve reschedules or dead-letters a job in failed state. Permanent errors (from
// jobErr or recorded on the job) and exhausted attempts dead-letter the job; anything
// else is retried after backoff.
func (m *Manager) Resolve(ctx context.Context, failed *domain.Job, jobErr error) (*Outcome, error) {
	permanent := domain.IsPermanent(jobErr) || failed.PermanentFailure
	if permanent || failed.Attempts >= failed.MaxAttempts {
		reason := failed.LastError
		if reason == "" {
			reason = jobErr.Error()
		}

		dl, err := m.store.DeadLetter(ctx, failed.ID, reason)
		if err != nil {
			return nil, fmt.Errorf("failed to dead-letter job: %w", err)
		}

		m.logger.Warn("Job moved to dead letters",
			slog.String("job_id", failed.ID),
			slog.String("job_type", failed.Type),
			slog.Int("attempts", failed.Attempts),
			slog.Int("max_attempts", failed.MaxAttempts),
			slog.Bool("permanent", permanent),
			slog.String("error", reason),
		)

		return &Outcome{Decision: DecisionDeadLetter, Job: failed, DeadLetter: dl}, nil
	}

	delay := m.backoff.Delay(failed.Attempts)
	runAt := m.now().Add(delay)
	if err := m.store.Reschedule(ctx, failed.ID, runAt); err != nil {
		return nil, fmt.Errorf("failed to reschedule job: %w", err)
	}

	m.logger.Info("Job will be retried",
		slog.String("job_id", failed.ID),
		slog.String("job_type", failed.Type),
		slog.Int("attempts", failed.Attempts),
		slog.Int("max_attempts", failed.MaxAttempts),
		slog.Duration("delay", delay),
	)

	return &Outcome{Decision: DecisionRetry, Job: failed, RunAt: runAt}, nil
}

// Replay enqueues a fresh copy of a dead-lettered job. The dead letter is marked
// replayed before the new job is enqueued, so each entry is replayed at most once. If
// the enqueue fails the mark is undone and the entry can be replayed again.
func (m *Manager) Replay(ctx context.Context, jobID string) (*domain.Job, error) {
	dl, err := m.store.GetDeadLetter(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if dl.ReplayedAs != "" {
		return nil, domain.ErrAlreadyReplayed
	}

	maxAttempts := dl.Attempts
	var timeout time.Duration
	if orig, err := m.store.Get(ctx, jobID); err == nil {
		maxAttempts = orig.MaxAttempts
		timeout = orig.Timeout
	} else if !errors.Is(err, domain.ErrJobNotFound) {
		return nil, err
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	j := domain.NewJob(dl.Type, dl.Payload, maxAttempts)
	j.Priority = dl.Priority
	j.Timeout = timeout

	if err := m.store.MarkReplayed(ctx, jobID, j.ID); err != nil {
		return nil, err
	}
	if _, err := m.store.Enqueue(ctx, j); err != nil {
		if clearErr := m.store.ClearReplayed(ctx, jobID, j.ID); clearErr != nil {
			m.logger.Error("Failed to clear replay marker",
				slog.String("job_id", jobID),
				slog.String("new_job_id", j.ID),
				slog.String("error", clearErr.Error()),
			)
		}
		return nil, fmt.Errorf("failed to enqueue replayed job: %w", err)
	}

	m.logger.Info("Dead letter replayed",
		slog.String("job_id", jobID),
		slog.String("new_job_id", j.ID),
		slog.String("job_type", j.Type),
	)

	return j, nil
}
