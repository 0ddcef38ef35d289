// Package store defines the persistence contract of the job queue. Backends live in
// sub-packages: memory, sqlstore (PostgreSQL/SQLite), badgerstore and redisstore.
package store

import (
	"context"
	"time"

	"github.com/cuongbtq/jobqueue/internal/domain"
)

// DefaultListLimit caps list queries that do not set a limit
const DefaultListLimit = 100

// Filter selects jobs for List. Results are newest first (descending Seq).
type Filter struct {
	Status domain.Status
	Type   string
	// BeforeSeq returns only jobs inserted before this sequence number; zero means no cursor
	BeforeSeq int64
	Limit     int
}

// DeadLetterFilter selects dead-letter entries, newest failure first
type DeadLetterFilter struct {
	Type  string
	Limit int
}

// Store is the queue store shared by the API, the dispatcher, the worker pool and the
// retry manager. Every operation on an unknown id fails with domain.ErrJobNotFound.
type Store interface {
	// Enqueue validates and persists a new pending job, returning its id
	Enqueue(ctx context.Context, job *domain.Job) (string, error)

	// Dequeue atomically claims the next eligible pending job for workerID and returns
	// it in running state. Returns domain.ErrQueueEmpty when nothing is eligible.
	Dequeue(ctx context.Context, workerID string) (*domain.Job, error)

	// MarkRunning claims a specific pending job for workerID
	MarkRunning(ctx context.Context, jobID, workerID string) (*domain.Job, error)

	// Heartbeat refreshes the heartbeat timestamp of a running job held by workerID
	Heartbeat(ctx context.Context, jobID, workerID string) error

	// MarkSucceeded completes a running job. An empty workerID skips the holder check.
	MarkSucceeded(ctx context.Context, jobID, workerID string, result []byte) error

	// MarkFailed records a failed attempt: the attempt count is incremented and the job
	// moves to failed until the retry manager reschedules or dead-letters it. Whether
	// jobErr is permanent is stored with the job.
	MarkFailed(ctx context.Context, jobID, workerID string, jobErr error) (*domain.Job, error)

	// FailStale is MarkFailed for the reaper: it only succeeds while the job's heartbeat
	// is still older than before, and returns domain.ErrJobNotStale otherwise
	FailStale(ctx context.Context, jobID, workerID string, before time.Time, jobErr error) (*domain.Job, error)

	// Reschedule moves a failed job back to pending, eligible from runAt
	Reschedule(ctx context.Context, jobID string, runAt time.Time) error

	// DeadLetter moves a failed job to dead-letter storage
	DeadLetter(ctx context.Context, jobID, reason string) (*domain.DeadLetter, error)

	// Cancel stops a pending or failed job from running again
	Cancel(ctx context.Context, jobID string) error

	// Delete removes a job in a terminal state
	Delete(ctx context.Context, jobID string) error

	Get(ctx context.Context, jobID string) (*domain.Job, error)
	List(ctx context.Context, filter Filter) ([]*domain.Job, error)

	// ListStale returns running jobs whose last heartbeat is before the cutoff and failed
	// jobs that have waited for a retry decision since before the cutoff
	ListStale(ctx context.Context, before time.Time, limit int) ([]*domain.Job, error)

	ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]*domain.DeadLetter, error)
	GetDeadLetter(ctx context.Context, jobID string) (*domain.DeadLetter, error)

	// MarkReplayed records that a dead letter was re-enqueued as newJobID. Returns
	// domain.ErrAlreadyReplayed if it was replayed before.
	MarkReplayed(ctx context.Context, jobID, newJobID string) error

	// ClearReplayed undoes MarkReplayed when the replay copy could not be enqueued. It
	// only clears the marker if it still points at newJobID, else domain.ErrInvalidState.
	ClearReplayed(ctx context.Context, jobID, newJobID string) error

	// Stats counts jobs by status
	Stats(ctx context.Context) (map[domain.Status]int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Limit returns the effective list limit
func Limit(n int) int {
	if n <= 0 {
		return DefaultListLimit
	}
	return n
}

// CheckHolder verifies that job is running and held by workerID (empty skips the holder check)
func CheckHolder(job *domain.Job, workerID string) error {
	if job.Status != domain.StatusRunning {
		return domain.ErrInvalidState
	}
	if workerID != "" && job.WorkerID != workerID {
		return domain.ErrLeaseLost
	}
	return nil
}

// CheckStale verifies that job is held by workerID and its heartbeat is older than before
func CheckStale(job *domain.Job, workerID string, before time.Time) error {
	if err := CheckHolder(job, workerID); err != nil {
		return err
	}
	if job.HeartbeatAt != nil && !job.HeartbeatAt.Before(before) {
		return domain.ErrJobNotStale
	}
	return nil
}

// Transition helpers shared by the backends. Each backend loads the job, applies the
// transition in Go and writes it back inside its own atomic section.

// ApplyClaim moves a pending job to running for workerID
func ApplyClaim(job *domain.Job, workerID string, now time.Time) {
	job.Status = domain.StatusRunning
	job.WorkerID = workerID
	job.StartedAt = &now
	job.HeartbeatAt = &now
	job.UpdatedAt = now
}

// ApplySucceeded completes a running job
func ApplySucceeded(job *domain.Job, result []byte, now time.Time) {
	job.Status = domain.StatusSucceeded
	job.Result = result
	job.LastError = ""
	job.CompletedAt = &now
	job.UpdatedAt = now
}

// ApplyFailed records a failed attempt
func ApplyFailed(job *domain.Job, jobErr error, now time.Time) {
	job.Status = domain.StatusFailed
	job.Attempts++
	job.LastError = jobErr.Error()
	job.PermanentFailure = domain.IsPermanent(jobErr)
	job.UpdatedAt = now
}

// ApplyReschedule moves a failed job back to pending
func ApplyReschedule(job *domain.Job, runAt, now time.Time) error {
	if job.Status != domain.StatusFailed {
		return domain.ErrInvalidState
	}
	job.Status = domain.StatusPending
	job.WorkerID = ""
	job.PermanentFailure = false
	job.RunAt = runAt
	job.HeartbeatAt = nil
	job.UpdatedAt = now
	return nil
}

// ApplyDeadLetter moves a failed job to dead_lettered and builds its entry
func ApplyDeadLetter(job *domain.Job, reason string, now time.Time) (*domain.DeadLetter, error) {
	if job.Status != domain.StatusFailed {
		return nil, domain.ErrInvalidState
	}
	job.Status = domain.StatusDeadLettered
	job.WorkerID = ""
	job.CompletedAt = &now
	job.UpdatedAt = now
	return domain.NewDeadLetter(job, reason, now), nil
}

// ApplyCancel cancels a pending or failed job
func ApplyCancel(job *domain.Job, now time.Time) error {
	if job.Status != domain.StatusPending && job.Status != domain.StatusFailed {
		return domain.ErrInvalidState
	}
	job.Status = domain.StatusCanceled
	job.WorkerID = ""
	job.CompletedAt = &now
	job.UpdatedAt = now
	return nil
}

// ApplyReplayCleared resets the replay marker of dl if it still points at newJobID
func ApplyReplayCleared(dl *domain.DeadLetter, newJobID string) error {
	if dl.ReplayedAs != newJobID {
		return domain.ErrInvalidState
	}
	dl.ReplayedAs = ""
	dl.ReplayedAt = nil
	return nil
}

// IsStale reports whether job qualifies for ListStale at the cutoff
func IsStale(job *domain.Job, before time.Time) bool {
	switch job.Status {
	case domain.StatusRunning:
		return job.HeartbeatAt == nil || job.HeartbeatAt.Before(before)
	case domain.StatusFailed:
		return job.UpdatedAt.Before(before)
	default:
		return false
	}
}

// Matches reports whether job passes filter (cursor and limit excluded)
func Matches(job *domain.Job, filter Filter) bool {
	if filter.Status != "" && job.Status != filter.Status {
		return false
	}
	if filter.Type != "" && job.Type != filter.Type {
		return false
	}
	if filter.BeforeSeq > 0 && job.Seq >= filter.BeforeSeq {
		return false
	}
	return true
}

// EmptyStats returns a count map with every status present
func EmptyStats() map[domain.Status]int64 {
	stats := make(map[domain.Status]int64, len(domain.Statuses))
	for _, s := range domain.Statuses {
		stats[s] = 0
	}
	return stats
}
