package sqlstore

import (
	"database/sql"
	"time"

	"github.com/cuongbtq/jobqueue/internal/domain"
)

const jobColumns = `seq, id, job_type, payload, status, priority, attempts, max_attempts,
	last_error, permanent_failure, result, worker_id, timeout_ns, run_at, created_at, updated_at,
	started_at, heartbeat_at, completed_at`

const deadLetterColumns = `job_id, job_type, payload, priority, reason, attempts, failed_at,
	replayed_as, replayed_at`

// jobRow mirrors the jobs table. Timestamps are unix nanoseconds.
type jobRow struct {
	Seq         int64         `db:"seq"`
	ID          string        `db:"id"`
	JobType     string        `db:"job_type"`
	Payload     []byte        `db:"payload"`
	Status      string        `db:"status"`
	Priority    int           `db:"priority"`
	Attempts    int           `db:"attempts"`
	MaxAttempts int           `db:"max_attempts"`
	LastError   string        `db:"last_error"`
	Permanent   bool          `db:"permanent_failure"`
	Result      []byte        `db:"result"`
	WorkerID    string        `db:"worker_id"`
	TimeoutNS   int64         `db:"timeout_ns"`
	RunAt       int64         `db:"run_at"`
	CreatedAt   int64         `db:"created_at"`
	UpdatedAt   int64         `db:"updated_at"`
	StartedAt   sql.NullInt64 `db:"started_at"`
	HeartbeatAt sql.NullInt64 `db:"heartbeat_at"`
	CompletedAt sql.NullInt64 `db:"completed_at"`
}

func (r *jobRow) toJob() *domain.Job {
	return &domain.Job{
		ID:               r.ID,
		Seq:              r.Seq,
		Type:             r.JobType,
		Payload:          r.Payload,
		Status:           domain.Status(r.Status),
		Priority:         r.Priority,
		Attempts:         r.Attempts,
		MaxAttempts:      r.MaxAttempts,
		LastError:        r.LastError,
		PermanentFailure: r.Permanent,
		Result:           r.Result,
		WorkerID:         r.WorkerID,
		Timeout:          time.Duration(r.TimeoutNS),
		RunAt:            fromNanos(r.RunAt),
		CreatedAt:        fromNanos(r.CreatedAt),
		UpdatedAt:        fromNanos(r.UpdatedAt),
		StartedAt:        fromNullNanos(r.StartedAt),
		HeartbeatAt:      fromNullNanos(r.HeartbeatAt),
		CompletedAt:      fromNullNanos(r.CompletedAt),
	}
}

type deadLetterRow struct {
	JobID      string        `db:"job_id"`
	JobType    string        `db:"job_type"`
	Payload    []byte        `db:"payload"`
	Priority   int           `db:"priority"`
	Reason     string        `db:"reason"`
	Attempts   int           `db:"attempts"`
	FailedAt   int64         `db:"failed_at"`
	ReplayedAs string        `db:"replayed_as"`
	ReplayedAt sql.NullInt64 `db:"replayed_at"`
}

func (r *deadLetterRow) toDeadLetter() *domain.DeadLetter {
	return &domain.DeadLetter{
		JobID:      r.JobID,
		Type:       r.JobType,
		Payload:    r.Payload,
		Priority:   r.Priority,
		Reason:     r.Reason,
		Attempts:   r.Attempts,
		FailedAt:   fromNanos(r.FailedAt),
		ReplayedAs: r.ReplayedAs,
		ReplayedAt: fromNullNanos(r.ReplayedAt),
	}
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
