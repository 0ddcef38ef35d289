package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job is a unit of background work owned by the queue store
type Job struct {
	ID          string          `json:"id"`
	Seq         int64           `json:"seq"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      Status          `json:"status"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	// PermanentFailure is set when the last attempt failed with a non-retryable error
	PermanentFailure bool            `json:"permanent_failure,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	WorkerID         string          `json:"worker_id,omitempty"`
	Timeout          time.Duration   `json:"timeout,omitempty"`
	RunAt            time.Time       `json:"run_at"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	HeartbeatAt      *time.Time      `json:"heartbeat_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// NewJob builds a pending job with a fresh id. The store assigns the sequence number.
func NewJob(jobType string, payload []byte, maxAttempts int) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     payload,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Validate checks the fields every store requires before persisting a job
func (j *Job) Validate() error {
	if j.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidJob)
	}
	if j.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalidJob)
	}
	if len(j.Payload) > 0 && !json.Valid(j.Payload) {
		return ErrInvalidPayload
	}
	return nil
}

// Prepare fills the defaults a store applies on enqueue
func (j *Job) Prepare(now time.Time) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.Status = StatusPending
	j.Attempts = 0
	j.WorkerID = ""
	j.LastError = ""
	j.PermanentFailure = false
	j.Result = nil
	j.StartedAt = nil
	j.HeartbeatAt = nil
	j.CompletedAt = nil
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.RunAt.IsZero() {
		j.RunAt = now
	}
	j.UpdatedAt = now
}

// Clone returns a deep copy so callers can mutate it without racing the store
func (j *Job) Clone() *Job {
	cp := *j
	cp.Payload = cloneBytes(j.Payload)
	cp.Result = cloneBytes(j.Result)
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.HeartbeatAt = cloneTime(j.HeartbeatAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	return &cp
}

// Eligible reports whether the job may be dequeued at now
func (j *Job) Eligible(now time.Time) bool {
	return j.Status == StatusPending && !j.RunAt.After(now)
}

// DeadLetter is a permanently failed job moved aside for inspection
type DeadLetter struct {
	JobID      string          `json:"job_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   int             `json:"priority"`
	Reason     string          `json:"reason"`
	Attempts   int             `json:"attempts"`
	FailedAt   time.Time       `json:"failed_at"`
	ReplayedAs string          `json:"replayed_as,omitempty"`
	ReplayedAt *time.Time      `json:"replayed_at,omitempty"`
}

// NewDeadLetter captures the failed job at the moment it is dead-lettered
func NewDeadLetter(j *Job, reason string, now time.Time) *DeadLetter {
	return &DeadLetter{
		JobID:    j.ID,
		Type:     j.Type,
		Payload:  cloneBytes(j.Payload),
		Priority: j.Priority,
		Reason:   reason,
		Attempts: j.Attempts,
		FailedAt: now,
	}
}

// Clone returns a deep copy of the entry
func (d *DeadLetter) Clone() *DeadLetter {
	cp := *d
	cp.Payload = cloneBytes(d.Payload)
	cp.ReplayedAt = cloneTime(d.ReplayedAt)
	return &cp
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
