package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/jobqueue/internal/domain"
)

type CreateJobRequest struct {
	Type           string          `json:"type" binding:"required"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	MaxAttempts    *int            `json:"max_attempts" binding:"omitempty,min=1"`
	TimeoutSeconds int             `json:"timeout_seconds" binding:"min=0"`
	RunAt          *time.Time      `json:"run_at"`
}

type ListJobsRequest struct {
	Type     string `form:"type"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID          string          `json:"job_id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         string          `json:"status"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	LastError      string          `json:"last_error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	WorkerID       string          `json:"worker_id,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	RunAt          string          `json:"run_at"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
	StartedAt      string          `json:"started_at,omitempty"`
	HeartbeatAt    string          `json:"heartbeat_at,omitempty"`
	CompletedAt    string          `json:"completed_at,omitempty"`
}

// NewJobDTO converts a stored job to its API representation
func NewJobDTO(job *domain.Job) JobDTO {
	return JobDTO{
		JobID:          job.ID,
		Type:           job.Type,
		Payload:        job.Payload,
		Status:         string(job.Status),
		Priority:       job.Priority,
		Attempts:       job.Attempts,
		MaxAttempts:    job.MaxAttempts,
		LastError:      job.LastError,
		Result:         job.Result,
		WorkerID:       job.WorkerID,
		TimeoutSeconds: int(job.Timeout / time.Second),
		RunAt:          job.RunAt.Format(time.RFC3339),
		CreatedAt:      job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      job.UpdatedAt.Format(time.RFC3339),
		StartedAt:      formatTime(job.StartedAt),
		HeartbeatAt:    formatTime(job.HeartbeatAt),
		CompletedAt:    formatTime(job.CompletedAt),
	}
}

type ListDeadLettersRequest struct {
	Type     string `form:"type"`
	PageSize int    `form:"page_size"`
}

type ListDeadLettersResponse struct {
	DeadLetters []DeadLetterDTO `json:"dead_letters"`
}

type DeadLetterDTO struct {
	JobID      string          `json:"job_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   int             `json:"priority"`
	Reason     string          `json:"reason"`
	Attempts   int             `json:"attempts"`
	FailedAt   string          `json:"failed_at"`
	ReplayedAs string          `json:"replayed_as,omitempty"`
	ReplayedAt string          `json:"replayed_at,omitempty"`
}

// NewDeadLetterDTO converts a dead-letter entry to its API representation
func NewDeadLetterDTO(dl *domain.DeadLetter) DeadLetterDTO {
	return DeadLetterDTO{
		JobID:      dl.JobID,
		Type:       dl.Type,
		Payload:    dl.Payload,
		Priority:   dl.Priority,
		Reason:     dl.Reason,
		Attempts:   dl.Attempts,
		FailedAt:   dl.FailedAt.Format(time.RFC3339),
		ReplayedAs: dl.ReplayedAs,
		ReplayedAt: formatTime(dl.ReplayedAt),
	}
}

type ReplayResponse struct {
	ReplayedFrom string `json:"replayed_from"`
	Job          JobDTO `json:"job"`
}

type StatsResponse struct {
	Jobs  map[string]int64 `json:"jobs"`
	Total int64            `json:"total"`
}

type WorkersResponse struct {
	Workers []domain.Worker `json:"workers"`
	Busy    int             `json:"busy"`
	Idle    int             `json:"idle"`
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
