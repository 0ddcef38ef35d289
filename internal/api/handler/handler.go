package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/notify"
	"github.com/cuongbtq/jobqueue/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Replayer re-enqueues dead-lettered jobs
type Replayer interface {
	Replay(ctx context.Context, jobID string) (*domain.Job, error)
}

// WorkerLister reports the worker pool state; only the worker service has one
type WorkerLister interface {
	Workers() []domain.Worker
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger   *slog.Logger
	Service  string
	Store    store.Store
	Replayer Replayer
	Notifier notify.Notifier
	Workers  WorkerLister
	// HealthCheck backs GET /health; Store.Ping when nil
	HealthCheck func(ctx context.Context) error
	// DefaultMaxAttempts applies to jobs created without max_attempts
	DefaultMaxAttempts int
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger             *slog.Logger
	store              store.Store
	replayer           Replayer
	notifier           notify.Notifier
	defaultMaxAttempts int
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Noop{}
	}
	maxAttempts := deps.DefaultMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	return &JobHandler{
		logger:             deps.Logger,
		store:              deps.Store,
		replayer:           deps.Replayer,
		notifier:           notifier,
		defaultMaxAttempts: maxAttempts,
	}
}

// notify wakes dispatchers for jobID. Failures only delay the job until the next poll.
func (h *JobHandler) notify(c *gin.Context, jobID string) {
	if err := h.notifier.Notify(c.Request.Context(), jobID); err != nil {
		h.logger.Warn("Failed to publish wake notification",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

// parseJobID reads and validates the job_id path parameter
func (h *JobHandler) parseJobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return "", false
	}
	return jobID, true
}

// respondError maps store and domain errors to HTTP status codes
func (h *JobHandler) respondError(c *gin.Context, action string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Failed to "+action, slog.String("error", err.Error()))
		c.JSON(status, gin.H{
			"error": "Failed to " + action,
		})
		return
	}

	h.logger.Debug("Request rejected",
		slog.String("action", action),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)
	c.JSON(status, gin.H{
		"error": err.Error(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrDeadLetterNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrAlreadyReplayed),
		errors.Is(err, domain.ErrDuplicateJob),
		errors.Is(err, domain.ErrJobAlreadyClaimed):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidJob), errors.Is(err, domain.ErrInvalidPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func clampPageSize(n int) int {
	if n <= 0 {
		return defaultPageSize
	}
	if n > maxPageSize {
		return maxPageSize
	}
	return n
}
