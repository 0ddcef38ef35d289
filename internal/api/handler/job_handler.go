package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobqueue/internal/api/dto"
	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/store"
)

// CreateJob handles POST /api/v1/jobs
// Enqueues a new background job for processing
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	maxAttempts := h.defaultMaxAttempts
	if req.MaxAttempts != nil {
		maxAttempts = *req.MaxAttempts
	}

	var payload []byte
	if len(req.Payload) > 0 && string(req.Payload) != "null" {
		payload = req.Payload
	}

	job := domain.NewJob(req.Type, payload, maxAttempts)
	job.Priority = req.Priority
	job.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	if req.RunAt != nil {
		job.RunAt = req.RunAt.UTC()
	}

	jobID, err := h.store.Enqueue(c.Request.Context(), job)
	if err != nil {
		h.respondError(c, "create job", err)
		return
	}

	created, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, "get job", err)
		return
	}

	h.logger.Info("Job enqueued",
		slog.String("job_id", jobID),
		slog.String("job_type", created.Type),
		slog.Int("priority", created.Priority),
		slog.Int("max_attempts", created.MaxAttempts),
	)

	h.notify(c, jobID)

	c.JSON(http.StatusCreated, dto.NewJobDTO(created))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves detailed information about a specific job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.parseJobID(c)
	if !ok {
		return
	}

	job, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, "get job", err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	req.PageSize = clampPageSize(req.PageSize)

	status := domain.Status(req.Status)
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid status",
		})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	// One extra row tells whether another page exists
	filter := store.Filter{
		Status: status,
		Type:   req.Type,
		Limit:  req.PageSize + 1,
	}
	if cursor != nil {
		filter.BeforeSeq = cursor.Seq
	}

	jobs, err := h.store.List(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, "list jobs", err)
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i, job := range jobs {
		jobResponse[i] = dto.NewJobDTO(job)
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&JobCursor{Seq: lastJob.Seq, JobID: lastJob.ID})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Cancels a pending job or a failed job awaiting retry
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.parseJobID(c)
	if !ok {
		return
	}

	if err := h.store.Cancel(c.Request.Context(), jobID); err != nil {
		h.respondError(c, "cancel job", err)
		return
	}

	job, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, "get job", err)
		return
	}

	h.logger.Info("Job canceled", slog.String("job_id", jobID))

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Permanently deletes a job in a terminal state
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID, ok := h.parseJobID(c)
	if !ok {
		return
	}

	if err := h.store.Delete(c.Request.Context(), jobID); err != nil {
		h.respondError(c, "delete job", err)
		return
	}

	h.logger.Info("Job deleted", slog.String("job_id", jobID))

	c.Status(http.StatusNoContent)
}
