package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobqueue/internal/api/dto"
	"github.com/cuongbtq/jobqueue/internal/store"
)

// ListDeadLetters handles GET /api/v1/dead-letters
func (h *JobHandler) ListDeadLetters(c *gin.Context) {
	var req dto.ListDeadLettersRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	entries, err := h.store.ListDeadLetters(c.Request.Context(), store.DeadLetterFilter{
		Type:  req.Type,
		Limit: clampPageSize(req.PageSize),
	})
	if err != nil {
		h.respondError(c, "list dead letters", err)
		return
	}

	resp := dto.ListDeadLettersResponse{DeadLetters: make([]dto.DeadLetterDTO, len(entries))}
	for i, dl := range entries {
		resp.DeadLetters[i] = dto.NewDeadLetterDTO(dl)
	}

	c.JSON(http.StatusOK, resp)
}

// GetDeadLetter handles GET /api/v1/dead-letters/:job_id
func (h *JobHandler) GetDeadLetter(c *gin.Context) {
	jobID, ok := h.parseJobID(c)
	if !ok {
		return
	}

	dl, err := h.store.GetDeadLetter(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, "get dead letter", err)
		return
	}

	c.JSON(http.StatusOK, dto.NewDeadLetterDTO(dl))
}

// ReplayDeadLetter handles POST /api/v1/dead-letters/:job_id/replay
// Enqueues a fresh copy of the dead-lettered job; each entry replays once
func (h *JobHandler) ReplayDeadLetter(c *gin.Context) {
	jobID, ok := h.parseJobID(c)
	if !ok {
		return
	}

	if h.replayer == nil {
		h.respondError(c, "replay dead letter", errors.New("replay is not configured"))
		return
	}

	replayed, err := h.replayer.Replay(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, "replay dead letter", err)
		return
	}

	job, err := h.store.Get(c.Request.Context(), replayed.ID)
	if err != nil {
		h.respondError(c, "get job", err)
		return
	}

	h.notify(c, job.ID)

	c.JSON(http.StatusCreated, dto.ReplayResponse{
		ReplayedFrom: jobID,
		Job:          dto.NewJobDTO(job),
	})
}
