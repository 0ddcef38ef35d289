package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobqueue/internal/api/dto"
	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/store"
)

const healthCheckTimeout = 2 * time.Second

// SystemHandler serves health, stats and worker state
type SystemHandler struct {
	logger  *slog.Logger
	service string
	store   store.Store
	health  func(ctx context.Context) error
	workers WorkerLister
}

// NewSystemHandler creates a new SystemHandler instance
func NewSystemHandler(deps *Dependencies) *SystemHandler {
	health := deps.HealthCheck
	if health == nil {
		health = deps.Store.Ping
	}

	return &SystemHandler{
		logger:  deps.Logger,
		service: deps.Service,
		store:   deps.Store,
		health:  health,
		workers: deps.Workers,
	}
}

// Health handles GET /health
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	if err := h.health(ctx); err != nil {
		h.logger.Error("Health check failed", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"service": h.service,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": h.service,
	})
}

// Stats handles GET /api/v1/stats
func (h *SystemHandler) Stats(c *gin.Context) {
	counts, err := h.store.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get stats", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get stats",
		})
		return
	}

	resp := dto.StatsResponse{Jobs: make(map[string]int64, len(domain.Statuses))}
	for _, status := range domain.Statuses {
		resp.Jobs[string(status)] = counts[status]
		resp.Total += counts[status]
	}

	c.JSON(http.StatusOK, resp)
}

// Workers handles GET /api/v1/workers
func (h *SystemHandler) Workers(c *gin.Context) {
	if h.workers == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "this service has no worker pool",
		})
		return
	}

	resp := dto.WorkersResponse{Workers: h.workers.Workers()}
	for _, w := range resp.Workers {
		if w.State == domain.WorkerBusy {
			resp.Busy++
		} else {
			resp.Idle++
		}
	}

	c.JSON(http.StatusOK, resp)
}
