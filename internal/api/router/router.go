package router

import (
	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobqueue/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	jobHandler := handler.NewJobHandler(deps)
	systemHandler := handler.NewSystemHandler(deps)

	// Health check endpoint
	r.GET("/health", systemHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Enqueue a new job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)

			// DELETE /api/v1/jobs/:job_id - Delete a finished job
			jobs.DELETE("/:job_id", jobHandler.DeleteJob)
		}

		deadLetters := v1.Group("/dead-letters")
		{
			deadLetters.GET("", jobHandler.ListDeadLetters)
			deadLetters.GET("/:job_id", jobHandler.GetDeadLetter)

			// POST /api/v1/dead-letters/:job_id/replay - Enqueue a fresh copy
			deadLetters.POST("/:job_id/replay", jobHandler.ReplayDeadLetter)
		}

		v1.GET("/stats", systemHandler.Stats)

		if deps.Workers != nil {
			v1.GET("/workers", systemHandler.Workers)
		}
	}

	return r
}
