package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cuongbtq/jobqueue/internal/domain"
)

// processJob runs one claimed job with timeout and heartbeat, then reports the
// outcome to the store (success) or the failure handler (error)
func (w *Worker) processJob(job *domain.Job) {
	w.logger.Info("Processing job",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.Int("attempt", job.Attempts+1),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	jobTimeout := w.pool.jobTimeout
	if job.Timeout > 0 {
		jobTimeout = job.Timeout
	}

	jobCtx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	w.pool.trackJob(job.ID, cancel)
	defer w.pool.untrackJob(job.ID)

	// Heartbeat stops before the final status update so it never races it
	heartbeatDone := make(chan struct{})
	var heartbeatWG sync.WaitGroup
	heartbeatWG.Add(1)
	go func() {
		defer heartbeatWG.Done()
		w.sendJobHeartbeat(jobCtx, cancel, job.ID, heartbeatDone)
	}()

	start := time.Now()
	result, err := w.executeJob(jobCtx, job)
	close(heartbeatDone)
	heartbeatWG.Wait()

	if err != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("job timed out after %s: %w", jobTimeout, err)
	}

	updateCtx, updateCancel := context.WithTimeout(context.Background(), storeUpdateTimeout)
	defer updateCancel()

	if err == nil {
		err = w.complete(updateCtx, job, result)
		if err == nil {
			w.logger.Info("Job completed successfully",
				slog.String("job_id", job.ID),
				slog.String("job_type", job.Type),
				slog.Duration("duration", time.Since(start)),
			)
			w.setIdle(true)
			return
		}
		if errors.Is(err, domain.ErrLeaseLost) || errors.Is(err, domain.ErrInvalidState) {
			w.logger.Warn("Job finished after losing its lease, result discarded",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			w.setIdle(false)
			return
		}
		if !errors.Is(err, domain.ErrInvalidPayload) {
			w.logger.Error("Failed to update job status to SUCCEEDED",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			w.setIdle(false)
			return
		}
	}

	w.logger.Error("Job execution failed",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.String("error", err.Error()),
	)
	w.fail(updateCtx, job, err)
	w.setIdle(false)
}

// complete stores the JSON-encoded result
func (w *Worker) complete(ctx context.Context, job *domain.Job, result any) error {
	var encoded []byte
	if result != nil {
		var err error
		encoded, err = json.Marshal(result)
		if err != nil {
			return domain.Permanent(fmt.Errorf("%w: result is not JSON encodable: %v", domain.ErrInvalidPayload, err))
		}
	}
	return w.pool.store.MarkSucceeded(ctx, job.ID, w.id, encoded)
}

// fail hands the error to the failure handler
func (w *Worker) fail(ctx context.Context, job *domain.Job, jobErr error) {
	outcome, err := w.pool.failures.HandleFailure(ctx, job.ID, w.id, jobErr)
	if err != nil {
		w.logger.Error("Failed to record job failure",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	w.logger.Info("Job failure resolved",
		slog.String("job_id", job.ID),
		slog.String("decision", string(outcome.Decision)),
		slog.Int("attempts", outcome.Job.Attempts),
		slog.Int("max_attempts", outcome.Job.MaxAttempts),
	)
}

// executeJob looks up the handler and runs it, turning a panic into an error
func (w *Worker) executeJob(ctx context.Context, job *domain.Job) (result any, err error) {
	handler, err := w.pool.registry.Get(job.Type)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Job handler panicked",
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			result = nil
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()

	return handler(ctx, job.Clone())
}

// sendJobHeartbeat periodically refreshes the job's heartbeat. If the store reports
// that the worker no longer holds the job, the job context is canceled.
func (w *Worker) sendJobHeartbeat(ctx context.Context, cancel context.CancelFunc, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.pool.heartbeatInterval)
	defer ticker.Stop()

	w.logger.Debug("Job heartbeat started", slog.String("job_id", jobID))

	for {
		select {
		case <-done:
			w.logger.Debug("Job heartbeat stopped", slog.String("job_id", jobID))
			return

		case <-ctx.Done():
			w.logger.Debug("Job heartbeat stopped - context canceled", slog.String("job_id", jobID))
			return

		case <-ticker.C:
			err := w.pool.store.Heartbeat(ctx, jobID, w.id)
			switch {
			case err == nil:
				w.logger.Debug("Job heartbeat updated", slog.String("job_id", jobID))
			case errors.Is(err, domain.ErrLeaseLost), errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrJobNotFound):
				w.logger.Warn("Job lease lost, cancelling execution",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
				cancel()
				return
			default:
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
