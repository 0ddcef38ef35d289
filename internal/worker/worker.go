package worker

import (
	"log/slog"
	"sync"

	"github.com/cuongbtq/jobqueue/internal/domain"
)

// Worker executes at most one job at a time. It receives jobs from the dispatcher
// through a one-slot channel and is only handed a job after reporting idle.
type Worker struct {
	id     string
	pool   *Pool
	jobs   chan *domain.Job
	logger *slog.Logger

	mu         sync.Mutex
	state      domain.WorkerState
	currentJob string
	processed  int64
	failed     int64
}

func newWorker(id string, pool *Pool) *Worker {
	return &Worker{
		id:     id,
		pool:   pool,
		jobs:   make(chan *domain.Job, 1),
		logger: pool.logger.With(slog.String("worker_id", id)),
		state:  domain.WorkerIdle,
	}
}

// ID returns the worker identifier
func (w *Worker) ID() string {
	return w.id
}

// Snapshot returns the current worker state
func (w *Worker) Snapshot() domain.Worker {
	w.mu.Lock()
	defer w.mu.Unlock()
	return domain.Worker{
		ID:         w.id,
		State:      w.state,
		CurrentJob: w.currentJob,
		Processed:  w.processed,
		Failed:     w.failed,
	}
}

// run is the main loop of the worker goroutine
func (w *Worker) run() {
	defer w.pool.wg.Done()

	w.logger.Debug("Worker goroutine started")

	for {
		w.pool.idle <- w

		select {
		case job := <-w.jobs:
			w.processJob(job)

		case <-w.pool.stopCh:
			// A job assigned just before stop is still run.
			select {
			case job := <-w.jobs:
				w.processJob(job)
			default:
			}
			w.logger.Debug("Worker goroutine stopping - pool stopped")
			return
		}
	}
}

func (w *Worker) setBusy(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = domain.WorkerBusy
	w.currentJob = jobID
}

func (w *Worker) setIdle(succeeded bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = domain.WorkerIdle
	w.currentJob = ""
	if succeeded {
		w.processed++
	} else {
		w.failed++
	}
}
