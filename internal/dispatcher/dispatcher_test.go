package dispatcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobqueue/internal/backoff"
	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/retry"
	"github.com/cuongbtq/jobqueue/internal/store"
	"github.com/cuongbtq/jobqueue/internal/store/memory"
	"github.com/cuongbtq/jobqueue/internal/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPool(t *testing.T, st store.Store, registry *worker.Registry, id string, concurrency int) *worker.Pool {
	t.Helper()
	pool, err := worker.NewPool(&worker.Config{
		Logger:            testLogger(),
		Store:             st,
		Registry:          registry,
		Failures:          retry.NewManager(st, backoff.Constant{}, testLogger()),
		PoolID:            id,
		Concurrency:       concurrency,
		JobTimeout:        time.Second,
		HeartbeatInterval: time.Second,
	})
	require.NoError(t, err)
	return pool
}

// start runs the pool and the dispatcher until the test ends, dispatcher first to stop
func start(t *testing.T, pool *worker.Pool, d *Dispatcher) {
	t.Helper()
	pool.Start()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		assert.NoError(t, pool.Stop(stopCtx))
	})
}

func enqueue(t *testing.T, st store.Store, jobType string, priority int) string {
	t.Helper()
	j := domain.NewJob(jobType, nil, 3)
	j.Priority = priority
	id, err := st.Enqueue(context.Background(), j)
	require.NoError(t, err)
	return id
}

func waitForStatus(t *testing.T, st store.Store, status domain.Status, ids ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, id := range ids {
			job, err := st.Get(context.Background(), id)
			if err != nil || job.Status != status {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
}

// recorder is a handler that records execution order and detects overlapping runs of a job
type recorder struct {
	mu       sync.Mutex
	order    []string
	runs     map[string]int
	inFlight map[string]bool
	overlap  bool
}

func newRecorder() *recorder {
	return &recorder{runs: make(map[string]int), inFlight: make(map[string]bool)}
}

func (r *recorder) handle(_ context.Context, job *domain.Job) (any, error) {
	r.mu.Lock()
	if r.inFlight[job.ID] {
		r.overlap = true
	}
	r.inFlight[job.ID] = true
	r.runs[job.ID]++
	r.order = append(r.order, job.ID)
	r.mu.Unlock()

	time.Sleep(time.Millisecond)

	r.mu.Lock()
	delete(r.inFlight, job.ID)
	r.mu.Unlock()
	return nil, nil
}

func TestDispatcher_EachJobRunsExactlyOnce(t *testing.T) {
	st := memory.New()
	rec := newRecorder()
	registry := worker.NewRegistry()
	registry.Register("record", rec.handle)

	// two pools with their own dispatchers share one store
	for i := 0; i < 2; i++ {
		pool := newPool(t, st, registry, fmt.Sprintf("node%d", i), 4)
		start(t, pool, New(st, pool, testLogger(), WithPollInterval(5*time.Millisecond)))
	}

	ids := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		ids = append(ids, enqueue(t, st, "record", 0))
	}

	waitForStatus(t, st, domain.StatusSucceeded, ids...)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.False(t, rec.overlap)
	assert.Len(t, rec.runs, len(ids))
	for _, id := range ids {
		assert.Equal(t, 1, rec.runs[id], "job %s", id)
	}
}

func TestDispatcher_FIFOOrder(t *testing.T) {
	st := memory.New(memory.WithOrdering(domain.OrderingFIFO))
	rec := newRecorder()
	registry := worker.NewRegistry()
	registry.Register("record", rec.handle)

	ids := []string{
		enqueue(t, st, "record", 5),
		enqueue(t, st, "record", 1),
		enqueue(t, st, "record", 3),
	}

	pool := newPool(t, st, registry, "fifo", 1)
	start(t, pool, New(st, pool, testLogger(), WithPollInterval(5*time.Millisecond)))

	waitForStatus(t, st, domain.StatusSucceeded, ids...)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, ids, rec.order)
}

func TestDispatcher_PriorityOrder(t *testing.T) {
	st := memory.New(memory.WithOrdering(domain.OrderingPriority))
	rec := newRecorder()
	registry := worker.NewRegistry()
	registry.Register("record", rec.handle)

	low := enqueue(t, st, "record", 5)
	high := enqueue(t, st, "record", 1)
	mid := enqueue(t, st, "record", 3)
	highTie := enqueue(t, st, "record", 1)

	pool := newPool(t, st, registry, "prio", 1)
	start(t, pool, New(st, pool, testLogger(), WithPollInterval(5*time.Millisecond)))

	waitForStatus(t, st, domain.StatusSucceeded, low, high, mid, highTie)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{high, highTie, mid, low}, rec.order)
}

func TestDispatcher_WakeCutsPollWait(t *testing.T) {
	st := memory.New()
	registry := worker.NewRegistry()
	worker.RegisterBuiltins(registry, nil)

	pool := newPool(t, st, registry, "wake", 1)
	d := New(st, pool, testLogger(), WithPollInterval(time.Hour))
	start(t, pool, d)

	// let the dispatcher find the queue empty and go to sleep
	time.Sleep(20 * time.Millisecond)

	id := enqueue(t, st, worker.TypeEcho, 0)
	require.NoError(t, d.Notify(context.Background(), id))

	waitForStatus(t, st, domain.StatusSucceeded, id)
	assert.EqualValues(t, 1, d.Dispatched())
}

func TestDispatcher_WakeCoalesces(t *testing.T) {
	d := New(memory.New(), nil, testLogger())
	for i := 0; i < 10; i++ {
		d.Wake()
	}
	assert.Len(t, d.wake, 1)
}

func TestDispatcher_RetriesUntilDeadLettered(t *testing.T) {
	st := memory.New()
	registry := worker.NewRegistry()
	worker.RegisterBuiltins(registry, nil)

	pool := newPool(t, st, registry, "retry", 2)
	start(t, pool, New(st, pool, testLogger(), WithPollInterval(5*time.Millisecond)))

	j := domain.NewJob(worker.TypeFail, []byte(`{"message":"nope"}`), 3)
	id, err := st.Enqueue(context.Background(), j)
	require.NoError(t, err)

	waitForStatus(t, st, domain.StatusDeadLettered, id)

	job, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, job.Attempts)

	// never picked up again
	time.Sleep(30 * time.Millisecond)
	job, err = st.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeadLettered, job.Status)
	assert.Equal(t, 3, job.Attempts)
}

func TestDispatcher_RateLimit(t *testing.T) {
	st := memory.New()
	registry := worker.NewRegistry()
	worker.RegisterBuiltins(registry, nil)

	pool := newPool(t, st, registry, "rate", 4)
	d := New(st, pool, testLogger(),
		WithPollInterval(5*time.Millisecond),
		WithRateLimit(20, 1),
	)
	require.NotNil(t, d.limiter)

	ids := []string{
		enqueue(t, st, worker.TypeEcho, 0),
		enqueue(t, st, worker.TypeEcho, 0),
		enqueue(t, st, worker.TypeEcho, 0),
	}

	begin := time.Now()
	start(t, pool, d)
	waitForStatus(t, st, domain.StatusSucceeded, ids...)

	// a burst of one at 20/s spaces three dispatches at least 100ms apart in total
	assert.GreaterOrEqual(t, time.Since(begin), 90*time.Millisecond)
}

func TestWithRateLimit_ZeroDisables(t *testing.T) {
	d := New(memory.New(), nil, testLogger(), WithRateLimit(0, 10))
	assert.Nil(t, d.limiter)
}

func TestDispatcher_RunReturnsWhenPoolStops(t *testing.T) {
	st := memory.New()
	pool := newPool(t, st, worker.NewRegistry(), "stop", 1)
	pool.Start()

	d := New(st, pool, testLogger(), WithPollInterval(time.Hour))
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
