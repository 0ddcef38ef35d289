package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobqueue/internal/backoff"
	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/retry"
	"github.com/cuongbtq/jobqueue/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	store    *memory.Store
	registry *Registry
	pool     *Pool
}

func newTestEnv(t *testing.T, concurrency int, heartbeat time.Duration) *testEnv {
	t.Helper()

	st := memory.New()
	registry := NewRegistry()
	RegisterBuiltins(registry, nil)

	pool, err := NewPool(&Config{
		Logger:            testLogger(),
		Store:             st,
		Registry:          registry,
		Failures:          retry.NewManager(st, backoff.Constant{}, testLogger()),
		PoolID:            "test",
		Concurrency:       concurrency,
		JobTimeout:        time.Second,
		HeartbeatInterval: heartbeat,
	})
	require.NoError(t, err)

	pool.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})

	return &testEnv{store: st, registry: registry, pool: pool}
}

func (e *testEnv) enqueue(t *testing.T, jobType, payload string, maxAttempts int) string {
	t.Helper()
	var raw []byte
	if payload != "" {
		raw = []byte(payload)
	}
	id, err := e.store.Enqueue(context.Background(), domain.NewJob(jobType, raw, maxAttempts))
	require.NoError(t, err)
	return id
}

// dispatchOne claims the next job for an idle worker and assigns it
func (e *testEnv) dispatchOne(t *testing.T) *domain.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	workerID, err := e.pool.Acquire(ctx)
	require.NoError(t, err)

	job, err := e.store.Dequeue(ctx, workerID)
	require.NoError(t, err)
	require.NoError(t, e.pool.Assign(workerID, job))
	return job
}

func (e *testEnv) waitForStatus(t *testing.T, jobID string, status domain.Status) *domain.Job {
	t.Helper()
	var job *domain.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = e.store.Get(context.Background(), jobID)
		return err == nil && job.Status == status
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func TestNewPool_Validation(t *testing.T) {
	st := memory.New()

	_, err := NewPool(&Config{Store: st, Registry: NewRegistry(), Concurrency: 0})
	require.Error(t, err)

	_, err = NewPool(&Config{Concurrency: 2})
	require.Error(t, err)

	pool, err := NewPool(&Config{
		Store:       st,
		Registry:    NewRegistry(),
		Failures:    retry.NewManager(st, nil, testLogger()),
		Concurrency: 3,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, pool.ID())

	workers := pool.Workers()
	require.Len(t, workers, 3)
	assert.Equal(t, pool.ID()+"-0", workers[0].ID)
	assert.Equal(t, pool.ID()+"-2", workers[2].ID)
	for _, w := range workers {
		assert.Equal(t, domain.WorkerIdle, w.State)
	}
}

func TestPool_ProcessesJob(t *testing.T) {
	env := newTestEnv(t, 1, time.Second)
	id := env.enqueue(t, TypeEcho, `{"msg":"hello"}`, 3)

	env.dispatchOne(t)
	job := env.waitForStatus(t, id, domain.StatusSucceeded)

	assert.JSONEq(t, `{"msg":"hello"}`, string(job.Result))
	assert.Equal(t, 0, job.Attempts)
	assert.NotNil(t, job.CompletedAt)

	require.Eventually(t, func() bool {
		w := env.pool.Workers()[0]
		return w.State == domain.WorkerIdle && w.Processed == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPool_WorkerIsBusyWhileRunning(t *testing.T) {
	env := newTestEnv(t, 1, time.Second)
	release := make(chan struct{})
	env.registry.Register("block", func(ctx context.Context, _ *domain.Job) (any, error) {
		<-release
		return nil, nil
	})
	id := env.enqueue(t, "block", "", 1)

	env.dispatchOne(t)

	w := env.pool.Workers()[0]
	assert.Equal(t, domain.WorkerBusy, w.State)
	assert.Equal(t, id, w.CurrentJob)

	close(release)
	env.waitForStatus(t, id, domain.StatusSucceeded)
}

func TestPool_FailedJobIsRescheduled(t *testing.T) {
	env := newTestEnv(t, 1, time.Second)
	id := env.enqueue(t, TypeFail, `{"message":"boom"}`, 3)

	env.dispatchOne(t)
	job := env.waitForStatus(t, id, domain.StatusPending)

	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "boom", job.LastError)
	assert.Empty(t, job.WorkerID)

	require.Eventually(t, func() bool {
		return env.pool.Workers()[0].Failed == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPool_DeadLettersAfterRetryAttempts(t *testing.T) {
	env := newTestEnv(t, 1, time.Second)
	id := env.enqueue(t, TypeFail, `{"message":"boom"}`, 2)

	env.dispatchOne(t)
	env.waitForStatus(t, id, domain.StatusPending)

	env.dispatchOne(t)
	job := env.waitForStatus(t, id, domain.StatusDeadLettered)
	assert.Equal(t, 2, job.Attempts)

	dl, err := env.store.GetDeadLetter(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "boom", dl.Reason)

	_, err = env.store.Dequeue(context.Background(), "test-0")
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)
}

func TestPool_PermanentFailureSkipsRetries(t *testing.T) {
	env := newTestEnv(t, 1, time.Second)
	id := env.enqueue(t, TypeFail, `{"message":"bad input","permanent":true}`, 5)

	env.dispatchOne(t)
	job := env.waitForStatus(t, id, domain.StatusDeadLettered)
	assert.Equal(t, 1, job.Attempts)
}

func TestPool_UnknownTypeIsDeadLettered(t *testing.T) {
	env := newTestEnv(t, 1, time.Second)
	id := env.enqueue(t, "no-such-type", "", 5)

	env.dispatchOne(t)
	job := env.waitForStatus(t, id, domain.StatusDeadLettered)
	assert.Contains(t, job.LastError, "unknown job type")
}

func TestPool_RecoversPanics(t *testing.T) {
	env := newTestEnv(t, 1, time.Second)
	env.registry.Register("panic", func(context.Context, *domain.Job) (any, error) {
		panic("kaboom")
	})
	id := env.enqueue(t, "panic", "", 1)

	env.dispatchOne(t)
	job := env.waitForStatus(t, id, domain.StatusDeadLettered)
	assert.Contains(t, job.LastError, "kaboom")

	// the worker survives and takes the next job
	next := env.enqueue(t, TypeEcho, "", 1)
	env.dispatchOne(t)
	env.waitForStatus(t, next, domain.StatusSucceeded)
}

func TestPool_JobTimeout(t *testing.T) {
	env := newTestEnv(t, 1, time.Second)
	env.registry.Register("hang", func(ctx context.Context, _ *domain.Job) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	j := domain.NewJob("hang", nil, 1)
	j.Timeout = 30 * time.Millisecond
	id, err := env.store.Enqueue(context.Background(), j)
	require.NoError(t, err)

	env.dispatchOne(t)
	job := env.waitForStatus(t, id, domain.StatusDeadLettered)
	assert.Contains(t, job.LastError, "timed out")
}

func TestPool_UnencodableResultIsDeadLettered(t *testing.T) {
	env := newTestEnv(t, 1, time.Second)
	env.registry.Register("chan", func(context.Context, *domain.Job) (any, error) {
		return make(chan int), nil
	})
	id := env.enqueue(t, "chan", "", 3)

	env.dispatchOne(t)
	job := env.waitForStatus(t, id, domain.StatusDeadLettered)
	assert.Contains(t, job.LastError, "not JSON encodable")
}

func TestPool_HeartbeatKeepsJobAlive(t *testing.T) {
	env := newTestEnv(t, 1, 10*time.Millisecond)
	release := make(chan struct{})
	env.registry.Register("block", func(context.Context, *domain.Job) (any, error) {
		<-release
		return nil, nil
	})
	id := env.enqueue(t, "block", "", 1)

	claimed := env.dispatchOne(t)
	require.Eventually(t, func() bool {
		job, err := env.store.Get(context.Background(), id)
		return err == nil && job.HeartbeatAt.After(*claimed.HeartbeatAt)
	}, time.Second, 5*time.Millisecond)

	close(release)
	env.waitForStatus(t, id, domain.StatusSucceeded)
}

func TestPool_LostLeaseCancelsJob(t *testing.T) {
	env := newTestEnv(t, 1, 10*time.Millisecond)
	canceled := make(chan struct{})
	env.registry.Register("hang", func(ctx context.Context, _ *domain.Job) (any, error) {
		<-ctx.Done()
		close(canceled)
		return nil, ctx.Err()
	})
	id := env.enqueue(t, "hang", "", 1)
	env.dispatchOne(t)

	// another actor fails the job out from under the worker
	_, err := env.store.MarkFailed(context.Background(), id, "", errors.New("taken over"))
	require.NoError(t, err)

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not canceled after the lease was lost")
	}

	require.Eventually(t, func() bool {
		return env.pool.Workers()[0].State == domain.WorkerIdle
	}, time.Second, 5*time.Millisecond)

	job, err := env.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestPool_StopWaitsForInFlightJobs(t *testing.T) {
	env := newTestEnv(t, 2, time.Second)
	id := env.enqueue(t, TypeSleep, `{"duration_ms":50}`, 1)
	env.dispatchOne(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.pool.Stop(ctx))

	job, err := env.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, job.Status)

	var result map[string]any
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.EqualValues(t, 50, result["slept_ms"])

	_, err = env.pool.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestPool_StopCancelsJobsOnTimeout(t *testing.T) {
	env := newTestEnv(t, 1, time.Second)
	env.registry.Register("hang", func(ctx context.Context, _ *domain.Job) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	id := env.enqueue(t, "hang", "", 3)
	env.dispatchOne(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := env.pool.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	job, err := env.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestPool_AssignUnknownWorker(t *testing.T) {
	env := newTestEnv(t, 1, time.Second)
	err := env.pool.Assign("nope", domain.NewJob(TypeEcho, nil, 1))
	assert.Error(t, err)
}

func TestPool_AssignRacingStopNeverStrandsJob(t *testing.T) {
	for i := 0; i < 50; i++ {
		env := newTestEnv(t, 1, time.Second)
		id := env.enqueue(t, TypeEcho, `{"n":1}`, 1)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		workerID, err := env.pool.Acquire(ctx)
		require.NoError(t, err)
		job, err := env.store.Dequeue(ctx, workerID)
		require.NoError(t, err)

		assigned := make(chan error, 1)
		go func() { assigned <- env.pool.Assign(workerID, job) }()
		require.NoError(t, env.pool.Stop(ctx))
		assignErr := <-assigned
		cancel()

		got, err := env.store.Get(context.Background(), id)
		require.NoError(t, err)
		if assignErr == nil {
			// Stop returned, so an accepted job must already have run
			assert.Equal(t, domain.StatusSucceeded, got.Status, "iteration %d", i)
			assert.Equal(t, domain.WorkerIdle, env.pool.Workers()[0].State, "iteration %d", i)
		} else {
			assert.ErrorIs(t, assignErr, ErrPoolStopped)
			assert.Equal(t, domain.StatusRunning, got.Status, "iteration %d", i)
		}
	}
}
