// Package storetest is a conformance suite for store.Store implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/store"
)

// Factory returns a fresh, empty store using the given ordering
type Factory func(t *testing.T, ordering domain.Ordering) store.Store

// Run executes the suite against stores built by newStore
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, newStore Factory)
	}{
		{"Enqueue", testEnqueue},
		{"EnqueueValidation", testEnqueueValidation},
		{"DequeueFIFO", testDequeueFIFO},
		{"DequeuePriority", testDequeuePriority},
		{"DequeueEmpty", testDequeueEmpty},
		{"DequeueRespectsRunAt", testDequeueRespectsRunAt},
		{"DequeueClaimsEachJobOnce", testDequeueClaimsEachJobOnce},
		{"MarkRunning", testMarkRunning},
		{"Heartbeat", testHeartbeat},
		{"MarkSucceeded", testMarkSucceeded},
		{"FailAndReschedule", testFailAndReschedule},
		{"FailStale", testFailStale},
		{"PermanentFailure", testPermanentFailure},
		{"DeadLetter", testDeadLetter},
		{"ClearReplayed", testClearReplayed},
		{"Cancel", testCancel},
		{"Delete", testDelete},
		{"UnknownIDs", testUnknownIDs},
		{"List", testList},
		{"ListStale", testListStale},
		{"Stats", testStats},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore)
		})
	}
}

func newJob(jobType string, priority int) *domain.Job {
	j := domain.NewJob(jobType, []byte(`{"n":1}`), 3)
	j.Priority = priority
	return j
}

func enqueue(t *testing.T, s store.Store, j *domain.Job) string {
	t.Helper()
	id, err := s.Enqueue(context.Background(), j)
	require.NoError(t, err)
	return id
}

func claim(t *testing.T, s store.Store, workerID string) *domain.Job {
	t.Helper()
	j, err := s.Dequeue(context.Background(), workerID)
	require.NoError(t, err)
	return j
}

func testEnqueue(t *testing.T, newStore Factory) {
	s := newStore(t, domain.OrderingFIFO)
	ctx := context.Background()

	first := newJob("email", 0)
	id, err := s.Enqueue(ctx, first)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, first.ID)

	second := newJob("email", 0)
	enqueue(t, s, second)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, "email", got.Type)
	assert.JSONEq(t, `{"n":1}`, string(got.Payload))
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, 3, got.MaxAttempts)
	assert.Positive(t, got.Seq)

	got2, err := s.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Greater(t, got2.Seq, got.Seq)

	_, err = s.Enqueue(ctx, got)
	assert.ErrorIs(t, err, domain.ErrDuplicateJob)
}

func testEnqueueValidation(t *testing.T, newStore Factory) {
	s := newStore(t, domain.OrderingFIFO)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, domain.NewJob("", nil, 1))
	assert.ErrorIs(t, err, domain.ErrInvalidJob)

	_, err = s.Enqueue(ctx, domain.NewJob("email", []byte(`{broken`), 1))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = s.Enqueue(ctx, domain.NewJob("email", nil, 0))
	assert.ErrorIs(t, err, domain.ErrInvalidJob)

	id, err := s.Enqueue(ctx, domain.NewJob("email", nil, 1))
	require.NoError(t, err)
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, got.Payload)
}

func testDequeueFIFO(t *testing.T, newStore Factory) {
	s := newStore(t, domain.OrderingFIFO)

	var ids []string
	for _, p := range []int{5, 1, 3, 1} {
		ids = append(ids, enqueue(t, s, newJob("report", p)))
	}

	for _, want := range ids {
		j := claim(t, s, "w1")
		assert.Equal(t, want, j.ID)
		assert.Equal(t, domain.StatusRunning, j.Status)
		assert.Equal(t, "w1", j.WorkerID)
		assert.NotNil(t, j.StartedAt)
	}
}

func testDequeuePriority(t *testing.T, newStore Factory) {
	s := newStore(t, domain.OrderingPriority)

	p5 := enqueue(t, s, newJob("report", 5))
	p1a := enqueue(t, s, newJob("report", 1))
	p3 := enqueue(t, s, newJob("report", 3))
	p1b := enqueue(t, s, newJob("report", 1))
	neg := enqueue(t, s, newJob("report", -2))

	for _, want := range []string{neg, p1a, p1b, p3, p5} {
		j := claim(t, s, "w1")
		assert.Equal(t, want, j.ID)
	}
}

func testDequeueEmpty(t *testing.T, newStore Factory) {
	s := newStore(t, domain.OrderingFIFO)

	_, err := s.Dequeue(context.Background(), "w1")
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)

	enqueue(t, s, newJob("report", 0))
	claim(t, s, "w1")

	_, err = s.Dequeue(context.Background(), "w1")
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)
}

func testDequeueRespectsRunAt(t *testing.T, newStore Factory) {
	s := newStore(t, domain.OrderingFIFO)

	later := newJob("report", 0)
	later.RunAt = time.Now().Add(time.Hour)
	enqueue(t, s, later)

	_, err := s.Dequeue(context.Background(), "w1")
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)

	past := newJob("report", 0)
	past.RunAt = time.Now().Add(-time.Minute)
	id := enqueue(t, s, past)

	j := claim(t, s, "w1")
	assert.Equal(t, id, j.ID)
}

func testDequeueClaimsEachJobOnce(t *testing.T, newStore Factory) {
	s := newStore(t, domain.OrderingFIFO)
	ctx := context.Background()

	const jobs = 40
	const workers = 6
	for i := 0; i < jobs; i++ {
		enqueue(t, s, newJob("report", i%3))
	}

	var mu sync.Mutex
	seen := make(map[string]string)
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				j, err := s.Dequeue(ctx, workerID)
				if errors.Is(err, domain.ErrQueueEmpty) {
					return
				}
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				if prev, dup := seen[j.ID]; dup {
					mu.Unlock()
					errs <- fmt.Errorf("job %s claimed by %s and %s", j.ID, prev, workerID)
					return
				}
				seen[j.ID] = workerID
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Len(t, seen, jobs)

	for id, workerID := range seen {
		j, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusRunning, j.Status)
		assert.Equal(t, workerID, j.WorkerID)
	}
}

func testMarkRunning(t *testing.T, newStore Factory) {
	s := newStore(t, domain.OrderingFIFO)
	ctx := context.Background()

	id := enqueue(t, s, newJob("report", 0))

	j, err := s.MarkRunning(ctx, id, "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, j.Status)
	assert.Equal(t, "w1", j.WorkerID)

	_, err = s.MarkRunning(ctx, id, "w2")
	assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)

	_, err = s.Dequeue(ctx, "w2")
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)
}

func testHeartbeat(t *testing.T, newStore Factory) {
	s := newStore(t, domain.OrderingFIFO)
	ctx := context.Background()

	id := enqueue(t, s, newJob("report", 0))
	assert.ErrorIs(t, s.Heartbeat(ctx, id, "w1"), domain.ErrInvalidState)

	claimed := claim(t, s, "w1")
	require.NotNil(t, claimed.HeartbeatAt)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Heartbeat(ctx, id, "w1"))
	assert.ErrorIs(t, s.Heartbeat(ctx, id, "w2"), domain.ErrLeaseLost)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.HeartbeatAt)
	assert.True(t, got.HeartbeatAt.After(*claimed.HeartbeatAt))
}

func testMarkSucceeded(t *testing.T, newStore Factory) {
	s := newStore(t, domain.OrderingFIFO)
	ctx := context.Background()

	id := enqueue(t, s, newJob("report", 0))
	assert.ErrorIs(t, s.MarkSucceeded(ctx, id, "w1", nil), domain.ErrInvalidState)

	claim(t, s, "w1")
	assert.ErrorIs(t, s.MarkSucceeded(ctx, id, "w2", nil), domain.ErrLeaseLost)
	require.NoError(t, s.MarkSucceeded(ctx, id, "w1", []byte(`{"ok":true}`)))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	assert.NotNil(t, got.CompletedAt)

	assert.ErrorIs(t, s.MarkSucceeded(ctx, id, "w1", nil), domain.ErrInvalidState)
	_, err = s.MarkFailed(ctx, id, "w1", errors.New("late"))
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func testFailAndReschedule(t *testing.T, newStore Factory) {
	s := newStore(t, domain.OrderingFIFO)
	ctx := context.Background()

	id := enqueue(t, s, newJob("report", 0))
	claim(t, s, "w1")

	_, err := s.MarkFailed(ctx, id, "w2", errors.New("boom"))
	assert.ErrorIs(t, err, domain.ErrLeaseLost)

	failed, err := s.MarkFailed(ctx, id, "w1", errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, "boom", failed.LastError)

	_, err = s.Dequeue(ctx, "w1")
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)

	require.NoError(t, s.Reschedule(ctx, id, time.Now().Add(time.Hour)))
	assert.ErrorIs(t, s.Reschedule(ctx, id, time.Now()), domain.ErrInvalidState)

	_, err = s.Dequeue(ctx, "w1")
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)

	// A failed job can be made due immediately.
	second := enqueue(t, s, newJob("report", 0))
	claim(t, s, "w1")
	_, err = s.MarkFailed(ctx, second, "", errors.New("boom"))
	require.NoError(t, err)
	require.NoError(t, s.Reschedule(ctx, second, time.Now().Add(-time.Second)))

	again := claim(t, s, "w3")
	assert.Equal(t, second, again.ID)
	assert.Equal(t, 1, again.Attempts)
	assert.Equal(t, "w3", again.WorkerID)

	failedAgain, err := s.MarkFailed(ctx, second, "w3", errors.New("boom again"))
	require.NoError(t, err)
	assert.Equal(t, 2, failedAgain.Attempts)
}

func testFailStale(t *testing.T, newStore Factory) {
	s := newStore(t, domain.OrderingFIFO)
	ctx := context.Background()

	id := enqueue(t, s, newJob("report", 0))

	_, err := s.FailStale(ctx, id, "w1", time.Now().Add(time.Hour), domain.ErrHeartbeatExpired)
	assert.ErrorIs(t, err, domain.ErrInvalidState, "pending jobs are never stale")

	claim(t, s, "w1")

	// The worker heartbeats after the reaper picked its cutoff
	cutoff := time.Now()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Heartbeat(ctx, id, "w1"))

	_, err = s.FailStale(ctx, id, "w1", cutoff, domain.ErrHeartbeatExpired)
	assert.ErrorIs(t, err, domain.ErrJobNotStale)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Equal(t, "w1", got.WorkerID)
	assert.Zero(t, got.Attempts)

	_, err = s.Dequeue(ctx, "w2")
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)

	later := time.Now().Add(time.Hour)
	_, err = s.FailStale(ctx, id, "w2", later, domain.ErrHeartbeatExpired)
	assert.ErrorIs(t, err, domain.ErrLeaseLost)

	failed, err := s.FailStale(ctx, id, "w1", later, domain.ErrHeartbeatExpired)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, domain.ErrHeartbeatExpired.Error(), failed.LastError)
	assert.False(t, failed.PermanentFailure)

	_, err = s.FailStale(ctx, id, "w1", later, domain.ErrHeartbeatExpired)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func testPermanentFailure(t *testing.T, newStore Factory) {
	s := newStore(t, domain.OrderingFIFO)
	ctx := context.Background()

	id := enqueue(t, s, newJob("report", 0))
	claim(t, s, "w1")

	failed, err := s.MarkFailed(ctx, id, "w1", domain.Permanent(errors.New("bad input")))
	require.NoError(t, err)
	assert.True(t, failed.PermanentFailure)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.PermanentFailure)
	assert.Equal(t, "permanent error: bad input", got.LastError)

	require.NoError(t, s.Reschedule(ctx, id, time.Now().Add(-time.Second)))
	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, got.PermanentFailure)

	claim(t, s, "w1")
	failed, err = s.MarkFailed(ctx, id, "w1", errors.New("timeout"))
	require.NoError(t, err)
	assert.False(t, failed.PermanentFailure)
}

func testClearReplayed(t *testing.T, newStore Factory) {
	s := newStore(t, domain.OrderingFIFO)
	ctx := context.Background()

	id := enqueue(t, s, newJob("report", 0))
	claim(t, s, "w1")
	_, err := s.MarkFailed(ctx, id, "w1", errors.New("boom"))
	require.NoError(t, err)
	_, err = s.DeadLetter(ctx, id, "boom")
	require.NoError(t, err)

	assert.ErrorIs(t, s.ClearReplayed(ctx, id, "new-job"), domain.ErrInvalidState)

	require.NoError(t, s.MarkReplayed(ctx, id, "new-job"))
	assert.ErrorIs(t, s.ClearReplayed(ctx, id, "other-job"), domain.ErrInvalidState)
	require.NoError(t, s.ClearReplayed(ctx, id, "new-job"))

	dl, err := s.GetDeadLetter(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, dl.ReplayedAs)
	assert.Nil(t, dl.ReplayedAt)

	require.NoError(t, s.MarkReplayed(ctx, id, "newer-job"))
	dl, err = s.GetDeadLetter(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "newer-job", dl.ReplayedAs)
}

func testDeadLetter(t *testing.T, newStore Factory) {
	s := newStore(t, domain.OrderingFIFO)
	ctx := context.Background()

	id := enqueue(t, s, newJob("report", 4))
	claim(t, s, "w1")

	_, err := s.DeadLetter(ctx, id, "too early")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = s.MarkFailed(ctx, id, "w1", errors.New("boom"))
	require.NoError(t, err)

	dl, err := s.DeadLetter(ctx, id, "boom")
	require.NoError(t, err)
	assert.Equal(t, id, dl.JobID)
	assert.Equal(t, "report", dl.Type)
	assert.Equal(t, "boom", dl.Reason)
	assert.Equal(t, 1, dl.Attempts)
	assert.Equal(t, 4, dl.Priority)
	assert.JSONEq(t, `{"n":1}`, string(dl.Payload))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeadLettered, got.Status)

	assert.ErrorIs(t, s.Reschedule(ctx, id, time.Now()), domain.ErrInvalidState)
	_, err = s.Dequeue(ctx, "w1")
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)

	fetched, err := s.GetDeadLetter(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "boom", fetched.Reason)
	assert.Empty(t, fetched.ReplayedAs)

	list, err := s.ListDeadLetters(ctx, store.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].JobID)

	list, err = s.ListDeadLetters(ctx, store.DeadLetterFilter{Type: "other"})
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.MarkReplayed(ctx, id, "new-job"))
	assert.ErrorIs(t, s.MarkReplayed(ctx, id, "newer-job"), domain.ErrAlreadyReplayed)

	fetched, err = s.GetDeadLetter(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "new-job", fetched.ReplayedAs)
	assert.NotNil(t, fetched.ReplayedAt)
}

func testCancel(t *testing.T, newStore Factory) {
	s := newStore(t, domain.OrderingFIFO)
	ctx := context.Background()

	pending := enqueue(t, s, newJob("report", 0))
	require.NoError(t, s.Cancel(ctx, pending))

	got, err := s.Get(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, got.Status)

	_, err = s.Dequeue(ctx, "w1")
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)

	assert.ErrorIs(t, s.Cancel(ctx, pending), domain.ErrInvalidState)

	running := enqueue(t, s, newJob("report", 0))
	claim(t, s, "w1")
	assert.ErrorIs(t, s.Cancel(ctx, running), domain.ErrInvalidState)

	_, err = s.MarkFailed(ctx, running, "w1", errors.New("boom"))
	require.NoError(t, err)
	require.NoError(t, s.Reschedule(ctx, running, time.Now().Add(time.Hour)))
	require.NoError(t, s.Cancel(ctx, running))
}

func testDelete(t *testing.T, newStore Factory) {
	s := newStore(t, domain.OrderingFIFO)
	ctx := context.Background()

	id := enqueue(t, s, newJob("report", 0))
	assert.ErrorIs(t, s.Delete(ctx, id), domain.ErrInvalidState)

	claim(t, s, "w1")
	assert.ErrorIs(t, s.Delete(ctx, id), domain.ErrInvalidState)

	require.NoError(t, s.MarkSucceeded(ctx, id, "w1", nil))
	require.NoError(t, s.Delete(ctx, id))

	_, err := s.Get(ctx, id)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	assert.ErrorIs(t, s.Delete(ctx, id), domain.ErrJobNotFound)

	dead := enqueue(t, s, newJob("report", 0))
	claim(t, s, "w1")
	_, err = s.MarkFailed(ctx, dead, "w1", errors.New("boom"))
	require.NoError(t, err)
	_, err = s.DeadLetter(ctx, dead, "boom")
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, dead))

	_, err = s.GetDeadLetter(ctx, dead)
	assert.ErrorIs(t, err, domain.ErrDeadLetterNotFound)
}

func testUnknownIDs(t *testing.T, newStore Factory) {
	s := newStore(t, domain.OrderingFIFO)
	ctx := context.Background()
	const missing = "00000000-0000-0000-0000-000000000000"

	_, err := s.Get(ctx, missing)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	_, err = s.MarkRunning(ctx, missing, "w1")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	assert.ErrorIs(t, s.Heartbeat(ctx, missing, "w1"), domain.ErrJobNotFound)
	assert.ErrorIs(t, s.MarkSucceeded(ctx, missing, "w1", nil), domain.ErrJobNotFound)

	_, err = s.MarkFailed(ctx, missing, "w1", errors.New("boom"))
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	assert.ErrorIs(t, s.Reschedule(ctx, missing, time.Now()), domain.ErrJobNotFound)

	_, err = s.DeadLetter(ctx, missing, "boom")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	assert.ErrorIs(t, s.Cancel(ctx, missing), domain.ErrJobNotFound)
	assert.ErrorIs(t, s.Delete(ctx, missing), domain.ErrJobNotFound)

	_, err = s.GetDeadLetter(ctx, missing)
	assert.ErrorIs(t, err, domain.ErrDeadLetterNotFound)
	assert.ErrorIs(t, s.MarkReplayed(ctx, missing, "x"), domain.ErrDeadLetterNotFound)
	assert.ErrorIs(t, s.ClearReplayed(ctx, missing, "x"), domain.ErrDeadLetterNotFound)

	_, err = s.FailStale(ctx, missing, "w1", time.Now(), domain.ErrHeartbeatExpired)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func testList(t *testing.T, newStore Factory) {
	s := newStore(t, domain.OrderingFIFO)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		jobType := "email"
		if i%2 == 1 {
			jobType = "report"
		}
		ids = append(ids, enqueue(t, s, newJob(jobType, 0)))
	}
	// ids[0] becomes running
	claim(t, s, "w1")

	all, err := s.List(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, j := range all {
		assert.Equal(t, ids[4-i], j.ID, "newest first")
	}

	reports, err := s.List(ctx, store.Filter{Type: "report"})
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, ids[3], reports[0].ID)
	assert.Equal(t, ids[1], reports[1].ID)

	pending, err := s.List(ctx, store.Filter{Status: domain.StatusPending, Type: "email"})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[4], pending[0].ID)
	assert.Equal(t, ids[2], pending[1].ID)

	page, err := s.List(ctx, store.Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)

	next, err := s.List(ctx, store.Filter{Limit: 2, BeforeSeq: page[1].Seq})
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, ids[2], next[0].ID)
	assert.Equal(t, ids[1], next[1].ID)
}

func testListStale(t *testing.T, newStore Factory) {
	s := newStore(t, domain.OrderingFIFO)
	ctx := context.Background()

	running := enqueue(t, s, newJob("report", 0))
	claim(t, s, "w1")
	failed := enqueue(t, s, newJob("report", 0))
	claim(t, s, "w1")
	_, err := s.MarkFailed(ctx, failed, "w1", errors.New("boom"))
	require.NoError(t, err)
	enqueue(t, s, newJob("report", 0))

	stale, err := s.ListStale(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	stale, err = s.ListStale(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	got := []string{stale[0].ID, stale[1].ID}
	assert.ElementsMatch(t, []string{running, failed}, got)

	limited, err := s.ListStale(ctx, time.Now().Add(time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testStats(t *testing.T, newStore Factory) {
	s := newStore(t, domain.OrderingFIFO)
	ctx := context.Background()

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	for _, status := range domain.Statuses {
		assert.Equal(t, int64(0), stats[status], status)
	}

	enqueue(t, s, newJob("report", 0))
	enqueue(t, s, newJob("report", 0))
	done := enqueue(t, s, newJob("report", 0))
	cancel := enqueue(t, s, newJob("report", 0))

	claim(t, s, "w1") // first job stays running
	claim(t, s, "w1")
	require.NoError(t, s.Cancel(ctx, cancel))
	_, err = s.MarkRunning(ctx, done, "w1")
	require.NoError(t, err)
	require.NoError(t, s.MarkSucceeded(ctx, done, "w1", nil))

	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats[domain.StatusRunning])
	assert.Equal(t, int64(1), stats[domain.StatusSucceeded])
	assert.Equal(t, int64(1), stats[domain.StatusCanceled])
	assert.Equal(t, int64(0), stats[domain.StatusPending])

	require.NoError(t, s.Ping(ctx))
}
