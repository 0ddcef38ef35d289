package retry

import (
	"context"
	"errors"
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
	"github.com/cuongbtq/jobqueue/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(t *testing.T, strategy backoff.Strategy) (*memory.Store, *Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	st := memory.New(memory.WithClock(clock.Now))
	m := NewManager(st, strategy, testLogger())
	m.now = clock.Now
	return st, m, clock
}

func enqueueJob(t *testing.T, st *memory.Store, clock *fakeClock, maxAttempts int) string {
	t.Helper()
	j := domain.NewJob("email", []byte(`{"to":"a@example.com"}`), maxAttempts)
	j.RunAt = clock.Now()
	j.CreatedAt = clock.Now()
	j.Priority = 2
	j.Timeout = 5 * time.Second
	id, err := st.Enqueue(context.Background(), j)
	require.NoError(t, err)
	return id
}

func TestManager_RetriesUntilAttemptsExhausted(t *testing.T) {
	st, m, clock := setup(t, backoff.Constant{Interval: time.Second})
	ctx := context.Background()
	id := enqueueJob(t, st, clock, 3)
	jobErr := errors.New("smtp unavailable")

	for attempt := 1; attempt <= 3; attempt++ {
		j, err := st.Dequeue(ctx, "w1")
		require.NoError(t, err, "attempt %d", attempt)
		require.Equal(t, id, j.ID)

		outcome, err := m.HandleFailure(ctx, id, "w1", jobErr)
		require.NoError(t, err)
		assert.Equal(t, attempt, outcome.Job.Attempts)

		if attempt < 3 {
			assert.Equal(t, DecisionRetry, outcome.Decision)
			assert.Equal(t, clock.Now().Add(time.Second), outcome.RunAt)

			_, err = st.Dequeue(ctx, "w1")
			assert.ErrorIs(t, err, domain.ErrQueueEmpty, "not eligible before backoff elapses")
			clock.Advance(time.Second)
			continue
		}

		assert.Equal(t, DecisionDeadLetter, outcome.Decision)
		require.NotNil(t, outcome.DeadLetter)
		assert.Equal(t, 3, outcome.DeadLetter.Attempts)
		assert.Equal(t, "smtp unavailable", outcome.DeadLetter.Reason)
	}

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeadLettered, got.Status)

	clock.Advance(time.Hour)
	_, err = st.Dequeue(ctx, "w1")
	assert.ErrorIs(t, err, domain.ErrQueueEmpty, "dead-lettered jobs are never retried")
}

func TestManager_PermanentErrorsSkipRetries(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"permanent wrapper", domain.Permanent(errors.New("bad recipient"))},
		{"invalid payload", domain.ErrInvalidPayload},
		{"unknown job type", domain.ErrUnknownJobType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, m, clock := setup(t, backoff.Constant{})
			ctx := context.Background()
			id := enqueueJob(t, st, clock, 5)

			_, err := st.Dequeue(ctx, "w1")
			require.NoError(t, err)

			outcome, err := m.HandleFailure(ctx, id, "w1", tt.err)
			require.NoError(t, err)
			assert.Equal(t, DecisionDeadLetter, outcome.Decision)
			assert.Equal(t, 1, outcome.DeadLetter.Attempts)
			assert.Equal(t, tt.err.Error(), outcome.DeadLetter.Reason)
		})
	}
}

func TestManager_UsesBackoffStrategy(t *testing.T) {
	st, m, clock := setup(t, backoff.Exponential{Initial: time.Minute, Max: time.Hour})
	ctx := context.Background()
	id := enqueueJob(t, st, clock, 5)

	for attempt, want := range []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute} {
		_, err := st.Dequeue(ctx, "w1")
		require.NoError(t, err, "attempt %d", attempt+1)

		outcome, err := m.HandleFailure(ctx, id, "w1", errors.New("timeout"))
		require.NoError(t, err)
		assert.Equal(t, clock.Now().Add(want), outcome.RunAt)
		clock.Advance(want)
	}
}

func TestManager_HandleFailureRequiresHolder(t *testing.T) {
	st, m, clock := setup(t, nil)
	ctx := context.Background()
	id := enqueueJob(t, st, clock, 3)

	_, err := m.HandleFailure(ctx, id, "w1", errors.New("boom"))
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = st.Dequeue(ctx, "w1")
	require.NoError(t, err)

	_, err = m.HandleFailure(ctx, id, "w2", errors.New("boom"))
	assert.ErrorIs(t, err, domain.ErrLeaseLost)

	_, err = m.HandleFailure(ctx, "missing", "w1", errors.New("boom"))
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestManager_Replay(t *testing.T) {
	st, m, clock := setup(t, nil)
	ctx := context.Background()
	id := enqueueJob(t, st, clock, 1)

	_, err := m.Replay(ctx, id)
	assert.ErrorIs(t, err, domain.ErrDeadLetterNotFound)

	_, err = st.Dequeue(ctx, "w1")
	require.NoError(t, err)
	outcome, err := m.HandleFailure(ctx, id, "w1", errors.New("boom"))
	require.NoError(t, err)
	require.Equal(t, DecisionDeadLetter, outcome.Decision)

	replayed, err := m.Replay(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, id, replayed.ID)

	fresh, err := st.Get(ctx, replayed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, fresh.Status)
	assert.Equal(t, "email", fresh.Type)
	assert.JSONEq(t, `{"to":"a@example.com"}`, string(fresh.Payload))
	assert.Equal(t, 2, fresh.Priority)
	assert.Equal(t, 1, fresh.MaxAttempts)
	assert.Equal(t, 5*time.Second, fresh.Timeout)
	assert.Equal(t, 0, fresh.Attempts)

	dl, err := st.GetDeadLetter(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, replayed.ID, dl.ReplayedAs)

	_, err = m.Replay(ctx, id)
	assert.ErrorIs(t, err, domain.ErrAlreadyReplayed)

	original, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeadLettered, original.Status)
}

// unavailableStore fails Enqueue while down is set
type unavailableStore struct {
	*memory.Store
	down bool
}

func (s *unavailableStore) Enqueue(ctx context.Context, job *domain.Job) (string, error) {
	if s.down {
		return "", errors.New("store unavailable")
	}
	return s.Store.Enqueue(ctx, job)
}

func TestManager_ReplayCanBeRetriedAfterEnqueueFailure(t *testing.T) {
	st, m, clock := setup(t, nil)
	ctx := context.Background()
	id := enqueueJob(t, st, clock, 1)

	_, err := st.Dequeue(ctx, "w1")
	require.NoError(t, err)
	_, err = m.HandleFailure(ctx, id, "w1", errors.New("boom"))
	require.NoError(t, err)

	flaky := &unavailableStore{Store: st, down: true}
	replayer := NewManager(flaky, nil, testLogger())

	_, err = replayer.Replay(ctx, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unavailable")

	dl, err := st.GetDeadLetter(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, dl.ReplayedAs)
	assert.Nil(t, dl.ReplayedAt)

	flaky.down = false
	replayed, err := replayer.Replay(ctx, id)
	require.NoError(t, err)

	fresh, err := st.Get(ctx, replayed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, fresh.Status)

	dl, err = st.GetDeadLetter(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, replayed.ID, dl.ReplayedAs)
}

func TestManager_ResolveHonoursRecordedPermanentFailure(t *testing.T) {
	st, m, clock := setup(t, backoff.Constant{})
	ctx := context.Background()
	id := enqueueJob(t, st, clock, 5)

	_, err := st.Dequeue(ctx, "w1")
	require.NoError(t, err)
	failed, err := st.MarkFailed(ctx, id, "w1", fmt.Errorf("decode: %w", domain.ErrInvalidPayload))
	require.NoError(t, err)
	require.True(t, failed.PermanentFailure)

	// Only the message survives a restart; the recorded flag decides
	outcome, err := m.Resolve(ctx, failed, errors.New(failed.LastError))
	require.NoError(t, err)
	assert.Equal(t, DecisionDeadLetter, outcome.Decision)
}
