package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/store"
	"github.com/cuongbtq/jobqueue/internal/store/storetest"
)

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, ordering domain.Ordering) store.Store {
		return New(WithOrdering(ordering))
	})
}

func TestStore_DelayedJobBecomesEligible(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	j := domain.NewJob("report", nil, 1)
	j.RunAt = now.Add(time.Minute)
	id, err := s.Enqueue(ctx, j)
	require.NoError(t, err)

	_, err = s.Dequeue(ctx, "w1")
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)

	now = now.Add(2 * time.Minute)
	got, err := s.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
}

func TestStore_StaleHeapEntriesAreSkipped(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.Enqueue(ctx, domain.NewJob("report", nil, 1))
	require.NoError(t, err)
	second, err := s.Enqueue(ctx, domain.NewJob("report", nil, 1))
	require.NoError(t, err)

	// Claiming by id leaves the heap entry behind; Dequeue must not hand it out again.
	_, err = s.MarkRunning(ctx, first, "w1")
	require.NoError(t, err)

	got, err := s.Dequeue(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, second, got.ID)

	_, err = s.Dequeue(ctx, "w2")
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()

	id, err := s.Enqueue(ctx, domain.NewJob("report", []byte(`{"a":1}`), 1))
	require.NoError(t, err)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	got.Status = domain.StatusSucceeded
	got.Payload[2] = 'b'

	again, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, again.Status)
	assert.JSONEq(t, `{"a":1}`, string(again.Payload))
}
