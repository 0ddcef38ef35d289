package sqlstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/store"
	"github.com/cuongbtq/jobqueue/internal/store/storetest"
	"github.com/cuongbtq/jobqueue/shared/database"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSQLiteStore(t *testing.T, ordering domain.Ordering) *Store {
	t.Helper()

	db, err := sqlx.Open(database.DriverSQLite, ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := New(db, WithOrdering(ordering), WithLogger(testLogger()))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestStore_SQLiteConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, ordering domain.Ordering) store.Store {
		return newSQLiteStore(t, ordering)
	})
}

func TestStore_PostgresConformance(t *testing.T) {
	dsn := os.Getenv("JOBQUEUE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("JOBQUEUE_TEST_POSTGRES_DSN not set")
	}

	db, err := sqlx.Connect(database.DriverPostgres, dsn)
	require.NoError(t, err)
	defer db.Close()

	storetest.Run(t, func(t *testing.T, ordering domain.Ordering) store.Store {
		s, err := New(db, WithOrdering(ordering), WithLogger(testLogger()))
		require.NoError(t, err)
		require.NoError(t, s.Migrate(context.Background()))
		_, err = db.Exec(`TRUNCATE jobs, dead_letters RESTART IDENTITY`)
		require.NoError(t, err)
		return s
	})
}

func TestNew_UnsupportedDriver(t *testing.T) {
	db := sqlx.NewDb(nil, "mysql")
	_, err := New(db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported driver")
}

func TestStore_MigrateIsIdempotent(t *testing.T) {
	s := newSQLiteStore(t, domain.OrderingFIFO)
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestStore_TimestampsRoundTrip(t *testing.T) {
	s := newSQLiteStore(t, domain.OrderingFIFO)
	ctx := context.Background()

	runAt := time.Date(2030, 1, 2, 3, 4, 5, 6789, time.UTC)
	j := domain.NewJob("report", nil, 2)
	j.RunAt = runAt
	j.Timeout = 90 * time.Second

	id, err := s.Enqueue(ctx, j)
	require.NoError(t, err)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, runAt.Equal(got.RunAt))
	assert.Equal(t, 90*time.Second, got.Timeout)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
}

func TestStore_MarkRunningReportsHolderConflicts(t *testing.T) {
	s := newSQLiteStore(t, domain.OrderingFIFO)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, domain.NewJob("report", nil, 2))
	require.NoError(t, err)

	_, err = s.MarkRunning(ctx, id, "w1")
	require.NoError(t, err)

	_, err = s.MarkFailed(ctx, id, "w1", errors.New("boom"))
	require.NoError(t, err)

	// failed is not claimable until rescheduled
	_, err = s.MarkRunning(ctx, id, "w2")
	assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)
}
