package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobqueue/internal/config"
	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/store/badgerstore"
	"github.com/cuongbtq/jobqueue/internal/store/memory"
	"github.com/cuongbtq/jobqueue/internal/store/redisstore"
	"github.com/cuongbtq/jobqueue/internal/store/sqlstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// roundTrip enqueues and claims one job to prove the backend is usable
func roundTrip(t *testing.T, b *Backend) {
	t.Helper()
	ctx := context.Background()

	id, err := b.Store.Enqueue(ctx, domain.NewJob("echo", []byte(`{"n":1}`), 2))
	require.NoError(t, err)

	job, err := b.Store.Dequeue(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)
	require.NoError(t, b.Store.Ping(ctx))
}

func TestOpenStore(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name   string
		modify func(c *config.Config)
		check  func(t *testing.T, b *Backend)
	}{
		{
			name:   "memory",
			modify: func(c *config.Config) { c.Queue.Store = config.StoreMemory },
			check: func(t *testing.T, b *Backend) {
				assert.IsType(t, &memory.Store{}, b.Store)
			},
		},
		{
			name: "sqlite",
			modify: func(c *config.Config) {
				c.Queue.Store = config.StoreSQLite
				c.Database.Path = filepath.Join(t.TempDir(), "jobs.db")
			},
			check: func(t *testing.T, b *Backend) {
				assert.IsType(t, &sqlstore.Store{}, b.Store)
			},
		},
		{
			name: "badger",
			modify: func(c *config.Config) {
				c.Queue.Store = config.StoreBadger
				c.Badger.Dir = t.TempDir()
			},
			check: func(t *testing.T, b *Backend) {
				assert.IsType(t, &badgerstore.Store{}, b.Store)
			},
		},
		{
			name: "redis",
			modify: func(c *config.Config) {
				c.Queue.Store = config.StoreRedis
				c.Redis.Addr = mr.Addr()
			},
			check: func(t *testing.T, b *Backend) {
				assert.IsType(t, &redisstore.Store{}, b.Store)
				assert.NotEmpty(t, mr.Keys())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.modify(cfg)

			b, err := OpenStore(context.Background(), cfg, testLogger())
			require.NoError(t, err)
			defer func() { assert.NoError(t, b.Close()) }()

			roundTrip(t, b)
			assert.NoError(t, b.HealthCheck(context.Background()))
			tt.check(t, b)
		})
	}
}

func TestOpenStore_Errors(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.Store = "cassandra"
	_, err := OpenStore(context.Background(), cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported queue store")

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg = config.Default()
	cfg.Queue.Store = config.StoreRedis
	cfg.Redis.Addr = addr
	_, err = OpenStore(context.Background(), cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger(&config.LoggingConfig{Level: "debug", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	assert.True(t, log.Enabled(context.Background(), slog.LevelDebug))
}

func TestNewHTTPServer(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Port = 9090

	srv := NewHTTPServer(&cfg.Server, nil)
	assert.Equal(t, ":9090", srv.Addr)
	assert.Equal(t, cfg.Server.ReadTimeout, srv.ReadTimeout)
}
