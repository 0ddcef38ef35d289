package database

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_DSN(t *testing.T) {
	tests := []struct {
		name      string
		config    Config
		want      string
		wantErr   bool
		errString string
	}{
		{
			name: "postgres",
			config: Config{
				Driver:   DriverPostgres,
				Host:     "localhost",
				Port:     5432,
				User:     "jobs",
				Password: "secret",
				Database: "jobs_db",
				SSLMode:  "disable",
			},
			want: "host=localhost port=5432 user=jobs password=secret dbname=jobs_db sslmode=disable",
		},
		{
			name:   "sqlite memory",
			config: Config{Driver: DriverSQLite, Path: ":memory:"},
			want:   ":memory:",
		},
		{
			name:   "sqlite file",
			config: Config{Driver: DriverSQLite, Path: "/tmp/jobs.db"},
			want:   "/tmp/jobs.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		},
		{
			name:      "sqlite without path",
			config:    Config{Driver: DriverSQLite},
			wantErr:   true,
			errString: "sqlite path is required",
		},
		{
			name:      "unknown driver",
			config:    Config{Driver: "oracle"},
			wantErr:   true,
			errString: "unsupported database driver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn, err := tt.config.DSN()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, dsn)
		})
	}
}

func TestNewClient_SQLite(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	client, err := NewClient(&Config{
		Driver: DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "jobs.db"),
	}, logger)
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, DriverSQLite, client.GetDB().DriverName())
	assert.Equal(t, 1, client.GetDB().Stats().MaxOpenConnections)
	assert.NoError(t, client.HealthCheck(context.Background()))
}
