package sqlstore

import (
	"fmt"

	"github.com/cuongbtq/jobqueue/shared/database"
)

type dialect struct {
	name string
	// lockRow is appended to single-row selects inside transactions
	lockRow string
	// skipLocked is appended to the claim sub-select
	skipLocked string
	schema     []string
}

var postgresDialect = dialect{
	name:       database.DriverPostgres,
	lockRow:    " FOR UPDATE",
	skipLocked: " FOR UPDATE SKIP LOCKED",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			seq          BIGSERIAL PRIMARY KEY,
			id           TEXT NOT NULL UNIQUE,
			job_type     TEXT NOT NULL,
			payload      BYTEA,
			status       TEXT NOT NULL,
			priority     INTEGER NOT NULL DEFAULT 0,
			attempts     INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			last_error   TEXT NOT NULL DEFAULT '',
			permanent_failure BOOLEAN NOT NULL DEFAULT FALSE,
			result       BYTEA,
			worker_id    TEXT NOT NULL DEFAULT '',
			timeout_ns   BIGINT NOT NULL DEFAULT 0,
			run_at       BIGINT NOT NULL,
			created_at   BIGINT NOT NULL,
			updated_at   BIGINT NOT NULL,
			started_at   BIGINT,
			heartbeat_at BIGINT,
			completed_at BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			job_id      TEXT PRIMARY KEY,
			job_type    TEXT NOT NULL,
			payload     BYTEA,
			priority    INTEGER NOT NULL DEFAULT 0,
			reason      TEXT NOT NULL,
			attempts    INTEGER NOT NULL,
			failed_at   BIGINT NOT NULL,
			replayed_as TEXT NOT NULL DEFAULT '',
			replayed_at BIGINT
		)`,
	},
}

var sqliteDialect = dialect{
	name: database.DriverSQLite,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			id           TEXT NOT NULL UNIQUE,
			job_type     TEXT NOT NULL,
			payload      BLOB,
			status       TEXT NOT NULL,
			priority     INTEGER NOT NULL DEFAULT 0,
			attempts     INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			last_error   TEXT NOT NULL DEFAULT '',
			permanent_failure INTEGER NOT NULL DEFAULT 0,
			result       BLOB,
			worker_id    TEXT NOT NULL DEFAULT '',
			timeout_ns   INTEGER NOT NULL DEFAULT 0,
			run_at       INTEGER NOT NULL,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL,
			started_at   INTEGER,
			heartbeat_at INTEGER,
			completed_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			job_id      TEXT PRIMARY KEY,
			job_type    TEXT NOT NULL,
			payload     BLOB,
			priority    INTEGER NOT NULL DEFAULT 0,
			reason      TEXT NOT NULL,
			attempts    INTEGER NOT NULL,
			failed_at   INTEGER NOT NULL,
			replayed_as TEXT NOT NULL DEFAULT '',
			replayed_at INTEGER
		)`,
	},
}

// Indexes are plain SQL shared by both dialects
var indexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs (status, priority, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status_run_at ON jobs (status, run_at)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_type ON jobs (job_type, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_dead_letters_failed_at ON dead_letters (failed_at)`,
}

func dialectFor(driverName string) (dialect, error) {
	switch driverName {
	case database.DriverPostgres:
		return postgresDialect, nil
	case database.DriverSQLite:
		return sqliteDialect, nil
	default:
		return dialect{}, fmt.Errorf("sqlstore: unsupported driver %q", driverName)
	}
}
