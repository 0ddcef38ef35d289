// Package sqlstore is the SQL queue store. It runs on PostgreSQL, where concurrent
// dispatchers claim jobs with FOR UPDATE SKIP LOCKED, and on embedded SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store handles all database operations for the queue
type Store struct {
	db       *sqlx.DB
	dialect  dialect
	ordering domain.Ordering
	logger   *slog.Logger
}

// Option configures a Store
type Option func(*Store)

// WithOrdering sets the dequeue ordering (FIFO by default)
func WithOrdering(o domain.Ordering) Option {
	return func(s *Store) { s.ordering = o }
}

// WithLogger sets the logger used for claim and transition events
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a Store on db. The dialect follows db.DriverName().
func New(db *sqlx.DB, opts ...Option) (*Store, error) {
	d, err := dialectFor(db.DriverName())
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:       db,
		dialect:  d,
		ordering: domain.OrderingFIFO,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Migrate creates the tables and indexes if they don't exist
func (s *Store) Migrate(ctx context.Context) error {
	statements := append(append([]string{}, s.dialect.schema...), indexes...)
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate %s schema: %w", s.dialect.name, err)
		}
	}

	s.logger.Info("Queue schema migrated", slog.String("driver", s.dialect.name))
	return nil
}

func (s *Store) Enqueue(ctx context.Context, job *domain.Job) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}

	cp := job.Clone()
	cp.Prepare(now())

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var count int
		if err := tx.GetContext(ctx, &count, tx.Rebind(`SELECT COUNT(*) FROM jobs WHERE id = ?`), cp.ID); err != nil {
			return fmt.Errorf("failed to check job id: %w", err)
		}
		if count > 0 {
			return domain.ErrDuplicateJob
		}

		query := tx.Rebind(`
			INSERT INTO jobs (id, job_type, payload, status, priority, attempts, max_attempts,
				last_error, worker_id, timeout_ns, run_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING seq
		`)
		return tx.GetContext(ctx, &cp.Seq, query,
			cp.ID,
			cp.Type,
			nullBytes(cp.Payload),
			cp.Status,
			cp.Priority,
			cp.Attempts,
			cp.MaxAttempts,
			cp.LastError,
			cp.WorkerID,
			int64(cp.Timeout),
			toNanos(cp.RunAt),
			toNanos(cp.CreatedAt),
			toNanos(cp.UpdatedAt),
		)
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateJob) {
			return "", err
		}
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	job.ID = cp.ID
	job.Seq = cp.Seq

	s.logger.Debug("Job enqueued",
		slog.String("job_id", cp.ID),
		slog.String("job_type", cp.Type),
		slog.Int64("seq", cp.Seq),
	)

	return cp.ID, nil
}

// Dequeue claims the next eligible job with a single conditional UPDATE
func (s *Store) Dequeue(ctx context.Context, workerID string) (*domain.Job, error) {
	order := "seq"
	if s.ordering == domain.OrderingPriority {
		order = "priority, seq"
	}

	query := s.db.Rebind(`
		UPDATE jobs
		SET status = ?,
		    worker_id = ?,
		    started_at = ?,
		    heartbeat_at = ?,
		    updated_at = ?
		WHERE seq = (
			SELECT seq FROM jobs
			WHERE status = ? AND run_at <= ?
			ORDER BY ` + order + `
			LIMIT 1` + s.dialect.skipLocked + `
		)
		  AND status = ?
		RETURNING ` + jobColumns)

	ts := toNanos(now())
	var row jobRow
	err := s.db.QueryRowxContext(ctx, query,
		domain.StatusRunning,
		workerID,
		ts,
		ts,
		ts,
		domain.StatusPending,
		ts,
		domain.StatusPending,
	).StructScan(&row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrQueueEmpty
		}
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}

	s.logger.Debug("Job claimed",
		slog.String("job_id", row.ID),
		slog.String("worker_id", workerID),
		slog.String("job_type", row.JobType),
	)

	return row.toJob(), nil
}

// MarkRunning attempts to claim a job using optimistic locking
func (s *Store) MarkRunning(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	query := s.db.Rebind(`
		UPDATE jobs
		SET status = ?,
		    worker_id = ?,
		    started_at = ?,
		    heartbeat_at = ?,
		    updated_at = ?
		WHERE id = ?
		  AND status = ?
		RETURNING ` + jobColumns)

	ts := toNanos(now())
	var row jobRow
	err := s.db.QueryRowxContext(ctx, query,
		domain.StatusRunning,
		workerID,
		ts,
		ts,
		ts,
		jobID,
		domain.StatusPending,
	).StructScan(&row)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
		if _, getErr := s.Get(ctx, jobID); getErr != nil {
			return nil, getErr
		}
		s.logger.Warn("Failed to claim job - already claimed",
			slog.String("job_id", jobID),
			slog.String("worker_id", workerID),
		)
		return nil, domain.ErrJobAlreadyClaimed
	}

	return row.toJob(), nil
}

func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string) error {
	_, err := s.mutate(ctx, jobID, func(j *domain.Job, ts time.Time) error {
		if err := store.CheckHolder(j, workerID); err != nil {
			return err
		}
		j.HeartbeatAt = &ts
		j.UpdatedAt = ts
		return nil
	})
	return err
}

func (s *Store) MarkSucceeded(ctx context.Context, jobID, workerID string, result []byte) error {
	_, err := s.mutate(ctx, jobID, func(j *domain.Job, ts time.Time) error {
		if err := store.CheckHolder(j, workerID); err != nil {
			return err
		}
		store.ApplySucceeded(j, result, ts)
		return nil
	})
	return err
}

func (s *Store) MarkFailed(ctx context.Context, jobID, workerID string, jobErr error) (*domain.Job, error) {
	return s.mutate(ctx, jobID, func(j *domain.Job, ts time.Time) error {
		if err := store.CheckHolder(j, workerID); err != nil {
			return err
		}
		store.ApplyFailed(j, jobErr, ts)
		return nil
	})
}

// FailStale re-checks the heartbeat under the row lock taken by mutate
func (s *Store) FailStale(ctx context.Context, jobID, workerID string, before time.Time, jobErr error) (*domain.Job, error) {
	return s.mutate(ctx, jobID, func(j *domain.Job, ts time.Time) error {
		if err := store.CheckStale(j, workerID, before); err != nil {
			return err
		}
		store.ApplyFailed(j, jobErr, ts)
		return nil
	})
}

func (s *Store) Reschedule(ctx context.Context, jobID string, runAt time.Time) error {
	_, err := s.mutate(ctx, jobID, func(j *domain.Job, ts time.Time) error {
		return store.ApplyReschedule(j, runAt.UTC(), ts)
	})
	return err
}

func (s *Store) DeadLetter(ctx context.Context, jobID, reason string) (*domain.DeadLetter, error) {
	var dl *domain.DeadLetter
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		j, err := s.load(ctx, tx, jobID)
		if err != nil {
			return err
		}
		dl, err = store.ApplyDeadLetter(j, reason, now())
		if err != nil {
			return err
		}
		if err := s.save(ctx, tx, j); err != nil {
			return err
		}

		query := tx.Rebind(`
			INSERT INTO dead_letters (job_id, job_type, payload, priority, reason, attempts, failed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		_, err = tx.ExecContext(ctx, query,
			dl.JobID,
			dl.Type,
			nullBytes(dl.Payload),
			dl.Priority,
			dl.Reason,
			dl.Attempts,
			toNanos(dl.FailedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert dead letter: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job moved to dead letters",
		slog.String("job_id", jobID),
		slog.String("reason", reason),
		slog.Int("attempts", dl.Attempts),
	)

	return dl, nil
}

func (s *Store) Cancel(ctx context.Context, jobID string) error {
	_, err := s.mutate(ctx, jobID, func(j *domain.Job, ts time.Time) error {
		return store.ApplyCancel(j, ts)
	})
	return err
}

func (s *Store) Delete(ctx context.Context, jobID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		j, err := s.load(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if !j.Status.Terminal() {
			return domain.ErrInvalidState
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM dead_letters WHERE job_id = ?`), jobID); err != nil {
			return fmt.Errorf("failed to delete dead letter: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM jobs WHERE id = ?`), jobID); err != nil {
			return fmt.Errorf("failed to delete job: %w", err)
		}
		return nil
	})
}

func (s *Store) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toJob(), nil
}

// List retrieves jobs with filters and cursor pagination, newest first
func (s *Store) List(ctx context.Context, filter store.Filter) ([]*domain.Job, error) {
	var conditions []string
	var args []interface{}

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Type != "" {
		conditions = append(conditions, "job_type = ?")
		args = append(args, filter.Type)
	}
	if filter.BeforeSeq > 0 {
		conditions = append(conditions, "seq < ?")
		args = append(args, filter.BeforeSeq)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, store.Limit(filter.Limit))

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return toJobs(rows), nil
}

func (s *Store) ListStale(ctx context.Context, before time.Time, limit int) ([]*domain.Job, error) {
	query := s.db.Rebind(`
		SELECT ` + jobColumns + ` FROM jobs
		WHERE (status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?))
		   OR (status = ? AND updated_at < ?)
		ORDER BY seq
		LIMIT ?
	`)

	cutoff := toNanos(before)
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, query,
		domain.StatusRunning,
		cutoff,
		domain.StatusFailed,
		cutoff,
		store.Limit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	return toJobs(rows), nil
}

func (s *Store) ListDeadLetters(ctx context.Context, filter store.DeadLetterFilter) ([]*domain.DeadLetter, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	var args []interface{}
	if filter.Type != "" {
		query += " WHERE job_type = ?"
		args = append(args, filter.Type)
	}
	query += " ORDER BY failed_at DESC, job_id LIMIT ?"
	args = append(args, store.Limit(filter.Limit))

	var rows []deadLetterRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	result := make([]*domain.DeadLetter, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toDeadLetter())
	}
	return result, nil
}

func (s *Store) GetDeadLetter(ctx context.Context, jobID string) (*domain.DeadLetter, error) {
	var row deadLetterRow
	query := s.db.Rebind(`SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE job_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrDeadLetterNotFound
		}
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return row.toDeadLetter(), nil
}

func (s *Store) MarkReplayed(ctx context.Context, jobID, newJobID string) error {
	query := s.db.Rebind(`
		UPDATE dead_letters
		SET replayed_as = ?, replayed_at = ?
		WHERE job_id = ? AND replayed_as = ''
	`)
	res, err := s.db.ExecContext(ctx, query, newJobID, toNanos(now()), jobID)
	if err != nil {
		return fmt.Errorf("failed to mark dead letter replayed: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	if _, err := s.GetDeadLetter(ctx, jobID); err != nil {
		return err
	}
	return domain.ErrAlreadyReplayed
}

func (s *Store) ClearReplayed(ctx context.Context, jobID, newJobID string) error {
	query := s.db.Rebind(`
		UPDATE dead_letters
		SET replayed_as = '', replayed_at = NULL
		WHERE job_id = ? AND replayed_as = ?
	`)
	res, err := s.db.ExecContext(ctx, query, jobID, newJobID)
	if err != nil {
		return fmt.Errorf("failed to clear dead letter replay: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	if _, err := s.GetDeadLetter(ctx, jobID); err != nil {
		return err
	}
	return domain.ErrInvalidState
}

func (s *Store) Stats(ctx context.Context) (map[domain.Status]int64, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int64  `db:"count"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS count FROM jobs GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	stats := store.EmptyStats()
	for _, r := range rows {
		stats[domain.Status(r.Status)] = r.Count
	}
	return stats, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op; the database handle belongs to the caller
func (s *Store) Close() error { return nil }

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to rollback transaction", slog.Any("error", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// mutate loads jobID under a row lock, applies fn and writes the job back
func (s *Store) mutate(ctx context.Context, jobID string, fn func(j *domain.Job, ts time.Time) error) (*domain.Job, error) {
	var job *domain.Job
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		j, err := s.load(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := fn(j, now()); err != nil {
			return err
		}
		if err := s.save(ctx, tx, j); err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Store) load(ctx context.Context, tx *sqlx.Tx, jobID string) (*domain.Job, error) {
	var row jobRow
	query := tx.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ?` + s.dialect.lockRow)
	if err := tx.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return row.toJob(), nil
}

func (s *Store) save(ctx context.Context, tx *sqlx.Tx, j *domain.Job) error {
	query := tx.Rebind(`
		UPDATE jobs
		SET status = ?,
		    attempts = ?,
		    last_error = ?,
		    permanent_failure = ?,
		    result = ?,
		    worker_id = ?,
		    run_at = ?,
		    updated_at = ?,
		    started_at = ?,
		    heartbeat_at = ?,
		    completed_at = ?
		WHERE id = ?
	`)
	_, err := tx.ExecContext(ctx, query,
		j.Status,
		j.Attempts,
		j.LastError,
		j.PermanentFailure,
		nullBytes(j.Result),
		j.WorkerID,
		toNanos(j.RunAt),
		toNanos(j.UpdatedAt),
		toNullNanos(j.StartedAt),
		toNullNanos(j.HeartbeatAt),
		toNullNanos(j.CompletedAt),
		j.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

func toJobs(rows []jobRow) []*domain.Job {
	jobs := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toJob())
	}
	return jobs
}

// nullBytes stores empty payloads and results as NULL
func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func now() time.Time {
	return time.Now().UTC()
}
