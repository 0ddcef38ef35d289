// Package badgerstore is an embedded queue store on BadgerDB. Jobs are msgpack records
// under job/<id>; pending jobs are also indexed under ordered ready/ and delay/ keys so
// that a dequeue is a prefix seek.
package badgerstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/store"
)

var _ store.Store = (*Store)(nil)

// maxConflictRetries bounds how often a transaction is replayed after ErrConflict
const maxConflictRetries = 1000

// record is the stored value. IndexKey is the ready/ or delay/ key currently pointing
// at the job, empty unless the job is pending.
type record struct {
	Job      *domain.Job `msgpack:"job"`
	IndexKey []byte      `msgpack:"index_key"`
}

// Store is a store.Store backed by a badger database
type Store struct {
	db       *badger.DB
	seq      *badger.Sequence
	ordering domain.Ordering
	logger   *slog.Logger
}

// Option configures a Store
type Option func(*Store)

// WithOrdering sets the dequeue ordering (FIFO by default)
func WithOrdering(o domain.Ordering) Option {
	return func(s *Store) { s.ordering = o }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open opens (or creates) a badger database in dir. An empty dir keeps everything in memory.
func Open(dir string, opts ...Option) (*Store, error) {
	var bopts badger.Options
	if dir == "" {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		bopts = badger.DefaultOptions(dir)
	}
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	seq, err := db.GetSequence(keySeq, 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open job sequence: %w", err)
	}

	s := &Store{
		db:       db,
		seq:      seq,
		ordering: domain.OrderingFIFO,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Enqueue(ctx context.Context, job *domain.Job) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}

	n, err := s.seq.Next()
	if err != nil {
		return "", fmt.Errorf("next job sequence: %w", err)
	}

	now := time.Now().UTC()
	cp := job.Clone()
	cp.Prepare(now)
	cp.Seq = int64(n) + 1

	err = s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(jobKey(cp.ID)); err == nil {
			return domain.ErrDuplicateJob
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		rec := &record{Job: cp}
		if err := s.index(txn, rec, now); err != nil {
			return err
		}
		return putRecord(txn, rec)
	})
	if err != nil {
		return "", err
	}

	job.ID = cp.ID
	job.Seq = cp.Seq
	return cp.ID, nil
}

// Dequeue promotes due delayed jobs, then claims the first ready key
func (s *Store) Dequeue(ctx context.Context, workerID string) (*domain.Job, error) {
	var claimed *domain.Job
	err := s.update(ctx, func(txn *badger.Txn) error {
		now := time.Now().UTC()
		if err := s.promote(txn, now); err != nil {
			return err
		}

		keys := collectKeys(txn, prefixReady, 1, nil)
		if len(keys) == 0 {
			return domain.ErrQueueEmpty
		}

		rec, err := getRecord(txn, orderedKeyID(prefixReady, keys[0]))
		if err != nil {
			return err
		}
		if err := s.unindex(txn, rec); err != nil {
			return err
		}
		store.ApplyClaim(rec.Job, workerID, now)
		if err := putRecord(txn, rec); err != nil {
			return err
		}
		claimed = rec.Job
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Job claimed",
		slog.String("job_id", claimed.ID),
		slog.String("worker_id", workerID),
	)
	return claimed, nil
}

func (s *Store) MarkRunning(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	return s.mutate(ctx, jobID, func(j *domain.Job, now time.Time) error {
		if j.Status != domain.StatusPending {
			return domain.ErrJobAlreadyClaimed
		}
		store.ApplyClaim(j, workerID, now)
		return nil
	})
}

func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string) error {
	_, err := s.mutate(ctx, jobID, func(j *domain.Job, now time.Time) error {
		if err := store.CheckHolder(j, workerID); err != nil {
			return err
		}
		j.HeartbeatAt = &now
		j.UpdatedAt = now
		return nil
	})
	return err
}

func (s *Store) MarkSucceeded(ctx context.Context, jobID, workerID string, result []byte) error {
	_, err := s.mutate(ctx, jobID, func(j *domain.Job, now time.Time) error {
		if err := store.CheckHolder(j, workerID); err != nil {
			return err
		}
		store.ApplySucceeded(j, result, now)
		return nil
	})
	return err
}

func (s *Store) MarkFailed(ctx context.Context, jobID, workerID string, jobErr error) (*domain.Job, error) {
	return s.mutate(ctx, jobID, func(j *domain.Job, now time.Time) error {
		if err := store.CheckHolder(j, workerID); err != nil {
			return err
		}
		store.ApplyFailed(j, jobErr, now)
		return nil
	})
}

// FailStale reads the heartbeat inside the transaction, so a concurrent Heartbeat
// commit makes this one conflict and re-run against the fresh value
func (s *Store) FailStale(ctx context.Context, jobID, workerID string, before time.Time, jobErr error) (*domain.Job, error) {
	return s.mutate(ctx, jobID, func(j *domain.Job, now time.Time) error {
		if err := store.CheckStale(j, workerID, before); err != nil {
			return err
		}
		store.ApplyFailed(j, jobErr, now)
		return nil
	})
}

func (s *Store) Reschedule(ctx context.Context, jobID string, runAt time.Time) error {
	_, err := s.mutate(ctx, jobID, func(j *domain.Job, now time.Time) error {
		return store.ApplyReschedule(j, runAt.UTC(), now)
	})
	return err
}

func (s *Store) DeadLetter(ctx context.Context, jobID, reason string) (*domain.DeadLetter, error) {
	var dl *domain.DeadLetter
	err := s.update(ctx, func(txn *badger.Txn) error {
		rec, err := getRecord(txn, jobID)
		if err != nil {
			return err
		}
		dl, err = store.ApplyDeadLetter(rec.Job, reason, time.Now().UTC())
		if err != nil {
			return err
		}
		if err := s.unindex(txn, rec); err != nil {
			return err
		}
		if err := putRecord(txn, rec); err != nil {
			return err
		}
		return putDeadLetter(txn, dl)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job moved to dead letters",
		slog.String("job_id", jobID),
		slog.String("reason", reason),
	)
	return dl, nil
}

func (s *Store) Cancel(ctx context.Context, jobID string) error {
	_, err := s.mutate(ctx, jobID, func(j *domain.Job, now time.Time) error {
		return store.ApplyCancel(j, now)
	})
	return err
}

func (s *Store) Delete(ctx context.Context, jobID string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		rec, err := getRecord(txn, jobID)
		if err != nil {
			return err
		}
		if !rec.Job.Status.Terminal() {
			return domain.ErrInvalidState
		}
		if err := s.unindex(txn, rec); err != nil {
			return err
		}
		if err := txn.Delete(deadKey(jobID)); err != nil {
			return err
		}
		return txn.Delete(jobKey(jobID))
	})
}

func (s *Store) Get(_ context.Context, jobID string) (*domain.Job, error) {
	var job *domain.Job
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, jobID)
		if err != nil {
			return err
		}
		job = rec.Job
		return nil
	})
	return job, err
}

func (s *Store) List(_ context.Context, filter store.Filter) ([]*domain.Job, error) {
	jobs, err := s.scanJobs(func(j *domain.Job) bool { return store.Matches(j, filter) })
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Seq > jobs[j].Seq })

	if limit := store.Limit(filter.Limit); len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *Store) ListStale(_ context.Context, before time.Time, limit int) ([]*domain.Job, error) {
	jobs, err := s.scanJobs(func(j *domain.Job) bool { return store.IsStale(j, before) })
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Seq < jobs[j].Seq })

	if limit = store.Limit(limit); len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *Store) ListDeadLetters(_ context.Context, filter store.DeadLetterFilter) ([]*domain.DeadLetter, error) {
	result := make([]*domain.DeadLetter, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefixDead})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var dl domain.DeadLetter
			if err := msgpack.Unmarshal(val, &dl); err != nil {
				return fmt.Errorf("decode dead letter: %w", err)
			}
			if filter.Type != "" && dl.Type != filter.Type {
				continue
			}
			result = append(result, &dl)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].FailedAt.Equal(result[j].FailedAt) {
			return result[i].FailedAt.After(result[j].FailedAt)
		}
		return result[i].JobID < result[j].JobID
	})
	if limit := store.Limit(filter.Limit); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetDeadLetter(_ context.Context, jobID string) (*domain.DeadLetter, error) {
	var dl *domain.DeadLetter
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		dl, err = getDeadLetter(txn, jobID)
		return err
	})
	return dl, err
}

func (s *Store) MarkReplayed(ctx context.Context, jobID, newJobID string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		dl, err := getDeadLetter(txn, jobID)
		if err != nil {
			return err
		}
		if dl.ReplayedAs != "" {
			return domain.ErrAlreadyReplayed
		}
		now := time.Now().UTC()
		dl.ReplayedAs = newJobID
		dl.ReplayedAt = &now
		return putDeadLetter(txn, dl)
	})
}

func (s *Store) ClearReplayed(ctx context.Context, jobID, newJobID string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		dl, err := getDeadLetter(txn, jobID)
		if err != nil {
			return err
		}
		if err := store.ApplyReplayCleared(dl, newJobID); err != nil {
			return err
		}
		return putDeadLetter(txn, dl)
	})
}

func (s *Store) Stats(_ context.Context) (map[domain.Status]int64, error) {
	stats := store.EmptyStats()
	_, err := s.scanJobs(func(j *domain.Job) bool {
		stats[j.Status]++
		return false
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Store) Ping(_ context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return nil
}

// Close releases the sequence lease and closes the database
func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		s.logger.Warn("Failed to release job sequence", slog.Any("error", err))
	}
	return s.db.Close()
}

// update runs fn in a read-write transaction, replaying it on commit conflicts
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for i := 0; i < maxConflictRetries; i++ {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return fmt.Errorf("badger transaction: %w", badger.ErrConflict)
}

// mutate loads jobID, applies fn and rewrites the record and its index key
func (s *Store) mutate(ctx context.Context, jobID string, fn func(j *domain.Job, now time.Time) error) (*domain.Job, error) {
	var job *domain.Job
	err := s.update(ctx, func(txn *badger.Txn) error {
		rec, err := getRecord(txn, jobID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := fn(rec.Job, now); err != nil {
			return err
		}
		if err := s.unindex(txn, rec); err != nil {
			return err
		}
		if err := s.index(txn, rec, now); err != nil {
			return err
		}
		if err := putRecord(txn, rec); err != nil {
			return err
		}
		job = rec.Job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// index writes the ready/ or delay/ key for a pending job
func (s *Store) index(txn *badger.Txn, rec *record, now time.Time) error {
	j := rec.Job
	if j.Status != domain.StatusPending {
		return nil
	}

	var key []byte
	if j.RunAt.After(now) {
		key = delayKey(j.RunAt, j.Seq, j.ID)
	} else {
		priority := 0
		if s.ordering == domain.OrderingPriority {
			priority = j.Priority
		}
		key = readyKey(priority, j.Seq, j.ID)
	}
	rec.IndexKey = key
	return txn.Set(key, nil)
}

func (s *Store) unindex(txn *badger.Txn, rec *record) error {
	if len(rec.IndexKey) == 0 {
		return nil
	}
	if err := txn.Delete(rec.IndexKey); err != nil {
		return err
	}
	rec.IndexKey = nil
	return nil
}

// promote moves delayed jobs whose run time has passed onto the ready index
func (s *Store) promote(txn *badger.Txn, now time.Time) error {
	due := collectKeys(txn, prefixDelay, 0, func(key []byte) bool {
		return orderedKeyFirst(prefixDelay, key) <= now.UnixNano()
	})

	for _, key := range due {
		rec, err := getRecord(txn, orderedKeyID(prefixDelay, key))
		if errors.Is(err, domain.ErrJobNotFound) {
			if err := txn.Delete(key); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(rec.IndexKey, key) {
			if err := txn.Delete(key); err != nil {
				return err
			}
			continue
		}
		if err := s.unindex(txn, rec); err != nil {
			return err
		}
		if err := s.index(txn, rec, now); err != nil {
			return err
		}
		if err := putRecord(txn, rec); err != nil {
			return err
		}
	}
	return nil
}

// collectKeys returns keys under prefix in order, stopping at limit (0 means no limit)
// or at the first key for which keep returns false
func collectKeys(txn *badger.Txn, prefix []byte, limit int, keep func(key []byte) bool) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().KeyCopy(nil)
		if keep != nil && !keep(key) {
			break
		}
		keys = append(keys, key)
		if limit > 0 && len(keys) >= limit {
			break
		}
	}
	return keys
}

// scanJobs decodes every job record and returns those accepted by match
func (s *Store) scanJobs(match func(j *domain.Job) bool) ([]*domain.Job, error) {
	jobs := make([]*domain.Job, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefixJob})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec record
			if err := msgpack.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("decode job: %w", err)
			}
			if match(rec.Job) {
				jobs = append(jobs, rec.Job)
			}
		}
		return nil
	})
	return jobs, err
}

func getRecord(txn *badger.Txn, jobID string) (*record, error) {
	item, err := txn.Get(jobKey(jobID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	var rec record
	if err := msgpack.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &rec, nil
}

func putRecord(txn *badger.Txn, rec *record) error {
	val, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", rec.Job.ID, err)
	}
	return txn.Set(jobKey(rec.Job.ID), val)
}

func getDeadLetter(txn *badger.Txn, jobID string) (*domain.DeadLetter, error) {
	item, err := txn.Get(deadKey(jobID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domain.ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, err
	}

	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	var dl domain.DeadLetter
	if err := msgpack.Unmarshal(val, &dl); err != nil {
		return nil, fmt.Errorf("decode dead letter %s: %w", jobID, err)
	}
	return &dl, nil
}

func putDeadLetter(txn *badger.Txn, dl *domain.DeadLetter) error {
	val, err := msgpack.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter %s: %w", dl.JobID, err)
	}
	return txn.Set(deadKey(dl.JobID), val)
}
