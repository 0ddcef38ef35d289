// Package redisstore implements store.Store on Redis. Job records are JSON strings,
// pending jobs sit in a ready sorted set (score = priority, ties broken by the
// sequence-prefixed member) or a scheduled sorted set (score = run time), and every
// transition is an optimistic WATCH/MULTI transaction.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client, redisstore.WithOrdering(domain.OrderingPriority))
//	if err := s.Ping(ctx); err != nil { ... }
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/store"
)

var _ store.Store = (*Store)(nil)

const (
	// DefaultPrefix namespaces all keys
	DefaultPrefix = "jobqueue"

	maxTxRetries = 1000
	scanBatch    = 200
)

// errSkip makes Dequeue drop a ready member that no longer points at a pending job
var errSkip = errors.New("redisstore: skip ready member")

// getter is satisfied by both the client and a WATCH transaction
type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

// Option configures the Store
type Option func(*Store)

// WithLogger sets a custom logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithOrdering sets the dequeue ordering (FIFO by default)
func WithOrdering(o domain.Ordering) Option {
	return func(s *Store) { s.ordering = o }
}

// WithPrefix overrides the key prefix
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.keys = newKeys(prefix) }
}

// Store is a Redis-backed queue store
type Store struct {
	client   goredis.UniversalClient
	keys     keys
	ordering domain.Ordering
	logger   *slog.Logger
}

// New creates a Redis-backed store. The caller owns the Redis client lifecycle.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:   client,
		keys:     newKeys(DefaultPrefix),
		ordering: domain.OrderingFIFO,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Enqueue(ctx context.Context, job *domain.Job) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}

	seq, err := s.client.Incr(ctx, s.keys.seq()).Result()
	if err != nil {
		return "", fmt.Errorf("redisstore: enqueue next seq: %w", err)
	}

	now := time.Now().UTC()
	cp := job.Clone()
	cp.Prepare(now)
	cp.Seq = seq

	key := s.keys.job(cp.ID)
	err = s.watch(ctx, func(tx *goredis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("redisstore: enqueue check exists: %w", err)
		}
		if exists > 0 {
			return domain.ErrDuplicateJob
		}

		data, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("redisstore: encode job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, s.keys.ids(), goredis.Z{Score: float64(cp.Seq), Member: cp.ID})
			s.queue(ctx, pipe, cp, now)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return "", err
	}

	job.ID = cp.ID
	job.Seq = cp.Seq
	return cp.ID, nil
}

// Dequeue promotes due scheduled jobs, then claims the lowest ready member. The
// transaction watches the ready set, so two dispatchers never claim the same member.
func (s *Store) Dequeue(ctx context.Context, workerID string) (*domain.Job, error) {
	for i := 0; i < maxTxRetries; i++ {
		now := time.Now().UTC()
		if err := s.promote(ctx, now); err != nil {
			return nil, err
		}

		var claimed *domain.Job
		err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
			head, err := tx.ZRange(ctx, s.keys.ready(), 0, 0).Result()
			if err != nil {
				return fmt.Errorf("redisstore: dequeue peek: %w", err)
			}
			if len(head) == 0 {
				return domain.ErrQueueEmpty
			}

			m := head[0]
			id := memberID(m)
			key := s.keys.job(id)
			if err := tx.Watch(ctx, key).Err(); err != nil {
				return err
			}

			j, err := s.getJob(ctx, tx, id)
			if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
				return err
			}
			if j == nil || j.Status != domain.StatusPending {
				_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
					pipe.ZRem(ctx, s.keys.ready(), m)
					return nil
				})
				if err != nil {
					return err
				}
				return errSkip
			}

			store.ApplyClaim(j, workerID, now)
			data, err := json.Marshal(j)
			if err != nil {
				return fmt.Errorf("redisstore: encode job: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.ZRem(ctx, s.keys.ready(), m)
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			if err != nil {
				return err
			}
			claimed = j
			return nil
		}, s.keys.ready())

		switch {
		case err == nil:
			s.logger.Debug("Job claimed",
				slog.String("job_id", claimed.ID),
				slog.String("worker_id", workerID),
			)
			return claimed, nil
		case errors.Is(err, goredis.TxFailedErr), errors.Is(err, errSkip):
			continue
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("redisstore: dequeue: %w", goredis.TxFailedErr)
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

// FailStale checks the heartbeat under WATCH, so a heartbeat written in between aborts
// the transaction and the retry sees the fresh value
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
	key := s.keys.job(jobID)

	var dl *domain.DeadLetter
	err := s.watch(ctx, func(tx *goredis.Tx) error {
		j, err := s.getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		dl, err = store.ApplyDeadLetter(j, reason, time.Now().UTC())
		if err != nil {
			return err
		}

		jobData, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("redisstore: encode job: %w", err)
		}
		dlData, err := json.Marshal(dl)
		if err != nil {
			return fmt.Errorf("redisstore: encode dead letter: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, jobData, 0)
			pipe.Set(ctx, s.keys.dead(jobID), dlData, 0)
			pipe.ZAdd(ctx, s.keys.deadIndex(), goredis.Z{Score: float64(dl.FailedAt.UnixMilli()), Member: jobID})
			return nil
		})
		return err
	}, key)
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
	key := s.keys.job(jobID)
	return s.watch(ctx, func(tx *goredis.Tx) error {
		j, err := s.getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if !j.Status.Terminal() {
			return domain.ErrInvalidState
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, key, s.keys.dead(jobID))
			pipe.ZRem(ctx, s.keys.ids(), jobID)
			pipe.ZRem(ctx, s.keys.deadIndex(), jobID)
			return nil
		})
		return err
	}, key)
}

func (s *Store) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.getJob(ctx, s.client, jobID)
}

// List walks the id index newest first and filters job records in batches
func (s *Store) List(ctx context.Context, filter store.Filter) ([]*domain.Job, error) {
	limit := store.Limit(filter.Limit)
	maxScore := "+inf"
	if filter.BeforeSeq > 0 {
		maxScore = "(" + strconv.FormatInt(filter.BeforeSeq, 10)
	}

	result := make([]*domain.Job, 0)
	for offset := int64(0); len(result) < limit; offset += scanBatch {
		ids, err := s.client.ZRevRangeByScore(ctx, s.keys.ids(), &goredis.ZRangeBy{
			Min:    "-inf",
			Max:    maxScore,
			Offset: offset,
			Count:  scanBatch,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("redisstore: list jobs: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		jobs, err := s.getJobs(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, j := range jobs {
			if store.Matches(j, filter) {
				result = append(result, j)
				if len(result) == limit {
					break
				}
			}
		}
	}
	return result, nil
}

func (s *Store) ListStale(ctx context.Context, before time.Time, limit int) ([]*domain.Job, error) {
	limit = store.Limit(limit)
	result := make([]*domain.Job, 0)
	err := s.eachJob(ctx, func(j *domain.Job) bool {
		if store.IsStale(j, before) {
			result = append(result, j)
		}
		return len(result) < limit
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListDeadLetters(ctx context.Context, filter store.DeadLetterFilter) ([]*domain.DeadLetter, error) {
	ids, err := s.client.ZRevRange(ctx, s.keys.deadIndex(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list dead letters: %w", err)
	}

	result := make([]*domain.DeadLetter, 0, len(ids))
	for start := 0; start < len(ids); start += scanBatch {
		end := min(start+scanBatch, len(ids))
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, s.keys.dead(id))
		}

		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("redisstore: load dead letters: %w", err)
		}
		for _, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			var dl domain.DeadLetter
			if err := json.Unmarshal([]byte(raw), &dl); err != nil {
				return nil, fmt.Errorf("redisstore: decode dead letter: %w", err)
			}
			if filter.Type != "" && dl.Type != filter.Type {
				continue
			}
			result = append(result, &dl)
		}
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

func (s *Store) GetDeadLetter(ctx context.Context, jobID string) (*domain.DeadLetter, error) {
	return s.getDeadLetter(ctx, s.client, jobID)
}

func (s *Store) MarkReplayed(ctx context.Context, jobID, newJobID string) error {
	key := s.keys.dead(jobID)
	return s.watch(ctx, func(tx *goredis.Tx) error {
		dl, err := s.getDeadLetter(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if dl.ReplayedAs != "" {
			return domain.ErrAlreadyReplayed
		}

		now := time.Now().UTC()
		dl.ReplayedAs = newJobID
		dl.ReplayedAt = &now
		data, err := json.Marshal(dl)
		if err != nil {
			return fmt.Errorf("redisstore: encode dead letter: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
}

func (s *Store) ClearReplayed(ctx context.Context, jobID, newJobID string) error {
	key := s.keys.dead(jobID)
	return s.watch(ctx, func(tx *goredis.Tx) error {
		dl, err := s.getDeadLetter(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := store.ApplyReplayCleared(dl, newJobID); err != nil {
			return err
		}

		data, err := json.Marshal(dl)
		if err != nil {
			return fmt.Errorf("redisstore: encode dead letter: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
}

func (s *Store) Stats(ctx context.Context) (map[domain.Status]int64, error) {
	stats := store.EmptyStats()
	err := s.eachJob(ctx, func(j *domain.Job) bool {
		stats[j.Status]++
		return true
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Ping verifies the Redis connection is alive
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the Redis client lifecycle
func (s *Store) Close() error { return nil }

// watch runs fn as an optimistic transaction on keys, retrying when a watched key changes
func (s *Store) watch(ctx context.Context, fn func(tx *goredis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redisstore: transaction: %w", goredis.TxFailedErr)
}

// mutate applies fn to a job and moves it between the ready and scheduled sets as its
// status requires
func (s *Store) mutate(ctx context.Context, jobID string, fn func(j *domain.Job, now time.Time) error) (*domain.Job, error) {
	key := s.keys.job(jobID)

	var job *domain.Job
	err := s.watch(ctx, func(tx *goredis.Tx) error {
		j, err := s.getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		wasQueued := j.Status == domain.StatusPending

		now := time.Now().UTC()
		if err := fn(j, now); err != nil {
			return err
		}

		data, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("redisstore: encode job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if wasQueued {
				m := member(j.Seq, j.ID)
				pipe.ZRem(ctx, s.keys.ready(), m)
				pipe.ZRem(ctx, s.keys.scheduled(), m)
			}
			s.queue(ctx, pipe, j, now)
			return nil
		})
		if err != nil {
			return err
		}
		job = j
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// queue adds a pending job to the ready or scheduled set
func (s *Store) queue(ctx context.Context, pipe goredis.Pipeliner, j *domain.Job, now time.Time) {
	if j.Status != domain.StatusPending {
		return
	}
	m := member(j.Seq, j.ID)
	if j.RunAt.After(now) {
		pipe.ZAdd(ctx, s.keys.scheduled(), goredis.Z{Score: float64(j.RunAt.UnixMilli()), Member: m})
		return
	}
	pipe.ZAdd(ctx, s.keys.ready(), goredis.Z{Score: s.readyScore(j), Member: m})
}

func (s *Store) readyScore(j *domain.Job) float64 {
	if s.ordering == domain.OrderingPriority {
		return float64(j.Priority)
	}
	return 0
}

// promote moves scheduled members that are due onto the ready set
func (s *Store) promote(ctx context.Context, now time.Time) error {
	due, err := s.client.ZRangeByScore(ctx, s.keys.scheduled(), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: scanBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("redisstore: list due jobs: %w", err)
	}

	for _, m := range due {
		id := memberID(m)
		err := s.watch(ctx, func(tx *goredis.Tx) error {
			j, err := s.getJob(ctx, tx, id)
			if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.ZRem(ctx, s.keys.scheduled(), m)
				if j != nil && j.Status == domain.StatusPending {
					pipe.ZAdd(ctx, s.keys.ready(), goredis.Z{Score: s.readyScore(j), Member: m})
				}
				return nil
			})
			return err
		}, s.keys.job(id))
		if err != nil {
			return fmt.Errorf("redisstore: promote %s: %w", id, err)
		}
	}
	return nil
}

// eachJob visits every job in insertion order until fn returns false
func (s *Store) eachJob(ctx context.Context, fn func(j *domain.Job) bool) error {
	for start := int64(0); ; start += scanBatch {
		ids, err := s.client.ZRange(ctx, s.keys.ids(), start, start+scanBatch-1).Result()
		if err != nil {
			return fmt.Errorf("redisstore: scan jobs: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		jobs, err := s.getJobs(ctx, ids)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if !fn(j) {
				return nil
			}
		}
	}
}

func (s *Store) getJob(ctx context.Context, c getter, jobID string) (*domain.Job, error) {
	raw, err := c.Get(ctx, s.keys.job(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("redisstore: get job: %w", err)
	}

	var j domain.Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("redisstore: decode job %s: %w", jobID, err)
	}
	return &j, nil
}

// getJobs loads job records in the order of ids, skipping ids deleted meanwhile
func (s *Store) getJobs(ctx context.Context, ids []string) ([]*domain.Job, error) {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.keys.job(id))
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: load jobs: %w", err)
	}

	jobs := make([]*domain.Job, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var j domain.Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			return nil, fmt.Errorf("redisstore: decode job: %w", err)
		}
		jobs = append(jobs, &j)
	}
	return jobs, nil
}

func (s *Store) getDeadLetter(ctx context.Context, c getter, jobID string) (*domain.DeadLetter, error) {
	raw, err := c.Get(ctx, s.keys.dead(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, domain.ErrDeadLetterNotFound
		}
		return nil, fmt.Errorf("redisstore: get dead letter: %w", err)
	}

	var dl domain.DeadLetter
	if err := json.Unmarshal(raw, &dl); err != nil {
		return nil, fmt.Errorf("redisstore: decode dead letter %s: %w", jobID, err)
	}
	return &dl, nil
}
