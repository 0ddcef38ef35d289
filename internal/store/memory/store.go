// Package memory is an in-process queue store. It is safe for concurrent use and loses
// its contents on exit; use it for tests and single-process deployments.
package memory

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/store"
)

var _ store.Store = (*Store)(nil)

type record struct {
	job     *domain.Job
	version uint64
}

// Store keeps jobs in a map with a ready heap and a delay heap on the side
type Store struct {
	mu          sync.Mutex
	jobs        map[string]*record
	deadLetters map[string]*domain.DeadLetter
	ready       *readyQueue
	delayed     delayQueue
	seq         int64
	now         func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithOrdering sets the dequeue ordering (FIFO by default)
func WithOrdering(o domain.Ordering) Option {
	return func(s *Store) { s.ready.ordering = o }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty Store
func New(opts ...Option) *Store {
	s := &Store{
		jobs:        make(map[string]*record),
		deadLetters: make(map[string]*domain.DeadLetter),
		ready:       &readyQueue{ordering: domain.OrderingFIFO},
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Enqueue(_ context.Context, job *domain.Job) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cp := job.Clone()
	cp.Prepare(now)
	if _, exists := s.jobs[cp.ID]; exists {
		return "", domain.ErrDuplicateJob
	}
	s.seq++
	cp.Seq = s.seq

	rec := &record{job: cp}
	s.jobs[cp.ID] = rec
	s.schedule(rec, now)

	job.ID = cp.ID
	job.Seq = cp.Seq
	return cp.ID, nil
}

func (s *Store) Dequeue(_ context.Context, workerID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.promote(now)

	for s.ready.Len() > 0 {
		e := heap.Pop(s.ready).(entry)
		rec, ok := s.jobs[e.id]
		if !ok || rec.version != e.version || !rec.job.Eligible(now) {
			continue
		}
		rec.version++
		store.ApplyClaim(rec.job, workerID, now)
		return rec.job.Clone(), nil
	}
	return nil, domain.ErrQueueEmpty
}

func (s *Store) MarkRunning(_ context.Context, jobID, workerID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if rec.job.Status != domain.StatusPending {
		return nil, domain.ErrJobAlreadyClaimed
	}
	rec.version++
	store.ApplyClaim(rec.job, workerID, s.now())
	return rec.job.Clone(), nil
}

func (s *Store) Heartbeat(_ context.Context, jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if err := store.CheckHolder(rec.job, workerID); err != nil {
		return err
	}
	now := s.now()
	rec.job.HeartbeatAt = &now
	rec.job.UpdatedAt = now
	return nil
}

func (s *Store) MarkSucceeded(_ context.Context, jobID, workerID string, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if err := store.CheckHolder(rec.job, workerID); err != nil {
		return err
	}
	rec.version++
	store.ApplySucceeded(rec.job, append([]byte(nil), result...), s.now())
	return nil
}

func (s *Store) MarkFailed(_ context.Context, jobID, workerID string, jobErr error) (*domain.Job, error) {
	return s.fail(jobID, jobErr, func(j *domain.Job) error {
		return store.CheckHolder(j, workerID)
	})
}

func (s *Store) FailStale(_ context.Context, jobID, workerID string, before time.Time, jobErr error) (*domain.Job, error) {
	return s.fail(jobID, jobErr, func(j *domain.Job) error {
		return store.CheckStale(j, workerID, before)
	})
}

func (s *Store) fail(jobID string, jobErr error, check func(*domain.Job) error) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if err := check(rec.job); err != nil {
		return nil, err
	}
	rec.version++
	store.ApplyFailed(rec.job, jobErr, s.now())
	return rec.job.Clone(), nil
}

func (s *Store) Reschedule(_ context.Context, jobID string, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	now := s.now()
	if err := store.ApplyReschedule(rec.job, runAt.UTC(), now); err != nil {
		return err
	}
	rec.version++
	s.schedule(rec, now)
	return nil
}

func (s *Store) DeadLetter(_ context.Context, jobID, reason string) (*domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	dl, err := store.ApplyDeadLetter(rec.job, reason, s.now())
	if err != nil {
		return nil, err
	}
	rec.version++
	s.deadLetters[jobID] = dl
	return dl.Clone(), nil
}

func (s *Store) Cancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if err := store.ApplyCancel(rec.job, s.now()); err != nil {
		return err
	}
	rec.version++
	return nil
}

func (s *Store) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if !rec.job.Status.Terminal() {
		return domain.ErrInvalidState
	}
	delete(s.jobs, jobID)
	delete(s.deadLetters, jobID)
	return nil
}

func (s *Store) Get(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return rec.job.Clone(), nil
}

func (s *Store) List(_ context.Context, filter store.Filter) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*domain.Job, 0)
	for _, rec := range s.jobs {
		if store.Matches(rec.job, filter) {
			result = append(result, rec.job.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq > result[j].Seq })

	if limit := store.Limit(filter.Limit); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListStale(_ context.Context, before time.Time, limit int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*domain.Job, 0)
	for _, rec := range s.jobs {
		if store.IsStale(rec.job, before) {
			result = append(result, rec.job.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })

	if limit = store.Limit(limit); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListDeadLetters(_ context.Context, filter store.DeadLetterFilter) ([]*domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*domain.DeadLetter, 0, len(s.deadLetters))
	for _, dl := range s.deadLetters {
		if filter.Type != "" && dl.Type != filter.Type {
			continue
		}
		result = append(result, dl.Clone())
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
	s.mu.Lock()
	defer s.mu.Unlock()

	dl, ok := s.deadLetters[jobID]
	if !ok {
		return nil, domain.ErrDeadLetterNotFound
	}
	return dl.Clone(), nil
}

func (s *Store) MarkReplayed(_ context.Context, jobID, newJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dl, ok := s.deadLetters[jobID]
	if !ok {
		return domain.ErrDeadLetterNotFound
	}
	if dl.ReplayedAs != "" {
		return domain.ErrAlreadyReplayed
	}
	now := s.now()
	dl.ReplayedAs = newJobID
	dl.ReplayedAt = &now
	return nil
}

func (s *Store) ClearReplayed(_ context.Context, jobID, newJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dl, ok := s.deadLetters[jobID]
	if !ok {
		return domain.ErrDeadLetterNotFound
	}
	return store.ApplyReplayCleared(dl, newJobID)
}

func (s *Store) Stats(_ context.Context) (map[domain.Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := store.EmptyStats()
	for _, rec := range s.jobs {
		stats[rec.job.Status]++
	}
	return stats, nil
}

// Ping always succeeds for the memory store
func (s *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store
func (s *Store) Close() error { return nil }

// schedule pushes a heap entry for a pending job. Caller holds mu.
func (s *Store) schedule(rec *record, now time.Time) {
	e := entry{
		id:       rec.job.ID,
		seq:      rec.job.Seq,
		priority: rec.job.Priority,
		runAt:    rec.job.RunAt,
		version:  rec.version,
	}
	if rec.job.RunAt.After(now) {
		heap.Push(&s.delayed, e)
		return
	}
	heap.Push(s.ready, e)
}

// promote moves due delayed entries onto the ready heap. Caller holds mu.
func (s *Store) promote(now time.Time) {
	for s.delayed.Len() > 0 && !s.delayed[0].runAt.After(now) {
		e := heap.Pop(&s.delayed).(entry)
		if rec, ok := s.jobs[e.id]; ok && rec.version == e.version {
			heap.Push(s.ready, e)
		}
	}
}
