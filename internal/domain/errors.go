package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job id is unknown to the store
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateJob is returned when enqueueing a job whose id is already stored
	ErrDuplicateJob = errors.New("job already exists")

	// ErrDeadLetterNotFound is returned when no dead-letter entry exists for a job id
	ErrDeadLetterNotFound = errors.New("dead letter not found")

	// ErrQueueEmpty is returned by Dequeue when no job is eligible to run
	ErrQueueEmpty = errors.New("no eligible job in queue")

	// ErrJobAlreadyClaimed is returned when attempting to claim a job that's not pending
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in pending status")

	// ErrInvalidState is returned when a transition is not allowed from the job's current status
	ErrInvalidState = errors.New("invalid job state transition")

	// ErrLeaseLost is returned when a worker reports on a job it no longer holds
	ErrLeaseLost = errors.New("job is no longer held by this worker")

	// ErrInvalidJob is returned when a job is missing required fields
	ErrInvalidJob = errors.New("invalid job")

	// ErrInvalidPayload is returned when job payload JSON is malformed
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrUnknownJobType is returned when no handler is registered for a job type
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrHeartbeatExpired is recorded on running jobs whose worker stopped heartbeating
	ErrHeartbeatExpired = errors.New("worker heartbeat expired")

	// ErrJobNotStale is returned when a running job heartbeated after the reap cutoff
	ErrJobNotStale = errors.New("job heartbeat is not stale")

	// ErrAlreadyReplayed is returned when replaying a dead letter a second time
	ErrAlreadyReplayed = errors.New("dead letter already replayed")
)

// PermanentError wraps failures that must not be retried
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks err as not retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether a job failure should skip the retry budget
func IsPermanent(err error) bool {
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return true
	}
	return errors.Is(err, ErrInvalidPayload) || errors.Is(err, ErrUnknownJobType)
}
