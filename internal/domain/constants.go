package domain

// Status is the lifecycle state of a job
type Status string

// Job status constants
const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusDeadLettered Status = "dead_lettered"
	StatusCanceled     Status = "canceled"
)

// Statuses lists every job status in lifecycle order
var Statuses = []Status{
	StatusPending,
	StatusRunning,
	StatusSucceeded,
	StatusFailed,
	StatusDeadLettered,
	StatusCanceled,
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition can happen from s
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusDeadLettered || s == StatusCanceled
}

// Ordering selects how the queue store picks the next eligible job
type Ordering string

const (
	// OrderingFIFO dequeues strictly by insertion order
	OrderingFIFO Ordering = "fifo"
	// OrderingPriority dequeues by priority (lower value first), then insertion order
	OrderingPriority Ordering = "priority"
)

// Valid reports whether o is a known ordering
func (o Ordering) Valid() bool {
	return o == OrderingFIFO || o == OrderingPriority
}
