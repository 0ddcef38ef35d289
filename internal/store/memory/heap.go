package memory

import (
	"container/heap"
	"time"

	"github.com/cuongbtq/jobqueue/internal/domain"
)

// entry is a heap reference to a job. It goes stale when the job's version moves on,
// so removals from the middle of a heap are lazy.
type entry struct {
	id       string
	seq      int64
	priority int
	runAt    time.Time
	version  uint64
}

// readyQueue orders eligible jobs by insertion order, or by priority then insertion order
type readyQueue struct {
	items    []entry
	ordering domain.Ordering
}

func (q *readyQueue) Len() int { return len(q.items) }

func (q *readyQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if q.ordering == domain.OrderingPriority && a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

func (q *readyQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *readyQueue) Push(x any) { q.items = append(q.items, x.(entry)) }

func (q *readyQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	q.items = old[:n-1]
	return item
}

// delayQueue orders scheduled jobs by run time
type delayQueue []entry

func (q delayQueue) Len() int { return len(q) }

func (q delayQueue) Less(i, j int) bool {
	if !q[i].runAt.Equal(q[j].runAt) {
		return q[i].runAt.Before(q[j].runAt)
	}
	return q[i].seq < q[j].seq
}

func (q delayQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *delayQueue) Push(x any) { *q = append(*q, x.(entry)) }

func (q *delayQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

var (
	_ heap.Interface = (*readyQueue)(nil)
	_ heap.Interface = (*delayQueue)(nil)
)
