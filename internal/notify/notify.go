// Package notify carries "new work may be available" signals from the services that
// enqueue jobs to the dispatchers that run them. Signals are hints: a lost signal only
// delays a job until the next dispatcher poll.
package notify

import (
	"context"
	"errors"
)

// Notifier is told about every job that becomes eligible to run
type Notifier interface {
	Notify(ctx context.Context, jobID string) error
}

// Waker is woken by incoming notifications
type Waker interface {
	Wake()
}

// Message is the wake notification body
type Message struct {
	JobID string `json:"job_id"`
}

// Noop discards notifications
type Noop struct{}

func (Noop) Notify(context.Context, string) error { return nil }

// Multi fans a notification out to several notifiers
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, jobID string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, jobID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
