package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cuongbtq/jobqueue/internal/domain"
)

// Handler executes one job. The returned result is stored as JSON. Handlers must
// return once ctx is done; return domain.Permanent(err) for failures that retrying
// cannot fix.
type Handler func(ctx context.Context, job *domain.Job) (any, error)

// Registry maps job types to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for jobType, replacing any previous one
func (r *Registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Get returns the handler for jobType
func (r *Registry) Get(jobType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownJobType, jobType)
	}
	return h, nil
}

// Types lists the registered job types in sorted order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
