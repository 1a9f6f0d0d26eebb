package jobs

import "sync"

// Job is anything addressable by a token.
type Job interface {
	ID() string
}

// Registry holds jobs by token so pollers can look them up.
type Registry[T Job] struct {
	mu    sync.RWMutex
	jobs  map[string]T
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry[T Job]() *Registry[T] {
	return &Registry[T]{jobs: make(map[string]T)}
}

// Add registers j under its token.
func (r *Registry[T]) Add(j T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[j.ID()]; !ok {
		r.order = append(r.order, j.ID())
	}
	r.jobs[j.ID()] = j
}

// Get returns the job for a token.
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	return j, ok
}

// List returns every job in registration order.
func (r *Registry[T]) List() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.jobs[id])
	}
	return out
}

// Len returns the number of registered jobs.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
