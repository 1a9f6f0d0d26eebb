package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrQueueFull is returned by Submit when the pool's queue is at capacity.
	ErrQueueFull = errors.New("job queue is full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("job runner is closed")
)

// Worker pool bounds.
const (
	MinWorkers       = 2
	MaxWorkers       = 4
	DefaultQueueSize = 256
)

// Task is a unit of work run by a Runner.
type Task func(ctx context.Context)

// Runner executes tasks. Pool runs them on background workers; Inline runs
// them on the caller's goroutine.
type Runner interface {
	Submit(name string, task Task) error
}

type queued struct {
	name string
	task Task
}

// Pool runs tasks on a small fixed number of workers fed by a deep queue.
// Submit never blocks: callers get ErrQueueFull instead.
type Pool struct {
	logger *slog.Logger
	queue  chan queued
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewPool starts a pool. workers is clamped to [MinWorkers, MaxWorkers] and
// a non-positive queueSize selects DefaultQueueSize.
func NewPool(workers, queueSize int, logger *slog.Logger) *Pool {
	if workers < MinWorkers {
		workers = MinWorkers
	}
	if workers > MaxWorkers {
		workers = MaxWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &errgroup.Group{}
	g.SetLimit(workers)
	p := &Pool{
		logger: logger,
		queue:  make(chan queued, queueSize),
		group:  g,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.dispatch()
	return p
}

// dispatch hands queued tasks to the worker group, blocking while every
// worker is busy.
func (p *Pool) dispatch() {
	for q := range p.queue {
		q := q
		p.group.Go(func() error {
			runTask(p.ctx, p.logger, q)
			return nil
		})
	}
	_ = p.group.Wait()
	close(p.done)
}

// Submit enqueues a task.
func (p *Pool) Submit(name string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- queued{name: name, task: task}:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, name)
	}
}

// Pending returns the number of tasks waiting for a worker.
func (p *Pool) Pending() int {
	return len(p.queue)
}

// Close stops accepting tasks and waits for queued and running tasks to
// finish. If ctx ends first, the task context is cancelled and ctx's error
// is returned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

// Inline runs each task to completion on the submitting goroutine.
type Inline struct {
	Logger *slog.Logger
}

// Submit runs task immediately.
func (r Inline) Submit(name string, task Task) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runTask(context.Background(), logger, queued{name: name, task: task})
	return nil
}

func runTask(ctx context.Context, logger *slog.Logger, q queued) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", "job", q.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	q.task(ctx)
}
