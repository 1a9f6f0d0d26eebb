// Package jobs tracks the progress of background import and thumbnail jobs
// and runs them on a bounded worker pool.
//
// Progress values are written by exactly one worker and read by any number of
// pollers, so every field is atomic. A job moves PENDING → RUNNING → COMPLETED
// or FAILED and never leaves a terminal state; counters only move while the
// job is RUNNING.
package jobs

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
type Status int32

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusRunning:
		return "RUNNING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// state is the lifecycle shared by every job kind.
type state struct {
	id         string
	status     atomic.Int32
	errs       atomic.Pointer[[]string]
	fatal      atomic.Pointer[string]
	startedAt  atomic.Int64 // unix nanos, 0 until started
	finishedAt atomic.Int64
}

func newState() state {
	return state{id: uuid.NewString()}
}

// ID returns the job token.
func (s *state) ID() string { return s.id }

// Status returns the current lifecycle state.
func (s *state) Status() Status { return Status(s.status.Load()) }

// Start moves a pending job to RUNNING. It returns false if the job was
// already started.
func (s *state) Start() bool {
	if !s.status.CompareAndSwap(int32(StatusPending), int32(StatusRunning)) {
		return false
	}
	s.startedAt.Store(time.Now().UnixNano())
	return true
}

// Complete moves a running job to COMPLETED.
func (s *state) Complete() bool {
	if !s.status.CompareAndSwap(int32(StatusRunning), int32(StatusCompleted)) {
		return false
	}
	s.finishedAt.Store(time.Now().UnixNano())
	return true
}

// Fail moves a pending or running job to FAILED and records err as the
// job's fatal error. It returns false once the job is terminal.
func (s *state) Fail(err error) bool {
	for {
		cur := Status(s.status.Load())
		if cur.Terminal() {
			return false
		}
		if s.status.CompareAndSwap(int32(cur), int32(StatusFailed)) {
			break
		}
	}
	msg := "job failed"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	s.fatal.Store(&msg)
	s.appendError(msg)
	now := time.Now().UnixNano()
	s.startedAt.CompareAndSwap(0, now)
	s.finishedAt.Store(now)
	return true
}

// AddError appends a non-fatal error message while the job is running.
func (s *state) AddError(msg string) {
	if s.Status() != StatusRunning {
		return
	}
	s.appendError(msg)
}

func (s *state) appendError(msg string) {
	for {
		old := s.errs.Load()
		var next []string
		if old != nil {
			next = make([]string, len(*old), len(*old)+1)
			copy(next, *old)
		}
		next = append(next, msg)
		if s.errs.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Errors returns the errors recorded so far. The slice is never modified
// after it is returned.
func (s *state) Errors() []string {
	if p := s.errs.Load(); p != nil {
		return *p
	}
	return []string{}
}

// FatalError returns the error that failed the job, or "".
func (s *state) FatalError() string {
	if p := s.fatal.Load(); p != nil {
		return *p
	}
	return ""
}

// add increments c while the job is running.
func (s *state) add(c *atomic.Int64, n int64) {
	if n > 0 && s.Status() == StatusRunning {
		c.Add(n)
	}
}

func (s *state) times() (started, finished *time.Time) {
	return unixTime(s.startedAt.Load()), unixTime(s.finishedAt.Load())
}

func unixTime(nanos int64) *time.Time {
	if nanos == 0 {
		return nil
	}
	t := time.Unix(0, nanos).UTC()
	return &t
}

func percent(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(done) * 100 / float64(total)
	if p > 100 {
		p = 100
	}
	return p
}
