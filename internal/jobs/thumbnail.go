package jobs

import (
	"sync/atomic"
	"time"
)

// ThumbnailProgress tracks a thumbnail rebuild over a known set of parts.
type ThumbnailProgress struct {
	state

	Username  string
	ContactID int64 // 0 when unfiltered
	Force     bool

	total       atomic.Int64
	processed   atomic.Int64
	regenerated atomic.Int64
	skipped     atomic.Int64
	errored     atomic.Int64
}

// ThumbnailSnapshot is a point-in-time copy of a ThumbnailProgress.
type ThumbnailSnapshot struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	ContactID   int64      `json:"contact_id,omitempty"`
	Force       bool       `json:"force"`
	Status      string     `json:"status"`
	Total       int64      `json:"total"`
	Processed   int64      `json:"processed"`
	Regenerated int64      `json:"regenerated"`
	Skipped     int64      `json:"skipped"`
	ErrorsCount int64      `json:"errors_count"`
	Errors      []string   `json:"errors"`
	Percent     float64    `json:"percent"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// NewThumbnailProgress returns a pending rebuild job.
func NewThumbnailProgress(username string, contactID int64, force bool) *ThumbnailProgress {
	return &ThumbnailProgress{state: newState(), Username: username, ContactID: contactID, Force: force}
}

// SetTotal records the number of parts the job will visit.
func (p *ThumbnailProgress) SetTotal(n int64) {
	if !p.Status().Terminal() {
		p.total.Store(n)
	}
}

// Regenerated counts a part whose thumbnail was written.
func (p *ThumbnailProgress) Regenerated() {
	if p.Status() == StatusRunning {
		p.regenerated.Add(1)
		p.processed.Add(1)
	}
}

// Skipped counts a part left untouched.
func (p *ThumbnailProgress) Skipped() {
	if p.Status() == StatusRunning {
		p.skipped.Add(1)
		p.processed.Add(1)
	}
}

// Errored counts a part that failed and records why.
func (p *ThumbnailProgress) Errored(msg string) {
	if p.Status() == StatusRunning {
		p.errored.Add(1)
		p.processed.Add(1)
		p.AddError(msg)
	}
}

// Percent returns completion in [0,100]. Completed jobs report 100.
func (p *ThumbnailProgress) Percent() float64 {
	if p.Status() == StatusCompleted {
		return 100
	}
	return percent(p.processed.Load(), p.total.Load())
}

// Snapshot copies the current progress.
func (p *ThumbnailProgress) Snapshot() ThumbnailSnapshot {
	started, finished := p.times()
	return ThumbnailSnapshot{
		ID:          p.ID(),
		Username:    p.Username,
		ContactID:   p.ContactID,
		Force:       p.Force,
		Status:      p.Status().String(),
		Total:       p.total.Load(),
		Processed:   p.processed.Load(),
		Regenerated: p.regenerated.Load(),
		Skipped:     p.skipped.Load(),
		ErrorsCount: p.errored.Load(),
		Errors:      p.Errors(),
		Percent:     p.Percent(),
		Error:       p.FatalError(),
		StartedAt:   started,
		FinishedAt:  finished,
	}
}
