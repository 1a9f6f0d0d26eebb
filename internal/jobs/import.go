package jobs

import (
	"sync/atomic"
	"time"
)

// ImportProgress tracks one backup file import. Percent complete is derived
// from bytes consumed since the record count is unknown until the end.
type ImportProgress struct {
	state

	Username string
	File     string

	totalBytes  atomic.Int64
	bytesRead   atomic.Int64
	processed   atomic.Int64
	imported    atomic.Int64
	duplicates  atomic.Int64
	skipped     atomic.Int64
	mediaErrors atomic.Int64
}

// ImportSnapshot is a point-in-time copy of an ImportProgress.
type ImportSnapshot struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	File        string     `json:"file"`
	Status      string     `json:"status"`
	Processed   int64      `json:"processed"`
	Imported    int64      `json:"imported"`
	Duplicates  int64      `json:"duplicates"`
	Skipped     int64      `json:"skipped"`
	MediaErrors int64      `json:"media_errors"`
	BytesRead   int64      `json:"bytes_read"`
	TotalBytes  int64      `json:"total_bytes"`
	Percent     float64    `json:"percent"`
	Errors      []string   `json:"errors"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// NewImportProgress returns a pending import job for a user's file.
func NewImportProgress(username, file string) *ImportProgress {
	return &ImportProgress{state: newState(), Username: username, File: file}
}

// SetTotalBytes records the size of the input once it is known.
func (p *ImportProgress) SetTotalBytes(n int64) {
	if !p.Status().Terminal() {
		p.totalBytes.Store(n)
	}
}

// SetBytesRead records the reader position. The value never moves backward.
func (p *ImportProgress) SetBytesRead(n int64) {
	if p.Status() != StatusRunning {
		return
	}
	for {
		cur := p.bytesRead.Load()
		if n <= cur || p.bytesRead.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (p *ImportProgress) AddProcessed(n int64)   { p.add(&p.processed, n) }
func (p *ImportProgress) AddImported(n int64)    { p.add(&p.imported, n) }
func (p *ImportProgress) AddDuplicates(n int64)  { p.add(&p.duplicates, n) }
func (p *ImportProgress) AddSkipped(n int64)     { p.add(&p.skipped, n) }
func (p *ImportProgress) AddMediaErrors(n int64) { p.add(&p.mediaErrors, n) }

// Processed returns the number of records read so far.
func (p *ImportProgress) Processed() int64 { return p.processed.Load() }

// Imported returns the number of records persisted so far.
func (p *ImportProgress) Imported() int64 { return p.imported.Load() }

// Duplicates returns the number of records rejected as duplicates.
func (p *ImportProgress) Duplicates() int64 { return p.duplicates.Load() }

// Percent returns completion in [0,100]. Completed jobs report 100.
func (p *ImportProgress) Percent() float64 {
	if p.Status() == StatusCompleted {
		return 100
	}
	return percent(p.bytesRead.Load(), p.totalBytes.Load())
}

// Snapshot copies the current progress.
func (p *ImportProgress) Snapshot() ImportSnapshot {
	started, finished := p.times()
	return ImportSnapshot{
		ID:          p.ID(),
		Username:    p.Username,
		File:        p.File,
		Status:      p.Status().String(),
		Processed:   p.processed.Load(),
		Imported:    p.imported.Load(),
		Duplicates:  p.duplicates.Load(),
		Skipped:     p.skipped.Load(),
		MediaErrors: p.mediaErrors.Load(),
		BytesRead:   p.bytesRead.Load(),
		TotalBytes:  p.totalBytes.Load(),
		Percent:     p.Percent(),
		Errors:      p.Errors(),
		Error:       p.FatalError(),
		StartedAt:   started,
		FinishedAt:  finished,
	}
}
