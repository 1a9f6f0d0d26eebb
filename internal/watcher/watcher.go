// Package watcher imports backup files dropped into per-user directories.
//
// The drop directory holds one subdirectory per username. Files with the
// configured extension that have not been modified for the age threshold
// are claimed by moving them into the user's processed/ subdirectory and
// handed to the importer. Scans run on a cron interval, on demand, and
// (optionally) shortly after file-system events.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/JoshFouchey/sms-archive-sub000/internal/fileutil"
	"github.com/JoshFouchey/sms-archive-sub000/internal/importer"
	"github.com/JoshFouchey/sms-archive-sub000/internal/jobs"
	"github.com/JoshFouchey/sms-archive-sub000/internal/store"
)

// ProcessedDirName is the per-user subdirectory claimed files move into.
const ProcessedDirName = "processed"

// DefaultCleanupSchedule runs retention cleanup daily at 03:00.
const DefaultCleanupSchedule = "0 3 * * *"

var (
	// ErrUnknownUser marks a drop subdirectory that names no account.
	ErrUnknownUser = errors.New("no such user")
	// ErrDisabled is returned by ScanNow when the watcher is not enabled.
	ErrDisabled = errors.New("directory watcher is disabled")
	// ErrStopped is returned by ScanNow after Stop.
	ErrStopped = errors.New("directory watcher is stopped")
)

// Config controls a Watcher.
type Config struct {
	Enabled           bool
	Dir               string
	Extension         string
	ScanInterval      time.Duration
	InitialDelay      time.Duration
	AgeThreshold      time.Duration
	DeleteAfterImport bool
	RetentionDays     int
	CleanupSchedule   string // 5-field cron expression
	WatchEvents       bool
}

func (c *Config) setDefaults() {
	if c.Extension == "" {
		c.Extension = ".xml"
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 5 * time.Minute
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.AgeThreshold < 0 {
		c.AgeThreshold = 0
	}
	if c.CleanupSchedule == "" {
		c.CleanupSchedule = DefaultCleanupSchedule
	}
}

// retains reports whether processed files are kept and periodically pruned.
func (c *Config) retains() bool {
	return !c.DeleteAfterImport && c.RetentionDays > 0
}

// Importer starts import jobs.
type Importer interface {
	StartImport(req importer.Request) (*jobs.ImportProgress, error)
}

// Users looks up accounts by the drop subdirectory name.
type Users interface {
	GetUserByUsername(username string) (*store.User, error)
}

// Status is a snapshot of the watcher's state.
type Status struct {
	Enabled                 bool        `json:"enabled"`
	Paused                  bool        `json:"paused"`
	Directory               string      `json:"directory"`
	ScanIntervalSeconds     int64       `json:"scan_interval_seconds"`
	FileAgeThresholdSeconds int64       `json:"file_age_threshold_seconds"`
	DeleteAfterImport       bool        `json:"delete_after_import"`
	RetentionDays           int         `json:"retention_days"`
	InFlight                int         `json:"in_flight"`
	LastScanAt              *time.Time  `json:"last_scan_at,omitempty"`
	LastScan                *ScanResult `json:"last_scan,omitempty"`
	NextScanAt              *time.Time  `json:"next_scan_at,omitempty"`
}

// Watcher scans the drop directory and hands eligible files to an Importer.
type Watcher struct {
	cfg     Config
	imports Importer
	users   Users
	logger  *slog.Logger
	now     func() time.Time

	cron    *cron.Cron
	scanID  cron.EntryID
	paused  atomic.Bool
	scanMu  sync.Mutex // one scan at a time
	initial *time.Timer
	events  *fsnotify.Watcher

	mu         sync.Mutex
	inFlight   map[string]struct{} // "{user}/{file}"
	lastScanAt time.Time
	lastScan   *ScanResult
	started    bool
	stopped    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func cronParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// New returns a Watcher. It fails when the cleanup schedule does not parse.
func New(cfg Config, imports Importer, users Users) (*Watcher, error) {
	cfg.setDefaults()
	if _, err := cronParser().Parse(cfg.CleanupSchedule); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", cfg.CleanupSchedule, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		cfg:      cfg,
		imports:  imports,
		users:    users,
		logger:   slog.Default(),
		now:      time.Now,
		cron:     cron.New(cron.WithParser(cronParser())),
		inFlight: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// WithLogger sets the logger.
func (w *Watcher) WithLogger(logger *slog.Logger) *Watcher {
	w.logger = logger
	return w
}

// Start schedules periodic scans, the retention cleanup and the optional
// event watch. A disabled watcher does nothing.
func (w *Watcher) Start() error {
	if !w.cfg.Enabled {
		w.logger.Info("import directory watcher disabled")
		return nil
	}
	if err := fileutil.SecureMkdirAll(w.cfg.Dir, fileutil.DirPerm); err != nil {
		return fmt.Errorf("create import directory: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.stopped {
		return nil
	}

	id, err := w.cron.AddFunc("@every "+w.cfg.ScanInterval.String(), w.scheduledScan)
	if err != nil {
		return fmt.Errorf("schedule scans: %w", err)
	}
	w.scanID = id
	if w.cfg.retains() {
		if _, err := w.cron.AddFunc(w.cfg.CleanupSchedule, w.scheduledCleanup); err != nil {
			return fmt.Errorf("schedule cleanup: %w", err)
		}
	}
	w.cron.Start()
	w.initial = time.AfterFunc(w.cfg.InitialDelay, w.scheduledScan)

	if w.cfg.WatchEvents {
		if err := w.watchEvents(); err != nil {
			// Interval scans still run.
			w.logger.Warn("file events unavailable", "dir", w.cfg.Dir, "err", err)
		}
	}
	w.started = true

	w.logger.Info("import directory watcher started",
		"dir", w.cfg.Dir,
		"interval", w.cfg.ScanInterval,
		"age_threshold", w.cfg.AgeThreshold,
		"delete_after_import", w.cfg.DeleteAfterImport,
		"retention_days", w.cfg.RetentionDays)
	return nil
}

// Stop halts scheduling and waits for running scans and cleanups. Import
// jobs already handed off keep running on their runner. The returned
// context is done once everything has stopped.
func (w *Watcher) Stop() context.Context {
	w.mu.Lock()
	w.stopped = true
	if w.initial != nil {
		w.initial.Stop()
	}
	events := w.events
	w.mu.Unlock()

	cronCtx := w.cron.Stop()
	w.cancel()
	if events != nil {
		_ = events.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-cronCtx.Done()
		w.wg.Wait()
		cancel()
	}()
	return ctx
}

// Pause suspends scheduled and event-triggered scans.
func (w *Watcher) Pause() {
	w.paused.Store(true)
	w.logger.Info("import directory scanning paused")
}

// Resume re-enables scheduled scans.
func (w *Watcher) Resume() {
	w.paused.Store(false)
	w.logger.Info("import directory scanning resumed")
}

// Paused reports whether scheduled scans are suspended.
func (w *Watcher) Paused() bool {
	return w.paused.Load()
}

// ScanNow runs a scan immediately on the calling goroutine, even while
// paused.
func (w *Watcher) ScanNow() (*ScanResult, error) {
	if !w.cfg.Enabled {
		return nil, ErrDisabled
	}
	if !w.enter() {
		return nil, ErrStopped
	}
	defer w.wg.Done()
	return w.Scan(), nil
}

// enter registers a unit of background work unless the watcher is stopped.
func (w *Watcher) enter() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	w.wg.Add(1)
	return true
}

func (w *Watcher) scheduledScan() {
	if w.paused.Load() {
		w.logger.Debug("import directory scanning is paused")
		return
	}
	if !w.enter() {
		return
	}
	defer w.wg.Done()
	w.Scan()
}

func (w *Watcher) scheduledCleanup() {
	if !w.enter() {
		return
	}
	defer w.wg.Done()
	if _, err := w.Cleanup(); err != nil {
		w.logger.Error("processed file cleanup failed", "err", err)
	}
}

// Status returns a snapshot of the watcher's state.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := Status{
		Enabled:                 w.cfg.Enabled,
		Paused:                  w.paused.Load(),
		Directory:               w.cfg.Dir,
		ScanIntervalSeconds:     int64(w.cfg.ScanInterval / time.Second),
		FileAgeThresholdSeconds: int64(w.cfg.AgeThreshold / time.Second),
		DeleteAfterImport:       w.cfg.DeleteAfterImport,
		RetentionDays:           w.cfg.RetentionDays,
		InFlight:                len(w.inFlight),
	}
	if !w.lastScanAt.IsZero() {
		at := w.lastScanAt
		st.LastScanAt = &at
		res := *w.lastScan
		st.LastScan = &res
	}
	if w.started && !w.stopped {
		if next := w.cron.Entry(w.scanID).Next; !next.IsZero() {
			st.NextScanAt = &next
		}
	}
	return st
}

// acquire marks key in flight. The returned release is safe to call more
// than once; ok is false when key is already in flight.
func (w *Watcher) acquire(key string) (release func(), ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.inFlight[key]; busy {
		return nil, false
	}
	w.inFlight[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.inFlight, key)
			w.mu.Unlock()
		})
	}, true
}
