package watcher

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/JoshFouchey/sms-archive-sub000/internal/importer"
	"github.com/JoshFouchey/sms-archive-sub000/internal/jobs"
	"github.com/JoshFouchey/sms-archive-sub000/internal/store"
	"github.com/JoshFouchey/sms-archive-sub000/internal/testutil"
)

type fakeImporter struct {
	mu   sync.Mutex
	reqs []importer.Request
	held []*heldJob
	err  error
	hold bool
}

type heldJob struct {
	p   *jobs.ImportProgress
	req importer.Request
}

func (f *fakeImporter) StartImport(req importer.Request) (*jobs.ImportProgress, error) {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return nil, f.err
	}
	p := jobs.NewImportProgress(req.Username, filepath.Base(req.Path))
	f.reqs = append(f.reqs, req)
	hold := f.hold
	if hold {
		f.held = append(f.held, &heldJob{p: p, req: req})
	}
	f.mu.Unlock()

	if !hold {
		p.Start()
		p.Complete()
		req.OnFinish(p)
	}
	return p, nil
}

func (f *fakeImporter) finishHeld() {
	f.mu.Lock()
	held := f.held
	f.held = nil
	f.mu.Unlock()
	for _, h := range held {
		h.p.Start()
		h.p.Complete()
		h.req.OnFinish(h.p)
	}
}

func (f *fakeImporter) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.reqs {
		out = append(out, r.Username+":"+r.Path)
	}
	return out
}

type fakeUsers map[string]bool

func (u fakeUsers) GetUserByUsername(name string) (*store.User, error) {
	if !u[name] {
		return nil, nil
	}
	return &store.User{ID: 1, Username: name}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	w    *Watcher
	imp  *fakeImporter
	root string
	now  time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	root := filepath.Join(t.TempDir(), "drop")
	cfg.Dir = root
	cfg.Enabled = true
	if cfg.AgeThreshold == 0 {
		cfg.AgeThreshold = 30 * time.Second
	}
	imp := &fakeImporter{}
	w, err := New(cfg, imp, fakeUsers{"alice": true, "bob": true})
	testutil.MustNoErr(t, err, "New")
	w.WithLogger(testLogger())
	now := time.Now()
	w.now = func() time.Time { return now }
	return &fixture{w: w, imp: imp, root: root, now: now}
}

// drop writes a file into a user's directory, aged by age.
func (f *fixture) drop(t *testing.T, user, name string, age time.Duration) string {
	t.Helper()
	p := testutil.WriteFile(t, filepath.Join(f.root, user), name, []byte("<smses/>"))
	testutil.Backdate(t, p, age)
	return p
}

func (f *fixture) processed(user string) string {
	return filepath.Join(f.root, user, ProcessedDirName)
}

func TestScan_ClaimsEligibleFiles(t *testing.T) {
	f := newFixture(t, Config{})
	src := f.drop(t, "alice", "backup.xml", time.Hour)
	f.drop(t, "alice", "UPPER.XML", time.Hour)
	f.drop(t, "alice", "notes.txt", time.Hour)

	res := f.w.Scan()

	if res.Found != 2 || res.Started != 2 || len(res.Errors) != 0 {
		t.Errorf("scan result = %+v", res)
	}
	testutil.MustNotExist(t, src)
	want := []string{
		"alice:" + filepath.Join(f.processed("alice"), "UPPER.XML"),
		"alice:" + filepath.Join(f.processed("alice"), "backup.xml"),
	}
	if diff := cmp.Diff(want, f.imp.paths()); diff != "" {
		t.Errorf("import requests mismatch (-want +got):\n%s", diff)
	}
	testutil.AssertStrings(t, testutil.ListFiles(t, filepath.Join(f.root, "alice")), "notes.txt")
	if n := f.w.Status().InFlight; n != 0 {
		t.Errorf("in flight after completed jobs = %d, want 0", n)
	}
}

func TestScan_AgeGate(t *testing.T) {
	f := newFixture(t, Config{AgeThreshold: time.Minute})
	fresh := f.drop(t, "alice", "fresh.xml", 10*time.Second)

	res := f.w.Scan()

	if res.Found != 1 || res.TooRecent != 1 || res.Started != 0 {
		t.Errorf("scan result = %+v", res)
	}
	testutil.MustExist(t, fresh)
	if f.w.Status().InFlight != 0 {
		t.Error("skipped file left in flight")
	}
}

func TestScan_SkipsUnknownUsersAndReservedDirs(t *testing.T) {
	f := newFixture(t, Config{})
	ghost := f.drop(t, "ghost", "x.xml", time.Hour)
	f.drop(t, ".trash", "y.xml", time.Hour)
	f.drop(t, ProcessedDirName, "z.xml", time.Hour)
	f.drop(t, "bob", "ok.xml", time.Hour)

	res := f.w.Scan()

	if res.Started != 1 {
		t.Errorf("started = %d, want 1", res.Started)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], ErrUnknownUser.Error()) {
		t.Errorf("errors = %v, want one unknown-user error", res.Errors)
	}
	testutil.MustExist(t, ghost)
}

func TestScan_InFlightFileNotReprocessed(t *testing.T) {
	f := newFixture(t, Config{})
	f.imp.hold = true
	f.drop(t, "alice", "backup.xml", time.Hour)

	first := f.w.Scan()
	if first.Started != 1 {
		t.Fatalf("first scan = %+v", first)
	}
	if n := f.w.Status().InFlight; n != 1 {
		t.Fatalf("in flight = %d, want 1", n)
	}

	// Same name dropped again while the first job still runs.
	f.drop(t, "alice", "backup.xml", time.Hour)
	second := f.w.Scan()
	if second.InFlight != 1 || second.Started != 0 {
		t.Errorf("second scan = %+v", second)
	}

	f.imp.finishHeld()
	third := f.w.Scan()
	if third.Started != 1 {
		t.Fatalf("third scan = %+v", third)
	}
	renamed := "backup_" + strconv.FormatInt(f.now.UnixMilli(), 10) + ".xml"
	testutil.AssertStrings(t, testutil.ListFiles(t, f.processed("alice")), "backup.xml", renamed)
}

func TestScan_DeleteAfterImport(t *testing.T) {
	f := newFixture(t, Config{DeleteAfterImport: true})
	f.imp.hold = true
	f.drop(t, "alice", "backup.xml", time.Hour)

	if res := f.w.Scan(); res.Started != 1 {
		t.Fatalf("scan = %+v", res)
	}
	claimed := filepath.Join(f.processed("alice"), "backup.xml")
	testutil.MustExist(t, claimed)

	f.imp.finishHeld()
	testutil.MustNotExist(t, claimed)
}

func TestScan_HandOffFailureRestoresFile(t *testing.T) {
	f := newFixture(t, Config{})
	f.imp.err = jobs.ErrQueueFull
	src := f.drop(t, "alice", "backup.xml", time.Hour)

	res := f.w.Scan()

	if res.Started != 0 || len(res.Errors) != 1 {
		t.Errorf("scan = %+v", res)
	}
	testutil.MustExist(t, src)
	if n := len(testutil.ListFiles(t, f.processed("alice"))); n != 0 {
		t.Errorf("processed files = %d, want 0", n)
	}
	if f.w.Status().InFlight != 0 {
		t.Error("failed hand-off left file in flight")
	}

	f.imp.err = nil
	if res := f.w.Scan(); res.Started != 1 {
		t.Errorf("retry scan = %+v", res)
	}
}

func TestCleanup_RetentionPeriod(t *testing.T) {
	f := newFixture(t, Config{RetentionDays: 7})
	dir := f.processed("alice")
	for name, age := range map[string]time.Duration{
		"old.xml":    8 * 24 * time.Hour,
		"recent.xml": 24 * time.Hour,
		"old.txt":    8 * 24 * time.Hour,
	} {
		testutil.Backdate(t, testutil.WriteFile(t, dir, name, []byte("x")), age)
	}

	n, err := f.w.Cleanup()
	testutil.MustNoErr(t, err, "Cleanup")
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	testutil.AssertStrings(t, testutil.ListFiles(t, dir), "old.txt", "recent.xml")
}

func TestCleanup_SkippedWithoutRetention(t *testing.T) {
	for _, cfg := range []Config{
		{RetentionDays: 7, DeleteAfterImport: true},
		{RetentionDays: 0},
	} {
		f := newFixture(t, cfg)
		old := testutil.WriteFile(t, f.processed("alice"), "old.xml", []byte("x"))
		testutil.Backdate(t, old, 30*24*time.Hour)

		n, err := f.w.Cleanup()
		if err != nil || n != 0 {
			t.Errorf("Cleanup(%+v) = %d, %v; want 0, nil", cfg, n, err)
		}
		testutil.MustExist(t, old)
	}
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, Config{})
	f.drop(t, "alice", "backup.xml", time.Hour)

	f.w.Pause()
	f.w.scheduledScan()
	if st := f.w.Status(); !st.Paused || st.LastScanAt != nil {
		t.Errorf("paused status = %+v", st)
	}

	res, err := f.w.ScanNow()
	testutil.MustNoErr(t, err, "ScanNow")
	if res.Started != 1 {
		t.Errorf("ScanNow while paused = %+v", res)
	}

	f.w.Resume()
	st := f.w.Status()
	if st.Paused || st.LastScanAt == nil || st.LastScan == nil || st.LastScan.Started != 1 {
		t.Errorf("resumed status = %+v", st)
	}
}

func TestStatus_ReportsConfiguration(t *testing.T) {
	f := newFixture(t, Config{ScanInterval: 2 * time.Minute, RetentionDays: 3, DeleteAfterImport: true})
	got := f.w.Status()
	want := Status{
		Enabled:                 true,
		Directory:               f.root,
		ScanIntervalSeconds:     120,
		FileAgeThresholdSeconds: 30,
		DeleteAfterImport:       true,
		RetentionDays:           3,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Status() mismatch (-want +got):\n%s", diff)
	}
}

func TestScanNow_DisabledAndStopped(t *testing.T) {
	w, err := New(Config{Dir: t.TempDir()}, &fakeImporter{}, fakeUsers{})
	testutil.MustNoErr(t, err, "New")
	if _, err := w.ScanNow(); !errors.Is(err, ErrDisabled) {
		t.Errorf("ScanNow on disabled watcher = %v, want ErrDisabled", err)
	}
	testutil.MustNoErr(t, w.Start(), "Start disabled")

	f := newFixture(t, Config{})
	<-f.w.Stop().Done()
	if _, err := f.w.ScanNow(); !errors.Is(err, ErrStopped) {
		t.Errorf("ScanNow after Stop = %v, want ErrStopped", err)
	}
}

func TestNew_InvalidCleanupSchedule(t *testing.T) {
	if _, err := New(Config{CleanupSchedule: "every day"}, &fakeImporter{}, fakeUsers{}); err == nil {
		t.Error("New with invalid cleanup schedule = nil error")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStart_InitialScan(t *testing.T) {
	f := newFixture(t, Config{ScanInterval: time.Hour, RetentionDays: 7})
	f.drop(t, "alice", "backup.xml", time.Hour)

	testutil.MustNoErr(t, f.w.Start(), "Start")
	defer func() { <-f.w.Stop().Done() }()

	waitFor(t, "initial scan", func() bool { return len(f.imp.paths()) == 1 })
	if st := f.w.Status(); st.NextScanAt == nil {
		t.Errorf("status after start = %+v, want next scan time", st)
	}
}

func TestStart_FileEventsTriggerScan(t *testing.T) {
	f := newFixture(t, Config{
		ScanInterval: time.Hour,
		InitialDelay: time.Hour,
		AgeThreshold: time.Nanosecond,
		WatchEvents:  true,
	})
	f.w.now = time.Now
	testutil.WriteFile(t, filepath.Join(f.root, "alice"), "keep.txt", nil)

	testutil.MustNoErr(t, f.w.Start(), "Start")
	defer func() { <-f.w.Stop().Done() }()

	testutil.WriteFile(t, filepath.Join(f.root, "alice"), "late.xml", []byte("<smses/>"))
	waitFor(t, "event-triggered import", func() bool { return len(f.imp.paths()) == 1 })
}
