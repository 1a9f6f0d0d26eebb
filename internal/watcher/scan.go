package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/JoshFouchey/sms-archive-sub000/internal/fileutil"
	"github.com/JoshFouchey/sms-archive-sub000/internal/importer"
	"github.com/JoshFouchey/sms-archive-sub000/internal/jobs"
)

// ScanResult summarizes one scan of the drop directory.
type ScanResult struct {
	Found     int      `json:"found"`
	Started   int      `json:"started"`
	TooRecent int      `json:"too_recent"`
	InFlight  int      `json:"in_flight"`
	JobIDs    []string `json:"job_ids"`
	Errors    []string `json:"errors"`
}

func (r *ScanResult) fail(err error) {
	r.Errors = append(r.Errors, err.Error())
}

// Scan walks every user directory once and starts an import for each
// eligible file. Problems with one directory or file are recorded in the
// result and do not stop the scan.
func (w *Watcher) Scan() *ScanResult {
	w.scanMu.Lock()
	defer w.scanMu.Unlock()

	res := &ScanResult{JobIDs: []string{}, Errors: []string{}}
	for _, username := range w.userDirs(res) {
		user, err := w.users.GetUserByUsername(username)
		if err != nil {
			res.fail(fmt.Errorf("look up user %s: %w", username, err))
			continue
		}
		if user == nil {
			w.logger.Warn("skipping drop directory", "user", username, "err", ErrUnknownUser)
			res.fail(fmt.Errorf("%w: %s", ErrUnknownUser, username))
			continue
		}
		w.scanUser(res, username)
	}

	w.mu.Lock()
	w.lastScanAt = w.now()
	w.lastScan = res
	w.mu.Unlock()

	if res.Found > 0 || len(res.Errors) > 0 {
		w.logger.Info("import directory scan complete",
			"found", res.Found, "started", res.Started,
			"too_recent", res.TooRecent, "in_flight", res.InFlight, "errors", len(res.Errors))
	}
	return res
}

// userDirs lists candidate user directories under the drop root.
func (w *Watcher) userDirs(res *ScanResult) []string {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		w.logger.Error("cannot read import directory", "dir", w.cfg.Dir, "err", err)
		res.fail(fmt.Errorf("read import directory: %w", err))
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !skipDir(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names
}

func skipDir(name string) bool {
	return name == ProcessedDirName || strings.HasPrefix(name, ".")
}

func (w *Watcher) matches(name string) bool {
	return strings.EqualFold(filepath.Ext(name), w.cfg.Extension)
}

func (w *Watcher) scanUser(res *ScanResult, username string) {
	userDir := filepath.Join(w.cfg.Dir, username)
	entries, err := os.ReadDir(userDir)
	if err != nil {
		w.logger.Error("cannot read user drop directory", "user", username, "err", err)
		res.fail(fmt.Errorf("read %s: %w", userDir, err))
		return
	}

	now := w.now()
	for _, e := range entries {
		if !e.Type().IsRegular() || !w.matches(e.Name()) {
			continue
		}
		res.Found++

		key := username + "/" + e.Name()
		release, ok := w.acquire(key)
		if !ok {
			res.InFlight++
			continue
		}

		info, err := e.Info()
		if err != nil {
			release()
			res.fail(fmt.Errorf("stat %s: %w", key, err))
			continue
		}
		if now.Sub(info.ModTime()) < w.cfg.AgeThreshold {
			release()
			res.TooRecent++
			continue
		}

		id, err := w.process(username, userDir, e.Name(), release)
		if err != nil {
			w.logger.Error("failed to start import", "user", username, "file", e.Name(), "err", err)
			res.fail(fmt.Errorf("%s: %w", key, err))
			continue
		}
		res.Started++
		res.JobIDs = append(res.JobIDs, id)
	}
}

// process claims one file and starts its import. release runs exactly once,
// when the job is terminal or when the hand-off fails.
func (w *Watcher) process(username, userDir, name string, release func()) (string, error) {
	src := filepath.Join(userDir, name)
	claimed, err := w.claim(src, filepath.Join(userDir, ProcessedDirName))
	if err != nil {
		release()
		return "", err
	}

	p, err := w.imports.StartImport(importer.Request{
		Username: username,
		Path:     claimed,
		OnFinish: func(p *jobs.ImportProgress) {
			defer release()
			w.finish(p, claimed)
		},
	})
	if err != nil {
		// Put the file back so the next scan retries it.
		if mvErr := fileutil.MoveFile(claimed, src); mvErr != nil {
			w.logger.Error("cannot restore claimed file", "file", claimed, "err", mvErr)
		}
		release()
		return "", err
	}
	w.logger.Info("import job started", "job", p.ID(), "user", username, "file", name)
	return p.ID(), nil
}

// claim moves src into dir. A name already taken there gets the current
// time in milliseconds appended to its stem.
func (w *Watcher) claim(src, dir string) (string, error) {
	if err := fileutil.SecureMkdirAll(dir, fileutil.DirPerm); err != nil {
		return "", fmt.Errorf("create processed dir: %w", err)
	}
	name := filepath.Base(src)
	millis := strconv.FormatInt(w.now().UnixMilli(), 10)
	for _, candidate := range []string{name, fileutil.WithSuffix(name, millis)} {
		dst := filepath.Join(dir, candidate)
		f, err := fileutil.CreateExclusive(dst, fileutil.FilePerm)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("reserve %s: %w", dst, err)
		}
		f.Close()
		if err := fileutil.MoveFile(src, dst); err != nil {
			_ = os.Remove(dst)
			return "", fmt.Errorf("claim %s: %w", name, err)
		}
		return dst, nil
	}
	return "", fmt.Errorf("claim %s: no free name in %s", name, dir)
}

func (w *Watcher) finish(p *jobs.ImportProgress, claimed string) {
	w.logger.Info("watched import finished",
		"job", p.ID(), "user", p.Username, "file", p.File, "status", p.Status())
	if !w.cfg.DeleteAfterImport {
		return
	}
	if err := os.Remove(claimed); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.logger.Warn("cannot delete imported file", "file", claimed, "err", err)
		return
	}
	w.logger.Info("deleted imported file", "file", claimed)
}

// Cleanup deletes processed files older than the retention period and
// returns how many were removed. It does nothing when imported files are
// deleted immediately or retention is disabled.
func (w *Watcher) Cleanup() (int, error) {
	if !w.cfg.retains() {
		return 0, nil
	}
	var res ScanResult
	users := w.userDirs(&res)
	if len(res.Errors) > 0 {
		return 0, errors.New(res.Errors[0])
	}

	cutoff := w.now().Add(-time.Duration(w.cfg.RetentionDays) * 24 * time.Hour)
	deleted := 0
	for _, username := range users {
		dir := filepath.Join(w.cfg.Dir, username, ProcessedDirName)
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			w.logger.Error("cannot read processed directory", "dir", dir, "err", err)
			continue
		}
		for _, e := range entries {
			if !e.Type().IsRegular() || !w.matches(e.Name()) {
				continue
			}
			info, err := e.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				w.logger.Warn("cannot delete old processed file", "file", e.Name(), "err", err)
				continue
			}
			deleted++
		}
	}
	if deleted > 0 {
		w.logger.Info("processed file cleanup complete", "deleted", deleted, "retention_days", w.cfg.RetentionDays)
	}
	return deleted, nil
}
