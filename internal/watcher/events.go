package watcher

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceSlack is added to the age threshold before an event-triggered
// scan, so a file that stopped changing is old enough when the scan runs.
const debounceSlack = time.Second

// watchEvents subscribes to the drop root and every user directory. Writes
// to matching files schedule a scan once they have been quiet for the age
// threshold. Called by Start with w.mu held.
func (w *Watcher) watchEvents() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.cfg.Dir); err != nil {
		fsw.Close()
		return err
	}
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		fsw.Close()
		return err
	}
	for _, e := range entries {
		if e.IsDir() && !skipDir(e.Name()) {
			w.addUserDir(fsw, filepath.Join(w.cfg.Dir, e.Name()))
		}
	}

	w.events = fsw
	w.wg.Add(1)
	go w.eventLoop(fsw)
	return nil
}

func (w *Watcher) addUserDir(fsw *fsnotify.Watcher, dir string) {
	if err := fsw.Add(dir); err != nil {
		w.logger.Warn("cannot watch user drop directory", "dir", dir, "err", err)
	}
}

func (w *Watcher) eventLoop(fsw *fsnotify.Watcher) {
	defer w.wg.Done()

	delay := w.cfg.AgeThreshold + debounceSlack
	// debounce is nil while idle and armed after a relevant event.
	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(fsw, ev) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(delay)
				fire = debounce.C
			} else {
				debounce.Reset(delay)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file event error", "err", err)
		case <-fire:
			debounce, fire = nil, nil
			go w.scheduledScan()
		}
	}
}

// relevant reports whether ev should trigger a scan. New user directories
// are added to the watch as a side effect.
func (w *Watcher) relevant(fsw *fsnotify.Watcher, ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return false
	}
	parent := filepath.Dir(ev.Name)
	if filepath.Clean(parent) == filepath.Clean(w.cfg.Dir) {
		if ev.Has(fsnotify.Create) && !skipDir(filepath.Base(ev.Name)) {
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				w.addUserDir(fsw, ev.Name)
				// Files may have landed before the watch was added.
				return true
			}
		}
		return false
	}
	return w.matches(ev.Name)
}
