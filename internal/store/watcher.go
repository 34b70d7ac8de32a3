package store

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"sidekick/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches SQLite area files for writes made by other processes
// (for example `sidekick actions reset` while the daemon runs) and refreshes
// the affected areas so their observers see the change.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	areas       map[string]*SQLiteArea // base file name -> area
	dirty       map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a watcher for the given areas.
func NewWatcher(areas ...*SQLiteArea) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher:     fw,
		areas:       make(map[string]*SQLiteArea),
		dirty:       make(map[string]time.Time),
		debounceDur: 150 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for _, a := range areas {
		w.areas[filepath.Base(a.Path())] = a
	}
	return w, nil
}

// Start begins watching. It is non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dirs := make(map[string]bool)
	for _, a := range w.areas {
		dirs[filepath.Dir(a.Path())] = true
	}
	for dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			logging.Get(logging.CategorySettings).Warn("watcher: cannot watch %s: %v", dir, err)
			continue
		}
		logging.Settings("watcher: watching %s", dir)
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategorySettings).Error("watcher: close: %v", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategorySettings).Error("watcher error: %v", err)
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// handleEvent marks the owning area dirty; WAL and journal side files count.
func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	base := filepath.Base(ev.Name)
	for _, suffix := range []string{"-wal", "-journal", "-shm"} {
		base = strings.TrimSuffix(base, suffix)
	}
	if _, ok := w.areas[base]; !ok {
		return
	}
	w.mu.Lock()
	w.dirty[base] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) flush(ctx context.Context) {
	now := time.Now()
	var ready []*SQLiteArea

	w.mu.Lock()
	for name, at := range w.dirty {
		if now.Sub(at) >= w.debounceDur {
			ready = append(ready, w.areas[name])
			delete(w.dirty, name)
		}
	}
	w.mu.Unlock()

	for _, a := range ready {
		n, err := a.Refresh(ctx)
		if err != nil {
			logging.Get(logging.CategorySettings).Warn("watcher: refresh %s: %v", a.Name(), err)
			continue
		}
		if n > 0 {
			logging.Settings("watcher: %d external change(s) in %s area", n, a.Name())
		}
	}
}
