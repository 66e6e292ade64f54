// Package watcher provides debounced filesystem watching for the kbtz
// database and the workspace status directory.
package watcher

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces rapid change bursts (e.g. a WAL checkpoint
// touching several files) into a single notification.
const debounceDelay = 50 * time.Millisecond

// Watcher monitors paths for changes and delivers coalesced events on C.
// The channel has capacity one; an undrained event absorbs later ones.
type Watcher struct {
	C      chan struct{}
	fsw    *fsnotify.Watcher
	filter func(name string) bool
	mu     sync.Mutex
	timer  *time.Timer
}

// NewDir creates a Watcher for every file event in a directory.
func NewDir(dir string) (*Watcher, error) {
	return newWatcher(dir, nil)
}

// NewDB creates a Watcher for a SQLite database file. SQLite writes
// sibling files (-wal, -shm, -journal) next to the main file, so the
// parent directory is watched and events are filtered to names sharing
// the database filename as a prefix.
func NewDB(dbPath string) (*Watcher, error) {
	base := filepath.Base(dbPath)
	dir := filepath.Dir(dbPath)
	return newWatcher(dir, func(name string) bool {
		return strings.HasPrefix(filepath.Base(name), base)
	})
}

func newWatcher(dir string, filter func(string) bool) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return &Watcher{
		C:      make(chan struct{}, 1),
		fsw:    fsw,
		filter: filter,
	}, nil
}

// Run pumps filesystem events into C until the context is canceled.
// Errors from the underlying watcher go to the optional errFn.
func (w *Watcher) Run(ctx context.Context, errFn func(error)) {
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if w.filter != nil && !w.filter(event.Name) {
				continue
			}
			w.debounce()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if errFn != nil {
				errFn(err)
			}
		}
	}
}

// TryRecv drains one pending notification without blocking.
func (w *Watcher) TryRecv() bool {
	select {
	case <-w.C:
		return true
	default:
		return false
	}
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) debounce() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceDelay, func() {
		select {
		case w.C <- struct{}{}:
		default:
		}
	})
}
