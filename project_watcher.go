// perlcomplete/project_watcher.go
// Watches project directories and triggers a re-index when the file set changes.
package perlcomplete

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrWatcherClosed is returned by Watch after Close.
var ErrWatcherClosed = errors.New("project watcher closed")

// ProjectWatcher calls onChange once the project's file set has been quiet for
// the debounce period after a file was created, removed or renamed.
type ProjectWatcher struct {
	watcher    *fsnotify.Watcher
	extensions []string
	debounce   time.Duration
	onChange   func()
	logger     *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewProjectWatcher starts an fsnotify watcher. Call Watch for each project root.
func NewProjectWatcher(extensions []string, debounce time.Duration, onChange func(), logger *slog.Logger) (*ProjectWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = defaultIndexDebounceMs * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &ProjectWatcher{
		watcher:    fsw,
		extensions: extensions,
		debounce:   debounce,
		onChange:   onChange,
		logger:     logger.With("component", "ProjectWatcher"),
		closeCh:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.processLoop()
	return w, nil
}

// Watch adds root and every directory below it, skipping VCS and build directories.
func (w *ProjectWatcher) Watch(root string) error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return ErrWatcherClosed
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	return filepath.WalkDir(absRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != absRoot && skippedDirs[d.Name()] {
			return filepath.SkipDir
		}
		if addErr := w.watcher.Add(p); addErr != nil {
			w.logger.Warn("Failed to watch directory", "path", p, "error", addErr)
		}
		return nil
	})
}

func (w *ProjectWatcher) processLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.closeCh:
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
			w.logger.Warn("Watcher error", "error", err)
		}
	}
}

func (w *ProjectWatcher) handleEvent(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !skippedDirs[filepath.Base(ev.Name)] {
				if err := w.Watch(ev.Name); err != nil {
					w.logger.Debug("Failed to watch new directory", "path", ev.Name, "error", err)
				}
			}
			return
		}
	}
	if !w.isProjectFile(ev.Name) {
		return
	}
	w.logger.Debug("Project file set changed", "path", ev.Name, "op", ev.Op.String())
	w.schedule()
}

func (w *ProjectWatcher) isProjectFile(p string) bool {
	if len(w.extensions) == 0 {
		return true
	}
	ext := filepath.Ext(p)
	for _, e := range w.extensions {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

func (w *ProjectWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *ProjectWatcher) fire() {
	w.mu.Lock()
	closed := w.closed
	w.timer = nil
	w.mu.Unlock()
	if closed || w.onChange == nil {
		return
	}
	w.onChange()
}

// Close stops watching. A pending re-index is cancelled.
func (w *ProjectWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	close(w.closeCh)
	w.mu.Unlock()

	w.wg.Wait()
	return w.watcher.Close()
}
