package engine

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"oprime/internal/logging"
)

// =============================================================================
// RESULT FILE WATCHER
// =============================================================================

// resultWatcher waits for the Worker's result file to appear in the logs
// directory. It is one-shot: each wait cycle creates a fresh watcher, and
// the goroutine exits after reporting a single hit. Only creations of the
// exact filename directly inside the watched directory count; events for
// other names or for subdirectories (like processed/) are discarded.
type resultWatcher struct {
	fsw      *fsnotify.Watcher
	dir      string
	filename string
	debounce time.Duration
	onResult func(path string)

	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.Mutex
	stopped bool
}

// startResultWatcher begins watching dir for filename. onResult runs on the
// watcher goroutine after the debounce settle delay; it must not block.
func startResultWatcher(dir, filename string, debounce time.Duration, onResult func(string)) (*resultWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		fsw.Close()
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	rw := &resultWatcher{
		fsw:      fsw,
		dir:      filepath.Clean(dir),
		filename: filename,
		debounce: debounce,
		onResult: onResult,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go rw.run()
	logging.Watcher("Watching %s for %s", rw.dir, rw.filename)
	return rw, nil
}

// stop signals the goroutine and joins it with a bounded wait. A goroutine
// that fails to exit in time is logged and abandoned; its late callback is
// discarded by the engine's state and epoch checks.
func (rw *resultWatcher) stop() {
	rw.mu.Lock()
	if rw.stopped {
		rw.mu.Unlock()
		return
	}
	rw.stopped = true
	rw.mu.Unlock()

	close(rw.stopCh)
	select {
	case <-rw.doneCh:
	case <-time.After(5 * time.Second):
		logging.WatcherWarn("Watcher goroutine did not stop within 5s, abandoning")
	}

	if err := rw.fsw.Close(); err != nil {
		logging.WatcherWarn("Error closing watcher: %v", err)
	}
	logging.WatcherDebug("Watcher on %s stopped", rw.dir)
}

func (rw *resultWatcher) run() {
	defer close(rw.doneCh)

	// The instruction file is written before this watcher is armed, so a
	// fast Worker may already have produced the result. Check once up front
	// rather than waiting for a creation event that will never come.
	target := filepath.Join(rw.dir, rw.filename)
	if _, err := os.Stat(target); err == nil {
		logging.Watcher("Result file already present at arm time: %s", target)
		rw.settleAndReport(target)
		return
	}

	for {
		select {
		case <-rw.stopCh:
			return

		case event, ok := <-rw.fsw.Events:
			if !ok {
				logging.WatcherDebug("Event channel closed")
				return
			}
			if !rw.matches(event) {
				logging.WatcherDebug("Ignoring event: %s %s", event.Op, event.Name)
				continue
			}
			logging.Watcher("Result file created: %s", event.Name)
			rw.settleAndReport(event.Name)
			return

		case err, ok := <-rw.fsw.Errors:
			if !ok {
				return
			}
			logging.WatcherWarn("Watcher error: %v", err)
		}
	}
}

// matches accepts only a creation of the configured filename directly in
// the watched directory.
func (rw *resultWatcher) matches(event fsnotify.Event) bool {
	if event.Op&fsnotify.Create == 0 {
		return false
	}
	if filepath.Base(event.Name) != rw.filename {
		return false
	}
	return filepath.Dir(filepath.Clean(event.Name)) == rw.dir
}

// settleAndReport waits out the debounce window so the Worker has finished
// writing, then reports the hit unless the watcher was stopped meanwhile.
func (rw *resultWatcher) settleAndReport(path string) {
	if rw.debounce > 0 {
		timer := time.NewTimer(rw.debounce)
		defer timer.Stop()
		select {
		case <-rw.stopCh:
			return
		case <-timer.C:
		}
	}
	rw.onResult(path)
}
