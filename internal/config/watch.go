package config

import (
	"path/filepath"
	"sync"
	"time"

	"evoloop/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the workspace config file and invokes a callback with the
// freshly loaded config on change. The reload fires only after the file has
// been quiet for the debounce window, so editors that truncate-then-write
// never get their half-written intermediate state loaded.
type Watcher struct {
	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	workspace string
	onReload  func(*Config)
	debounce  time.Duration
	stopCh    chan struct{}
	doneCh    chan struct{}
	running   bool
}

// NewWatcher creates a config watcher for the workspace.
func NewWatcher(workspace string, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:   fw,
		workspace: workspace,
		onReload:  onReload,
		debounce:  500 * time.Millisecond,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the watch loop runs in a goroutine.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory, not the file: editors replace the file inode.
	if err := w.watcher.Add(filepath.Dir(Path(w.workspace))); err != nil {
		return err
	}

	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	target := Path(w.workspace)

	// Trailing-edge debounce: every event pushes the reload out by the full
	// window, so a burst of writes is read exactly once, after the last one.
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			cfg, err := Load(w.workspace)
			if err != nil {
				logging.Config("reload skipped, config invalid: %v", err)
				continue
			}
			logging.Config("config reloaded from %s", target)
			w.onReload(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Config("watch error: %v", err)
		}
	}
}

// Stop shuts the watcher down and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.watcher.Close()
	<-w.doneCh
}
