// Package watcher reports debounced file changes below a set of paths.
package watcher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/butter-bot-machines/corral/pkg/logging"
	"github.com/butter-bot-machines/corral/pkg/timing"
)

// Defaults for event coalescing
const (
	DefaultDebounce = 500 * time.Millisecond
	DefaultMaxDelay = 5 * time.Second
)

// Options configures a Watcher
type Options struct {
	// Paths are watched recursively; files are watched directly
	Paths []string
	// Ignore holds base-name glob patterns skipped anywhere in a path
	Ignore []string
	// Debounce and MaxDelay shape event coalescing
	Debounce time.Duration
	MaxDelay time.Duration

	Clock  timing.Clock
	Logger logging.Logger
}

// Watcher calls its handler once per burst of file changes
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	handler   func(path string)
	debouncer Debouncer
	ignore    []string
	logger    logging.Logger

	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// New starts watching opts.Paths. handler receives the last changed path
// of each burst and runs on its own goroutine.
func New(opts Options, handler func(path string)) (*Watcher, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if len(opts.Paths) == 0 {
		return nil, fmt.Errorf("no paths to watch")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		fsWatcher: fsWatcher,
		handler:   handler,
		debouncer: NewDebouncer(opts.Debounce, opts.MaxDelay, opts.Clock),
		ignore:    opts.Ignore,
		logger:    opts.Logger,
		done:      make(chan struct{}),
	}

	for _, path := range opts.Paths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			fsWatcher.Close()
			return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
		}
		if err := w.addTree(absPath); err != nil {
			fsWatcher.Close()
			return nil, fmt.Errorf("failed to watch path %s: %w", absPath, err)
		}
		w.logger.Debug("watching path", "path", absPath)
	}

	w.wg.Add(1)
	go w.watch()

	return w, nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.done)
	w.mu.Unlock()

	w.wg.Wait()
	w.debouncer.Stop()
	return w.fsWatcher.Close()
}

// WatchList returns the watched directories and files
func (w *Watcher) WatchList() []string {
	return w.fsWatcher.WatchList()
}

func (w *Watcher) addTree(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.fsWatcher.Add(root)
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, not fatal
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignored(path) {
			return filepath.SkipDir
		}
		return w.fsWatcher.Add(path)
	})
}

// ignored reports whether any element of path matches an ignore pattern
func (w *Watcher) ignored(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == "" {
			continue
		}
		for _, pat := range w.ignore {
			if ok, _ := filepath.Match(pat, part); ok {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) watch() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod || w.ignored(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.logger.Warn("cannot watch new directory", "path", event.Name, "error", err)
					}
				}
			}
			name := event.Name
			w.debouncer.Debounce("change", func() {
				w.handler(name)
			})
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}
