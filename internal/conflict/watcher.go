// Package conflict watches the workspace for file changes made outside
// the agents' own tool calls, such as a user editing in parallel or a
// build process rewriting outputs. Agents report their own modifications
// through the scheduler; this watcher catches everything else so the
// orchestrator can warn when an external edit lands on a file an active
// agent is working on.
package conflict

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tandem-dev/tandem/internal/logging"
)

// DefaultDebounce is how long the watcher coalesces bursts of events for
// one save; editors often emit several events per write.
const DefaultDebounce = 50 * time.Millisecond

// Change is one debounced external modification.
type Change struct {
	// Path is relative to the watched root.
	Path string
	At   time.Time
}

// Watcher observes a workspace root recursively and reports write and
// create events, debounced, through a callback.
type Watcher struct {
	root    string
	watcher *fsnotify.Watcher
	logger  *logging.Logger

	debounce    time.Duration
	ignoreNames []string
	onChange    func(Change)

	mu     sync.Mutex
	recent map[string]time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

// WithDebounce overrides the event coalescing window.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithIgnoreNames replaces the directory and file names skipped while
// watching.
func WithIgnoreNames(names []string) Option {
	return func(w *Watcher) { w.ignoreNames = names }
}

// WithChangeFunc registers the callback for debounced changes.
func WithChangeFunc(fn func(Change)) Option {
	return func(w *Watcher) { w.onChange = fn }
}

// New creates a Watcher for root. Call Start to begin observing.
func New(root string, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:        root,
		watcher:     fsw,
		logger:      logging.NopLogger(),
		debounce:    DefaultDebounce,
		ignoreNames: []string{".git", ".tandem", "node_modules", ".DS_Store"},
		recent:      make(map[string]time.Time),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := w.watchRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// watchRecursive registers root and every non-ignored subdirectory.
// fsnotify watches directories, not trees.
func (w *Watcher) watchRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if w.ignored(filepath.Base(path)) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				w.logger.Warn("watch failed", "path", path, "error", err)
			}
		}
		return nil
	})
}

func (w *Watcher) ignored(name string) bool {
	for _, ignore := range w.ignoreNames {
		if name == ignore {
			return true
		}
	}
	return false
}

// Start begins delivering change callbacks.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop ends observation and waits for the loop to exit.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
	w.wg.Wait()
}

// RecentChanges returns the external changes seen in the last maxAge.
func (w *Watcher) RecentChanges(maxAge time.Duration) []Change {
	cutoff := time.Now().Add(-maxAge)

	w.mu.Lock()
	defer w.mu.Unlock()
	var changes []Change
	for path, at := range w.recent {
		if at.After(cutoff) {
			changes = append(changes, Change{Path: path, At: at})
		} else {
			delete(w.recent, path)
		}
	}
	return changes
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	pending := make(map[string]struct{})

	for {
		select {
		case <-w.stopCh:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if w.ignoredPath(ev.Name) {
				continue
			}

			// New directories must be added to the watch set or events
			// inside them are lost.
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					w.watchRecursive(ev.Name)
					continue
				}
			}

			pending[ev.Name] = struct{}{}
			timer.Reset(w.debounce)

		case <-timer.C:
			batch := pending
			pending = make(map[string]struct{})
			for path := range batch {
				w.report(path)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) ignoredPath(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return true
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if w.ignored(part) {
			return true
		}
	}
	return false
}

func (w *Watcher) report(path string) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return
	}
	change := Change{Path: rel, At: time.Now()}

	w.mu.Lock()
	w.recent[rel] = change.At
	w.mu.Unlock()

	w.logger.Debug("external change", "path", rel)
	if w.onChange != nil {
		w.onChange(change)
	}
}
