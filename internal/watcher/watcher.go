package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/halcyonlab/persistguard/internal/models"
)

// DefaultCooldown is the per-path debounce window
const DefaultCooldown = 5 * time.Second

// EventType classifies a surviving filesystem event
type EventType string

const (
	EventCreated  EventType = "created"
	EventDeleted  EventType = "deleted"
	EventModified EventType = "modified"
	EventRenamed  EventType = "renamed"
)

// Event is a coalesced, filtered directory change
type Event struct {
	Path      string          `json:"path"`
	Type      EventType       `json:"type"`
	Category  models.Category `json:"category"`
	Timestamp time.Time       `json:"timestamp"`
}

// Callback receives surviving events
type Callback func(Event)

// DirectoryWatcher wraps one native recursive watch for a category,
// filtering noise and debouncing repeated events per path.
type DirectoryWatcher struct {
	category models.Category
	paths    []string
	cooldown time.Duration
	callback Callback
	log      *zap.Logger

	mu       sync.Mutex
	running  bool
	fw       *fsnotify.Watcher
	timers   map[string]*time.Timer
	lastEmit map[string]time.Time
	done     chan struct{}
}

// NewDirectoryWatcher creates a watcher for one category over the given
// root paths. A zero cooldown selects the default.
func NewDirectoryWatcher(category models.Category, paths []string, cooldown time.Duration, callback Callback, log *zap.Logger) *DirectoryWatcher {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &DirectoryWatcher{
		category: category,
		paths:    paths,
		cooldown: cooldown,
		callback: callback,
		log:      log.Named("watcher").With(zap.String("category", string(category))),
		timers:   make(map[string]*time.Timer),
		lastEmit: make(map[string]time.Time),
	}
}

// Start resolves the configured paths to those that exist and opens the
// native watch. If none of the paths exist the watcher stays stopped and
// Start returns nil; there is nothing to watch.
func (w *DirectoryWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	var existing []string
	for _, p := range w.paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		w.log.Debug("no watchable paths exist, watcher not started")
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	for _, root := range existing {
		if err := addRecursive(fw, root); err != nil {
			w.log.Warn("failed to watch path", zap.String("path", root), zap.Error(err))
		}
	}

	w.fw = fw
	w.done = make(chan struct{})
	w.running = true

	go w.consume(fw, w.done)

	w.log.Info("watching", zap.Strings("paths", existing))
	return nil
}

// addRecursive registers a watch on root and every directory below it
func addRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, keep going
		}
		if d.IsDir() {
			if err := fw.Add(path); err != nil {
				return nil
			}
		}
		return nil
	})
}

// Stop tears down the native watch and cancels pending debounce timers.
// Idempotent.
func (w *DirectoryWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	w.running = false

	close(w.done)
	if w.fw != nil {
		w.fw.Close()
		w.fw = nil
	}

	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

// IsRunning reports whether the native watch is active
func (w *DirectoryWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// consume drains the native event stream, applying filter and debounce
// synchronously per event before re-emitting.
func (w *DirectoryWatcher) consume(fw *fsnotify.Watcher, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleNative(fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *DirectoryWatcher) handleNative(fw *fsnotify.Watcher, ev fsnotify.Event) {
	// grow the watch when a new directory appears under a watched root
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = addRecursive(fw, ev.Name)
		}
	}

	if !IsRelevant(ev.Name, w.category) {
		return
	}

	w.debounce(ev.Name, eventTypeFor(ev.Op))
}

// eventTypeFor maps native flags to an event type, lowest-priority
// matching flag first: created, deleted, modified, renamed.
func eventTypeFor(op fsnotify.Op) EventType {
	switch {
	case op.Has(fsnotify.Create):
		return EventCreated
	case op.Has(fsnotify.Remove):
		return EventDeleted
	case op.Has(fsnotify.Write), op.Has(fsnotify.Chmod):
		return EventModified
	case op.Has(fsnotify.Rename):
		return EventRenamed
	default:
		return EventModified
	}
}

// debounce applies the per-path cooldown: emit immediately when the path
// is quiet, otherwise replace any scheduled emission with one at
// (cooldown - elapsed since last emission). Trailing edge, replace
// semantics: within a burst only the last event survives.
func (w *DirectoryWatcher) debounce(path string, et EventType) {
	w.mu.Lock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}

	now := time.Now()
	last, seen := w.lastEmit[path]
	elapsed := now.Sub(last)

	if !seen || elapsed >= w.cooldown {
		w.lastEmit[path] = now
		w.mu.Unlock()
		w.emit(path, et, now)
		return
	}

	delay := w.cooldown - elapsed
	w.timers[path] = time.AfterFunc(delay, func() {
		w.mu.Lock()
		if !w.running {
			w.mu.Unlock()
			return
		}
		delete(w.timers, path)
		fired := time.Now()
		w.lastEmit[path] = fired
		w.mu.Unlock()
		w.emit(path, et, fired)
	})
	w.mu.Unlock()
}

func (w *DirectoryWatcher) emit(path string, et EventType, ts time.Time) {
	w.log.Debug("change event", zap.String("path", path), zap.String("type", string(et)))
	w.callback(Event{Path: path, Type: et, Category: w.category, Timestamp: ts})
}
