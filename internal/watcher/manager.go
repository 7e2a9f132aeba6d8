package watcher

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/halcyonlab/persistguard/internal/models"
)

// Manager owns one DirectoryWatcher per monitored category and fans all
// watcher callbacks into a single callback.
type Manager struct {
	cooldown time.Duration
	callback Callback
	log      *zap.Logger

	mu       sync.Mutex
	watchers map[models.Category]*DirectoryWatcher
}

// NewManager creates an empty watcher manager
func NewManager(cooldown time.Duration, callback Callback, log *zap.Logger) *Manager {
	return &Manager{
		cooldown: cooldown,
		callback: callback,
		log:      log,
		watchers: make(map[models.Category]*DirectoryWatcher),
	}
}

// StartWatching starts a watcher for the category over the given paths.
// Idempotent: an already-watched category is left alone.
func (m *Manager) StartWatching(category models.Category, paths []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.watchers[category]; ok {
		return nil
	}

	w := NewDirectoryWatcher(category, paths, m.cooldown, m.callback, m.log)
	if err := w.Start(); err != nil {
		return err
	}
	m.watchers[category] = w
	return nil
}

// StopWatching stops and forgets the watcher for a category. Idempotent.
func (m *Manager) StopWatching(category models.Category) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.watchers[category]; ok {
		w.Stop()
		delete(m.watchers, category)
	}
}

// StopAll stops every watcher
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for category, w := range m.watchers {
		w.Stop()
		delete(m.watchers, category)
	}
}

// Watching reports whether a category currently has an active watcher
func (m *Manager) Watching(category models.Category) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watchers[category]
	return ok && w.IsRunning()
}

// Categories returns the categories with registered watchers
func (m *Manager) Categories() []models.Category {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Category, 0, len(m.watchers))
	for c := range m.watchers {
		out = append(out, c)
	}
	return out
}
