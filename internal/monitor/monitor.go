// Package monitor is the top-level state machine: it owns the baseline,
// the directory watchers, the per-category rescan debounce and the
// notification gating.
package monitor

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/halcyonlab/persistguard/internal/change"
	"github.com/halcyonlab/persistguard/internal/models"
	"github.com/halcyonlab/persistguard/internal/watcher"
)

// State is the orchestrator lifecycle state
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

var (
	ErrNotRunning     = fmt.Errorf("monitor is not running")
	ErrAlreadyRunning = fmt.Errorf("monitor is already running")
)

// Scanner produces fresh persistence item snapshots. May be slow; always
// called off the orchestrator lock.
type Scanner interface {
	ScanAll() ([]models.PersistenceItem, error)
	Scan(category models.Category) ([]models.PersistenceItem, error)
}

// HistoryStore persists detected changes
type HistoryStore interface {
	SaveChangeHistory(*models.ChangeHistoryEntry) error
	GetUnacknowledgedCount() (int64, error)
}

// Sink receives changes that cleared the relevance threshold. Best-effort:
// failures never block the pipeline.
type Sink interface {
	RequestPermission() error
	Send(c models.Change, relevance int) error
	SendBatchSummary(changes []models.Change) error
}

// DefaultRescanDebounce coalesces bursts of directory events per category
const DefaultRescanDebounce = 2 * time.Second

// DefaultMinRelevance gates which changes reach the notification sink
const DefaultMinRelevance = 30

// DefaultAutoStartGrace delays autonomous startup so the rest of the
// process finishes initializing first
const DefaultAutoStartGrace = 3 * time.Second

// Options configures the orchestrator
type Options struct {
	Categories     []models.Category
	CategoryPaths  map[models.Category][]string
	WatchCooldown  time.Duration
	RescanDebounce time.Duration
	// MinRelevance gates which changes reach the sink. Zero forwards
	// every change; a negative value selects DefaultMinRelevance.
	MinRelevance   int
	AutoStart      bool
	AutoStartGrace time.Duration
}

// Status is the published monitor snapshot
type Status struct {
	State          State             `json:"state"`
	Error          string            `json:"error,omitempty"`
	Watching       []models.Category `json:"watching"`
	Unacknowledged int64             `json:"unacknowledged"`
	LastChange     *time.Time        `json:"last_change,omitempty"`
}

// Monitor is the orchestrator. The mutex guards state, baseline and the
// pending-rescan timers; scan calls always happen outside it so slow I/O
// never blocks unrelated category processing.
type Monitor struct {
	opts    Options
	scanner Scanner
	history HistoryStore
	sink    Sink
	manager *watcher.Manager
	log     *zap.Logger

	mu             sync.Mutex
	state          State
	errMsg         string
	baseline       map[models.Category]map[string]models.PersistenceItem
	pending        map[models.Category]*time.Timer
	inflight       map[models.Category]bool
	rerun          map[models.Category]bool
	unacknowledged int64
	lastChange     *time.Time
}

// New creates a monitor. When AutoStart is set it starts itself after the
// grace delay.
func New(opts Options, scanner Scanner, history HistoryStore, sink Sink, log *zap.Logger) *Monitor {
	if opts.RescanDebounce <= 0 {
		opts.RescanDebounce = DefaultRescanDebounce
	}
	if opts.MinRelevance < 0 {
		opts.MinRelevance = DefaultMinRelevance
	}
	if opts.AutoStartGrace <= 0 {
		opts.AutoStartGrace = DefaultAutoStartGrace
	}

	m := &Monitor{
		opts:     opts,
		scanner:  scanner,
		history:  history,
		sink:     sink,
		log:      log.Named("monitor"),
		state:    StateStopped,
		baseline: make(map[models.Category]map[string]models.PersistenceItem),
		pending:  make(map[models.Category]*time.Timer),
		inflight: make(map[models.Category]bool),
		rerun:    make(map[models.Category]bool),
	}
	m.manager = watcher.NewManager(opts.WatchCooldown, m.onDirectoryEvent, log)

	if opts.AutoStart {
		time.AfterFunc(opts.AutoStartGrace, func() {
			if err := m.StartMonitoring(); err != nil {
				m.log.Warn("auto-start failed", zap.Error(err))
			}
		})
	}
	return m
}

// Status returns the published snapshot
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:          m.state,
		Error:          m.errMsg,
		Watching:       m.manager.Categories(),
		Unacknowledged: m.unacknowledged,
		LastChange:     m.lastChange,
	}
}

// StartMonitoring transitions stopped/error -> starting -> running. Any
// setup failure lands in the error state instead.
func (m *Monitor) StartMonitoring() error {
	m.mu.Lock()
	if m.state != StateStopped && m.state != StateError {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.state = StateStarting
	m.errMsg = ""
	needBaseline := len(m.baseline) == 0
	m.mu.Unlock()

	if err := m.sink.RequestPermission(); err != nil {
		m.log.Warn("notification permission not granted", zap.Error(err))
	}

	if needBaseline {
		items, err := m.scanner.ScanAll()
		if err != nil {
			m.fail(fmt.Sprintf("baseline scan failed: %v", err))
			return fmt.Errorf("baseline scan failed: %w", err)
		}
		m.mu.Lock()
		m.baseline = buildBaseline(items)
		// a category with no items still gets an (empty) baseline so the
		// first item that appears there is detected
		for _, category := range m.opts.Categories {
			if _, ok := m.baseline[category]; !ok {
				m.baseline[category] = make(map[string]models.PersistenceItem)
			}
		}
		m.mu.Unlock()
		m.log.Info("baseline created", zap.Int("items", len(items)))
	}

	started := 0
	for _, category := range m.opts.Categories {
		paths := m.opts.CategoryPaths[category]
		if len(paths) == 0 {
			continue
		}
		if err := m.manager.StartWatching(category, paths); err != nil {
			m.manager.StopAll()
			m.fail(fmt.Sprintf("watcher setup failed for %s: %v", category, err))
			return fmt.Errorf("watcher setup failed: %w", err)
		}
		started++
	}

	if count, err := m.history.GetUnacknowledgedCount(); err == nil {
		m.mu.Lock()
		m.unacknowledged = count
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.state = StateRunning
	m.mu.Unlock()

	m.log.Info("monitoring started", zap.Int("watchers", started))
	return nil
}

// StopMonitoring is only valid from running: it cancels every pending
// rescan and stops all watchers.
func (m *Monitor) StopMonitoring() error {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return ErrNotRunning
	}
	m.state = StateStopping

	for category, t := range m.pending {
		t.Stop()
		delete(m.pending, category)
	}
	for category := range m.rerun {
		delete(m.rerun, category)
	}
	m.mu.Unlock()

	m.manager.StopAll()

	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()

	m.log.Info("monitoring stopped")
	return nil
}

func (m *Monitor) fail(msg string) {
	m.mu.Lock()
	m.state = StateError
	m.errMsg = msg
	m.mu.Unlock()
	m.log.Error("monitor entered error state", zap.String("reason", msg))
}

// onDirectoryEvent is the watcher fan-in: it debounces rescans per
// category with cancel-and-replace semantics, guaranteeing at most one
// pending or in-flight rescan per category.
func (m *Monitor) onDirectoryEvent(ev watcher.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRunning {
		return
	}

	if t, ok := m.pending[ev.Category]; ok {
		t.Stop()
	}
	category := ev.Category
	m.pending[category] = time.AfterFunc(m.opts.RescanDebounce, func() {
		m.rescan(category)
	})

	m.log.Debug("directory change",
		zap.String("path", ev.Path),
		zap.String("type", string(ev.Type)),
		zap.String("category", string(category)))
}

// rescan runs a targeted scan for one category and applies the results.
// A transient scan failure skips the cycle; the next filesystem event
// retries naturally. At most one rescan per category is ever in flight:
// firing while another runs marks the category for one deferred rerun
// instead of scanning concurrently.
func (m *Monitor) rescan(category models.Category) {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return
	}
	delete(m.pending, category)

	if m.inflight[category] {
		m.rerun[category] = true
		m.mu.Unlock()
		return
	}

	base, ok := m.baseline[category]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.inflight[category] = true
	defer m.finishRescan(category)

	baseline := make([]models.PersistenceItem, 0, len(base))
	for _, item := range base {
		baseline = append(baseline, item)
	}
	m.mu.Unlock()

	// slow externals run outside the lock
	current, err := m.scanner.Scan(category)
	if err != nil {
		m.log.Warn("targeted scan failed, skipping cycle",
			zap.String("category", string(category)), zap.Error(err))
		return
	}

	changes := change.Diff(baseline, current, category)

	var notified []models.Change
	for _, c := range changes {
		relevance := change.Relevance(c)
		forward := relevance >= m.opts.MinRelevance

		entry := &models.ChangeHistoryEntry{
			Identifier: c.Identifier,
			Category:   c.Category,
			ChangeType: c.Type,
			Details:    models.ChangeDetails(c.Details),
			Relevance:  relevance,
			Notified:   forward,
			Timestamp:  c.Timestamp,
		}
		if c.Item != nil {
			entry.ItemName = c.Item.Name
		}
		if err := m.history.SaveChangeHistory(entry); err != nil {
			m.log.Warn("change history write failed", zap.Error(err))
		}

		if forward {
			notified = append(notified, c)
			if err := m.sink.Send(c, relevance); err != nil {
				m.log.Warn("notification failed", zap.Error(err))
			}
		}
	}

	if len(notified) > 1 {
		if err := m.sink.SendBatchSummary(notified); err != nil {
			m.log.Warn("batch summary failed", zap.Error(err))
		}
	}

	// results are discarded if the monitor stopped while scanning
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return
	}

	// baseline tracks latest-observed-truth, not latest-notified-truth
	m.baseline[category] = indexItems(current)

	if len(notified) > 0 {
		now := time.Now()
		m.lastChange = &now
		m.unacknowledged += int64(len(notified))
	}

	if len(changes) > 0 {
		m.log.Info("rescan complete",
			zap.String("category", string(category)),
			zap.Int("changes", len(changes)),
			zap.Int("notified", len(notified)))
	}
}

// finishRescan clears the in-flight mark and schedules the single
// deferred rerun requested while the scan was running.
func (m *Monitor) finishRescan(category models.Category) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.inflight, category)
	if !m.rerun[category] {
		return
	}
	delete(m.rerun, category)
	if m.state != StateRunning {
		return
	}

	if t, ok := m.pending[category]; ok {
		t.Stop()
	}
	m.pending[category] = time.AfterFunc(m.opts.RescanDebounce, func() {
		m.rescan(category)
	})
}

// UpdateBaseline overwrites one category's baseline from a fresh scan
// without emitting changes.
func (m *Monitor) UpdateBaseline(category models.Category) error {
	items, err := m.scanner.Scan(category)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.baseline[category] = indexItems(items)
	m.mu.Unlock()
	return nil
}

// ResetBaseline discards every baseline and rebuilds from a full scan
func (m *Monitor) ResetBaseline() error {
	items, err := m.scanner.ScanAll()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.baseline = buildBaseline(items)
	m.mu.Unlock()
	m.log.Info("baseline reset", zap.Int("items", len(items)))
	return nil
}

// Acknowledge publishes a decremented unacknowledged counter after the
// store has flipped the flag.
func (m *Monitor) Acknowledge() {
	m.mu.Lock()
	if m.unacknowledged > 0 {
		m.unacknowledged--
	}
	m.mu.Unlock()
}

func buildBaseline(items []models.PersistenceItem) map[models.Category]map[string]models.PersistenceItem {
	baseline := make(map[models.Category]map[string]models.PersistenceItem)
	for _, item := range items {
		byID, ok := baseline[item.Category]
		if !ok {
			byID = make(map[string]models.PersistenceItem)
			baseline[item.Category] = byID
		}
		if _, dup := byID[item.Identifier]; !dup {
			byID[item.Identifier] = item
		}
	}
	return baseline
}

func indexItems(items []models.PersistenceItem) map[string]models.PersistenceItem {
	byID := make(map[string]models.PersistenceItem, len(items))
	for _, item := range items {
		if _, dup := byID[item.Identifier]; !dup {
			byID[item.Identifier] = item
		}
	}
	return byID
}
