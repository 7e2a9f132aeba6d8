package monitor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halcyonlab/persistguard/internal/models"
	"github.com/halcyonlab/persistguard/internal/watcher"
)

// fakeScanner serves canned snapshots, counts targeted scans and tracks
// how many run at once.
type fakeScanner struct {
	mu            sync.Mutex
	all           []models.PersistenceItem
	byCat         map[models.Category][]models.PersistenceItem
	scanCount     map[models.Category]int
	scanErr       error
	blockScan     chan struct{}
	concurrent    int
	maxConcurrent int
}

func newFakeScanner() *fakeScanner {
	return &fakeScanner{
		byCat:     make(map[models.Category][]models.PersistenceItem),
		scanCount: make(map[models.Category]int),
	}
}

func (f *fakeScanner) ScanAll() ([]models.PersistenceItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.all, nil
}

func (f *fakeScanner) Scan(category models.Category) ([]models.PersistenceItem, error) {
	f.mu.Lock()
	f.scanCount[category]++
	f.concurrent++
	if f.concurrent > f.maxConcurrent {
		f.maxConcurrent = f.concurrent
	}
	block := f.blockScan
	err := f.scanErr
	items := f.byCat[category]
	f.mu.Unlock()

	if block != nil {
		<-block
	}

	f.mu.Lock()
	f.concurrent--
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return items, nil
}

func (f *fakeScanner) scans(category models.Category) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanCount[category]
}

func (f *fakeScanner) setCurrent(category models.Category, items []models.PersistenceItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byCat[category] = items
}

// fakeHistory records saved entries in memory
type fakeHistory struct {
	mu      sync.Mutex
	entries []models.ChangeHistoryEntry
}

func (f *fakeHistory) SaveChangeHistory(e *models.ChangeHistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, *e)
	return nil
}

func (f *fakeHistory) GetUnacknowledgedCount() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, e := range f.entries {
		if e.Notified && !e.Acknowledged {
			count++
		}
	}
	return count, nil
}

func (f *fakeHistory) saved() []models.ChangeHistoryEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.ChangeHistoryEntry, len(f.entries))
	copy(out, f.entries)
	return out
}

// fakeSink records forwarded notifications
type fakeSink struct {
	mu        sync.Mutex
	sent      []models.Change
	relevance []int
	permErr   error
}

func (f *fakeSink) RequestPermission() error { return f.permErr }

func (f *fakeSink) Send(c models.Change, relevance int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	f.relevance = append(f.relevance, relevance)
	return nil
}

func (f *fakeSink) SendBatchSummary(changes []models.Change) error { return nil }

func (f *fakeSink) sentChanges() []models.Change {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Change, len(f.sent))
	copy(out, f.sent)
	return out
}

func agent(id string, enabled bool) models.PersistenceItem {
	return models.PersistenceItem{
		Identifier: id,
		Category:   models.CategoryLaunchAgent,
		Name:       id,
		IsEnabled:  enabled,
		TrustLevel: models.TrustUnsigned,
	}
}

func newTestMonitor(t *testing.T, scanner *fakeScanner, history *fakeHistory, sink *fakeSink, debounce time.Duration) *Monitor {
	t.Helper()
	return New(Options{
		Categories:     []models.Category{models.CategoryLaunchAgent},
		CategoryPaths:  map[models.Category][]string{models.CategoryLaunchAgent: {"/nonexistent/launch/agents"}},
		RescanDebounce: debounce,
		MinRelevance:   DefaultMinRelevance,
	}, scanner, history, sink, zap.NewNop())
}

func event() watcher.Event {
	return watcher.Event{
		Path:      "/nonexistent/launch/agents/com.new.plist",
		Type:      watcher.EventCreated,
		Category:  models.CategoryLaunchAgent,
		Timestamp: time.Now(),
	}
}

func TestLifecycleTransitions(t *testing.T) {
	scanner := newFakeScanner()
	m := newTestMonitor(t, scanner, &fakeHistory{}, &fakeSink{}, 10*time.Millisecond)

	assert.Equal(t, StateStopped, m.Status().State)

	require.NoError(t, m.StartMonitoring())
	assert.Equal(t, StateRunning, m.Status().State)

	// double start is rejected
	assert.ErrorIs(t, m.StartMonitoring(), ErrAlreadyRunning)

	require.NoError(t, m.StopMonitoring())
	assert.Equal(t, StateStopped, m.Status().State)

	// double stop is rejected
	assert.ErrorIs(t, m.StopMonitoring(), ErrNotRunning)

	// restart after stop works
	require.NoError(t, m.StartMonitoring())
	require.NoError(t, m.StopMonitoring())
}

func TestRescanCoalescing(t *testing.T) {
	scanner := newFakeScanner()
	scanner.all = []models.PersistenceItem{agent("com.a", true)}
	scanner.setCurrent(models.CategoryLaunchAgent, []models.PersistenceItem{agent("com.a", true)})

	m := newTestMonitor(t, scanner, &fakeHistory{}, &fakeSink{}, 60*time.Millisecond)
	require.NoError(t, m.StartMonitoring())
	defer m.StopMonitoring()

	// burst of events faster than the debounce interval
	for i := 0; i < 10; i++ {
		m.onDirectoryEvent(event())
		time.Sleep(5 * time.Millisecond)
	}

	assert.Eventually(t, func() bool {
		return scanner.scans(models.CategoryLaunchAgent) == 1
	}, time.Second, 10*time.Millisecond)

	// no further rescans fire
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, scanner.scans(models.CategoryLaunchAgent))
}

func TestRescanNeverOverlapsPerCategory(t *testing.T) {
	scanner := newFakeScanner()
	scanner.all = []models.PersistenceItem{agent("com.a", true)}
	scanner.setCurrent(models.CategoryLaunchAgent, []models.PersistenceItem{agent("com.a", true)})

	release := make(chan struct{})
	scanner.blockScan = release

	m := newTestMonitor(t, scanner, &fakeHistory{}, &fakeSink{}, 50*time.Millisecond)
	require.NoError(t, m.StartMonitoring())
	defer func() {
		m.StopMonitoring()
	}()

	m.onDirectoryEvent(event())
	assert.Eventually(t, func() bool {
		return scanner.scans(models.CategoryLaunchAgent) == 1
	}, time.Second, 5*time.Millisecond, "first rescan must start")

	// events arriving while the scan is still running must defer, not
	// start a second scan
	m.onDirectoryEvent(event())
	m.onDirectoryEvent(event())
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, scanner.scans(models.CategoryLaunchAgent),
		"a second rescan must not start while one is in flight")

	close(release)

	// the deferred rerun executes once the first scan finishes
	assert.Eventually(t, func() bool {
		return scanner.scans(models.CategoryLaunchAgent) == 2
	}, time.Second, 5*time.Millisecond, "deferred rerun must execute")

	scanner.mu.Lock()
	maxConcurrent := scanner.maxConcurrent
	scanner.mu.Unlock()
	assert.Equal(t, 1, maxConcurrent, "scans of one category must never interleave")
}

func TestZeroThresholdForwardsEveryChange(t *testing.T) {
	appleItem := agent("com.apple.thing", true)
	appleItem.TrustLevel = models.TrustApple
	appleItem.Signature = &models.SignatureInfo{IsSigned: true, IsValid: true, IsApple: true}

	disabled := appleItem
	disabled.IsEnabled = false

	scanner := newFakeScanner()
	scanner.all = []models.PersistenceItem{appleItem}
	scanner.setCurrent(models.CategoryLaunchAgent, []models.PersistenceItem{disabled})

	sink := &fakeSink{}
	m := New(Options{
		Categories:     []models.Category{models.CategoryLaunchAgent},
		CategoryPaths:  map[models.Category][]string{models.CategoryLaunchAgent: {"/nonexistent/launch/agents"}},
		RescanDebounce: 10 * time.Millisecond,
		MinRelevance:   0,
	}, scanner, &fakeHistory{}, sink, zap.NewNop())
	require.NoError(t, m.StartMonitoring())
	defer m.StopMonitoring()

	m.onDirectoryEvent(event())

	// the relevance-20 change clears a zero threshold
	assert.Eventually(t, func() bool {
		return len(sink.sentChanges()) == 1
	}, time.Second, 10*time.Millisecond, "zero threshold must forward every change")
}

func TestRestartSeedsBacklogFromForwardedEntriesOnly(t *testing.T) {
	history := &fakeHistory{entries: []models.ChangeHistoryEntry{
		{Identifier: "com.a", Notified: true},
		{Identifier: "com.b", Notified: false},
		{Identifier: "com.c", Notified: true, Acknowledged: true},
	}}

	m := newTestMonitor(t, newFakeScanner(), history, &fakeSink{}, 10*time.Millisecond)
	require.NoError(t, m.StartMonitoring())
	defer m.StopMonitoring()

	assert.EqualValues(t, 1, m.Status().Unacknowledged,
		"backlog seed must count only forwarded, unacknowledged entries")
}

func TestDetectedChangeFlowsToHistoryAndSink(t *testing.T) {
	scanner := newFakeScanner()
	scanner.all = []models.PersistenceItem{agent("com.a", true)}
	// current snapshot adds an unsigned item
	scanner.setCurrent(models.CategoryLaunchAgent, []models.PersistenceItem{
		agent("com.a", true),
		agent("com.b", true),
	})

	history := &fakeHistory{}
	sink := &fakeSink{}
	m := newTestMonitor(t, scanner, history, sink, 10*time.Millisecond)
	require.NoError(t, m.StartMonitoring())
	defer m.StopMonitoring()

	m.onDirectoryEvent(event())

	assert.Eventually(t, func() bool {
		return len(history.saved()) == 1
	}, time.Second, 10*time.Millisecond)

	entries := history.saved()
	assert.Equal(t, models.ChangeAdded, entries[0].ChangeType)
	assert.Equal(t, "com.b", entries[0].Identifier)
	// added + launch agent + unsigned: 60+20+25, clamped categoryless parts aside
	assert.GreaterOrEqual(t, entries[0].Relevance, DefaultMinRelevance)

	sent := sink.sentChanges()
	require.Len(t, sent, 1)
	assert.Equal(t, "com.b", sent[0].Identifier)

	status := m.Status()
	assert.EqualValues(t, 1, status.Unacknowledged)
	assert.NotNil(t, status.LastChange)
}

func TestLowRelevanceChangesPersistedButNotForwarded(t *testing.T) {
	appleItem := agent("com.apple.thing", true)
	appleItem.TrustLevel = models.TrustApple
	appleItem.Signature = &models.SignatureInfo{IsSigned: true, IsValid: true, IsApple: true}

	disabled := appleItem
	disabled.IsEnabled = false

	scanner := newFakeScanner()
	scanner.all = []models.PersistenceItem{appleItem}
	scanner.setCurrent(models.CategoryLaunchAgent, []models.PersistenceItem{disabled})

	history := &fakeHistory{}
	sink := &fakeSink{}
	m := newTestMonitor(t, scanner, history, sink, 10*time.Millisecond)
	require.NoError(t, m.StartMonitoring())
	defer m.StopMonitoring()

	m.onDirectoryEvent(event())

	assert.Eventually(t, func() bool {
		return len(history.saved()) == 1
	}, time.Second, 10*time.Millisecond)

	// disabled Apple item: 20 + 20 - 20 = 20, below the default threshold
	assert.Empty(t, sink.sentChanges(), "below-threshold change must not be forwarded")
	entry := history.saved()[0]
	assert.Equal(t, models.ChangeDisabled, entry.ChangeType)
	assert.False(t, entry.Notified, "unforwarded entries must not be marked notified")
	assert.EqualValues(t, 0, m.Status().Unacknowledged,
		"unforwarded changes must not enter the review backlog")
}

func TestBaselineAdvancesEvenWithoutNotification(t *testing.T) {
	appleItem := agent("com.apple.thing", true)
	appleItem.TrustLevel = models.TrustApple
	appleItem.Signature = &models.SignatureInfo{IsSigned: true, IsValid: true, IsApple: true}

	disabled := appleItem
	disabled.IsEnabled = false

	scanner := newFakeScanner()
	scanner.all = []models.PersistenceItem{appleItem}
	scanner.setCurrent(models.CategoryLaunchAgent, []models.PersistenceItem{disabled})

	history := &fakeHistory{}
	m := newTestMonitor(t, scanner, history, &fakeSink{}, 10*time.Millisecond)
	require.NoError(t, m.StartMonitoring())
	defer m.StopMonitoring()

	m.onDirectoryEvent(event())
	assert.Eventually(t, func() bool {
		return len(history.saved()) == 1
	}, time.Second, 10*time.Millisecond)

	// second event against the same snapshot: baseline was overwritten,
	// so no new change is detected
	m.onDirectoryEvent(event())
	assert.Eventually(t, func() bool {
		return scanner.scans(models.CategoryLaunchAgent) == 2
	}, time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, history.saved(), 1, "already-absorbed change must not repeat")
}

func TestTransientScanFailureSkipsCycle(t *testing.T) {
	scanner := newFakeScanner()
	scanner.all = []models.PersistenceItem{agent("com.a", true)}

	history := &fakeHistory{}
	m := newTestMonitor(t, scanner, history, &fakeSink{}, 10*time.Millisecond)
	require.NoError(t, m.StartMonitoring())
	defer m.StopMonitoring()

	scanner.mu.Lock()
	scanner.scanErr = errors.New("scan backend unavailable")
	scanner.mu.Unlock()

	m.onDirectoryEvent(event())
	assert.Eventually(t, func() bool {
		return scanner.scans(models.CategoryLaunchAgent) == 1
	}, time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, history.saved())
	assert.Equal(t, StateRunning, m.Status().State, "transient failure must not change state")

	// recovery happens on the next event, not automatically
	scanner.mu.Lock()
	scanner.scanErr = nil
	scanner.byCat[models.CategoryLaunchAgent] = []models.PersistenceItem{agent("com.a", true), agent("com.b", true)}
	scanner.mu.Unlock()

	m.onDirectoryEvent(event())
	assert.Eventually(t, func() bool {
		return len(history.saved()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestStopCancelsPendingRescan(t *testing.T) {
	scanner := newFakeScanner()
	scanner.all = []models.PersistenceItem{agent("com.a", true)}

	m := newTestMonitor(t, scanner, &fakeHistory{}, &fakeSink{}, 100*time.Millisecond)
	require.NoError(t, m.StartMonitoring())

	m.onDirectoryEvent(event())
	require.NoError(t, m.StopMonitoring())

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 0, scanner.scans(models.CategoryLaunchAgent), "pending rescan must be cancelled by stop")
}

func TestEventsIgnoredWhenNotRunning(t *testing.T) {
	scanner := newFakeScanner()
	m := newTestMonitor(t, scanner, &fakeHistory{}, &fakeSink{}, 10*time.Millisecond)

	m.onDirectoryEvent(event())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, scanner.scans(models.CategoryLaunchAgent))
}

func TestUpdateAndResetBaseline(t *testing.T) {
	scanner := newFakeScanner()
	scanner.all = []models.PersistenceItem{agent("com.a", true)}
	scanner.setCurrent(models.CategoryLaunchAgent, []models.PersistenceItem{agent("com.a", true), agent("com.b", true)})

	history := &fakeHistory{}
	m := newTestMonitor(t, scanner, history, &fakeSink{}, 10*time.Millisecond)
	require.NoError(t, m.StartMonitoring())
	defer m.StopMonitoring()

	// absorb com.b into the baseline without emitting a change
	require.NoError(t, m.UpdateBaseline(models.CategoryLaunchAgent))

	m.onDirectoryEvent(event())
	assert.Eventually(t, func() bool {
		return scanner.scans(models.CategoryLaunchAgent) >= 2
	}, time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, history.saved(), "baseline update must swallow the difference")
}

func TestNotificationPermissionFailureIsNotFatal(t *testing.T) {
	scanner := newFakeScanner()
	sink := &fakeSink{permErr: errors.New("denied")}

	m := newTestMonitor(t, scanner, &fakeHistory{}, sink, 10*time.Millisecond)
	require.NoError(t, m.StartMonitoring())
	assert.Equal(t, StateRunning, m.Status().State)
	require.NoError(t, m.StopMonitoring())
}

func TestAutoStart(t *testing.T) {
	scanner := newFakeScanner()
	m := New(Options{
		Categories:     []models.Category{models.CategoryLaunchAgent},
		CategoryPaths:  map[models.Category][]string{models.CategoryLaunchAgent: {"/nonexistent"}},
		AutoStart:      true,
		AutoStartGrace: 20 * time.Millisecond,
	}, scanner, &fakeHistory{}, &fakeSink{}, zap.NewNop())

	assert.Equal(t, StateStopped, m.Status().State)
	assert.Eventually(t, func() bool {
		return m.Status().State == StateRunning
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, m.StopMonitoring())
}
