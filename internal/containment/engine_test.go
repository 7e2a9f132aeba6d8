package containment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm/logger"

	"github.com/halcyonlab/persistguard/internal/integrity"
	"github.com/halcyonlab/persistguard/internal/models"
	"github.com/halcyonlab/persistguard/internal/store"
)

// mockExecutor records privileged commands and fails those matching a pattern
type mockExecutor struct {
	mu       sync.Mutex
	commands []string
	failOn   string
}

func (m *mockExecutor) Run(cmd string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, cmd)
	if m.failOn != "" && strings.Contains(cmd, m.failOn) {
		return "mock failure", errors.New("exit status 1")
	}
	return "", nil
}

func (m *mockExecutor) ran(substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.commands {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, *mockExecutor) {
	t.Helper()
	st, err := store.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()), logger.Default.LogMode(logger.Silent))
	require.NoError(t, err)
	exec := &mockExecutor{}
	return NewEngine(st, exec, zap.NewNop()), st, exec
}

func writePlist(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("<plist><dict/></plist>"), 0644))
	return path
}

func writeBinary(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0755))
	return path
}

func testItem(t *testing.T, dir string) *models.PersistenceItem {
	return &models.PersistenceItem{
		Identifier:     "com.evil.updater",
		Category:       models.CategoryLaunchAgent,
		Name:           "evil-updater",
		PlistPath:      writePlist(t, dir, "com.evil.updater.plist"),
		ExecutablePath: writeBinary(t, dir, "updater"),
	}
}

func TestContainFullSuccess(t *testing.T) {
	dir := t.TempDir()
	engine, st, exec := newTestEngine(t)
	item := testItem(t, dir)

	result, err := engine.Contain(item, 0)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, result.Status)
	assert.Empty(t, result.Warnings)
	assert.True(t, result.State.PersistenceDisabled)
	assert.True(t, result.State.NetworkBlocked)
	assert.NotEmpty(t, result.State.BinaryHash)

	// plist renamed out of service
	_, statErr := os.Stat(item.PlistPath)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(item.PlistPath + disabledSuffix)
	assert.NoError(t, statErr)

	// primary strategy used, fallback never attempted
	assert.True(t, exec.ran("socketfilterfw"))
	assert.False(t, exec.ran("pfctl"))

	// audit record and rule persisted
	action, err := st.GetActiveContainment(item.Identifier)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, action.Status)
	assert.NotEmpty(t, action.PlistBackup)

	rules, err := st.GetActiveNetworkRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, models.MethodPrimary, rules[0].Method)
}

func TestContainAlreadyContained(t *testing.T) {
	dir := t.TempDir()
	engine, _, _ := newTestEngine(t)
	item := testItem(t, dir)

	_, err := engine.Contain(item, 0)
	require.NoError(t, err)

	_, err = engine.Contain(item, 0)
	assert.True(t, errors.Is(err, ErrAlreadyContained))
}

func TestContainPartialWhenBinaryMissing(t *testing.T) {
	dir := t.TempDir()
	engine, _, _ := newTestEngine(t)

	item := &models.PersistenceItem{
		Identifier:     "com.evil.ghost",
		Category:       models.CategoryLaunchAgent,
		Name:           "ghost",
		PlistPath:      writePlist(t, dir, "com.evil.ghost.plist"),
		ExecutablePath: filepath.Join(dir, "missing-binary"),
	}

	result, err := engine.Contain(item, 0)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartial, result.Status)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "network block failed")

	state, ok := engine.State(item.Identifier)
	require.True(t, ok)
	assert.True(t, state.PersistenceDisabled)
	assert.False(t, state.NetworkBlocked)
}

func TestContainRecordsSurvivingProcesses(t *testing.T) {
	dir := t.TempDir()
	engine, st, _ := newTestEngine(t)
	engine.liveProcessCount = func(path string) int { return 2 }
	item := testItem(t, dir)

	result, err := engine.Contain(item, 0)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, result.Status)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "2 running process(es)")
	assert.Contains(t, result.Warnings[0], item.ExecutablePath)

	// the warning survives into the audit record
	action, err := st.GetActiveContainment(item.Identifier)
	require.NoError(t, err)
	require.Len(t, action.Warnings, 1)
	assert.Contains(t, action.Warnings[0], "running process(es)")
}

func TestContainFailsWhenBothLegsFail(t *testing.T) {
	dir := t.TempDir()
	engine, st, _ := newTestEngine(t)

	// neither the plist nor the binary exists: both legs fail
	item := &models.PersistenceItem{
		Identifier:     "com.evil.nothing",
		Category:       models.CategoryLaunchAgent,
		Name:           "nothing",
		PlistPath:      filepath.Join(dir, "absent.plist"),
		ExecutablePath: filepath.Join(dir, "absent-binary"),
	}

	_, err := engine.Contain(item, 0)
	require.Error(t, err)

	_, ok := engine.State(item.Identifier)
	assert.False(t, ok)

	// the failed attempt is still audited, but not as active
	actions, storeErr := st.GetAllActiveContainments()
	require.NoError(t, storeErr)
	assert.Empty(t, actions)

	var failed int64
	require.NoError(t, st.DB().Model(&models.ContainmentAction{}).
		Where("status = ?", models.StatusFailed).Count(&failed).Error)
	assert.EqualValues(t, 1, failed)
}

func TestFallbackStrategyUsedWhenPrimaryFails(t *testing.T) {
	dir := t.TempDir()
	engine, st, exec := newTestEngine(t)
	exec.failOn = "socketfilterfw"
	item := testItem(t, dir)

	result, err := engine.Contain(item, 0)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, result.Status)
	assert.True(t, exec.ran("pfctl"))

	rules, err := st.GetActiveNetworkRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, models.MethodFallback, rules[0].Method)
}

func TestReleaseRestoresPlistAndUnblocks(t *testing.T) {
	dir := t.TempDir()
	engine, st, exec := newTestEngine(t)
	item := testItem(t, dir)

	_, err := engine.Contain(item, 0)
	require.NoError(t, err)

	result, err := engine.Release(item)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReleased, result.Status)
	assert.Empty(t, result.Warnings)

	// plist back in place
	_, statErr := os.Stat(item.PlistPath)
	assert.NoError(t, statErr)

	// rule gone, state gone
	rules, err := st.GetActiveNetworkRules()
	require.NoError(t, err)
	assert.Empty(t, rules)

	_, ok := engine.State(item.Identifier)
	assert.False(t, ok)

	assert.True(t, exec.ran("--unblockapp"))

	_, err = engine.Release(item)
	assert.True(t, errors.Is(err, ErrNotContained))
}

func TestReleaseRewritesFromBackupWhenRenamedFileGone(t *testing.T) {
	dir := t.TempDir()
	engine, _, _ := newTestEngine(t)
	item := testItem(t, dir)

	_, err := engine.Contain(item, 0)
	require.NoError(t, err)

	// simulate something deleting the renamed file while contained
	require.NoError(t, os.Remove(item.PlistPath+disabledSuffix))

	result, err := engine.Release(item)
	require.NoError(t, err)
	assert.Empty(t, result.Warnings)

	content, readErr := os.ReadFile(item.PlistPath)
	require.NoError(t, readErr)
	assert.Contains(t, string(content), "<plist>")
}

func TestReleaseClearsStateDespiteSubStepFailure(t *testing.T) {
	dir := t.TempDir()
	engine, _, exec := newTestEngine(t)
	item := testItem(t, dir)

	_, err := engine.Contain(item, 0)
	require.NoError(t, err)

	// make the unblock leg fail
	exec.failOn = "--unblockapp"

	result, err := engine.Release(item)
	require.NoError(t, err, "release must not abort on sub-step failure")
	require.NotEmpty(t, result.Warnings)

	_, ok := engine.State(item.Identifier)
	assert.False(t, ok, "local state must clear even under partial failure")
}

func TestExtendTimeoutReplacesRule(t *testing.T) {
	dir := t.TempDir()
	engine, st, _ := newTestEngine(t)
	item := testItem(t, dir)

	_, err := engine.Contain(item, time.Hour)
	require.NoError(t, err)

	before, err := st.GetActiveNetworkRules()
	require.NoError(t, err)
	require.Len(t, before, 1)
	oldID := before[0].RuleID
	oldExpiry := *before[0].ExpiresAt

	result, err := engine.ExtendTimeout(item, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, result.Warnings)

	after, err := st.GetActiveNetworkRules()
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.NotEqual(t, oldID, after[0].RuleID, "rule must be recreated, not mutated")
	assert.True(t, after[0].ExpiresAt.After(oldExpiry))
}

func TestExtendTimeoutNotContained(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	item := &models.PersistenceItem{Identifier: "com.nobody"}

	_, err := engine.ExtendTimeout(item, time.Hour)
	assert.True(t, errors.Is(err, ErrNotContained))
}

func TestVerifyBinaryIntegrity(t *testing.T) {
	dir := t.TempDir()
	engine, _, _ := newTestEngine(t)
	item := testItem(t, dir)

	_, err := engine.Contain(item, 0)
	require.NoError(t, err)

	verdict, err := engine.VerifyBinaryIntegrity(item)
	require.NoError(t, err)
	assert.Equal(t, integrity.VerdictMatch, verdict)

	// substitute the binary while contained
	require.NoError(t, os.WriteFile(item.ExecutablePath, []byte("replaced"), 0755))

	verdict, err = engine.VerifyBinaryIntegrity(item)
	require.NoError(t, err)
	assert.Equal(t, integrity.VerdictMismatch, verdict)
}

func TestExpiryTimerReleasesNetworkBlock(t *testing.T) {
	dir := t.TempDir()
	engine, st, _ := newTestEngine(t)

	expired := make(chan string, 1)
	engine.OnRuleExpired = func(id string) { expired <- id }

	item := &models.PersistenceItem{
		Identifier:     "com.evil.shortlived",
		Category:       models.CategoryLaunchAgent,
		Name:           "shortlived",
		ExecutablePath: writeBinary(t, dir, "shortlived"),
	}

	_, err := engine.BlockNetworkOnly(item, 50*time.Millisecond)
	require.NoError(t, err)

	select {
	case id := <-expired:
		assert.Equal(t, item.Identifier, id)
	case <-time.After(2 * time.Second):
		t.Fatal("expiry callback never fired")
	}

	assert.Eventually(t, func() bool {
		_, ok := engine.State(item.Identifier)
		return !ok
	}, time.Second, 10*time.Millisecond)

	rules, err := st.GetActiveNetworkRules()
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestRestoreActiveRulesPurgesExpired(t *testing.T) {
	engine, st, exec := newTestEngine(t)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, st.SaveNetworkRule(&models.NetworkRule{
		RuleID:     "pg-expired",
		BinaryPath: "/tmp/old-threat",
		Method:     models.MethodPrimary,
		ExpiresAt:  &past,
	}))

	require.NoError(t, engine.RestoreActiveRules())

	rules, err := st.GetActiveNetworkRules()
	require.NoError(t, err)
	assert.Empty(t, rules, "expired rule must be purged, not re-applied")
	assert.True(t, exec.ran("--unblockapp"), "expired rule must be unblocked")

	_, ok := engine.State("")
	assert.False(t, ok)
}

func TestRestoreActiveRulesReappliesUnexpired(t *testing.T) {
	engine, st, exec := newTestEngine(t)

	future := time.Now().Add(time.Hour)
	action, err := st.SaveContainmentAction(&models.ContainmentAction{
		ActionType: models.ActionNetworkBlock,
		Identifier: "com.evil.survivor",
		Category:   models.CategoryLaunchDaemon,
		Status:     models.StatusActive,
		RuleID:     "pg-live",
		ExpiresAt:  &future,
		Timestamp:  time.Now(),
	})
	require.NoError(t, err)
	require.NotZero(t, action.ID)

	require.NoError(t, st.SaveNetworkRule(&models.NetworkRule{
		RuleID:     "pg-live",
		BinaryPath: "/usr/local/bin/survivor",
		Method:     models.MethodPrimary,
		ExpiresAt:  &future,
	}))

	require.NoError(t, engine.RestoreActiveRules())

	assert.True(t, exec.ran("--blockapp"), "unexpired rule must be re-applied")

	state, ok := engine.State("com.evil.survivor")
	require.True(t, ok)
	assert.True(t, state.NetworkBlocked)
	assert.Equal(t, models.CategoryLaunchDaemon, state.Category)
}

func TestDisablePersistenceOnlyMissingPlist(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	item := &models.PersistenceItem{
		Identifier: "com.evil.noplist",
		PlistPath:  "/nonexistent/com.evil.noplist.plist",
	}

	_, err := engine.DisablePersistenceOnly(item)
	assert.True(t, errors.Is(err, ErrPlistNotFound))
}
