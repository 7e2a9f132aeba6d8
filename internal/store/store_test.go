package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/halcyonlab/persistguard/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()), logger.Default.LogMode(logger.Silent))
	require.NoError(t, err)
	return s
}

func TestChangeHistoryRoundTrip(t *testing.T) {
	s := openTestStore(t)

	entry := &models.ChangeHistoryEntry{
		Identifier: "com.example.agent",
		Category:   models.CategoryLaunchAgent,
		ChangeType: models.ChangeAdded,
		ItemName:   "example-agent",
		Details: models.ChangeDetails{
			{Field: "executablePath", OldValue: "", NewValue: "/tmp/x"},
		},
		Relevance: 85,
		Timestamp: time.Now(),
	}
	require.NoError(t, s.SaveChangeHistory(entry))
	require.NotZero(t, entry.ID)

	entries, err := s.GetChangeHistory(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "com.example.agent", entries[0].Identifier)
	assert.Equal(t, 85, entries[0].Relevance)
	require.Len(t, entries[0].Details, 1)
	assert.Equal(t, "executablePath", entries[0].Details[0].Field)
	assert.False(t, entries[0].Acknowledged)
}

func TestAcknowledgeAndCount(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveChangeHistory(&models.ChangeHistoryEntry{
			Identifier: "id",
			Category:   models.CategoryLaunchAgent,
			ChangeType: models.ChangeModified,
			Notified:   true,
			Timestamp:  time.Now(),
		}))
	}
	// below-threshold history never enters the backlog
	require.NoError(t, s.SaveChangeHistory(&models.ChangeHistoryEntry{
		Identifier: "id-quiet",
		Category:   models.CategoryLaunchAgent,
		ChangeType: models.ChangeModified,
		Notified:   false,
		Timestamp:  time.Now(),
	}))

	count, err := s.GetUnacknowledgedCount()
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)

	entries, err := s.GetChangeHistory(0)
	require.NoError(t, err)
	require.NoError(t, s.AcknowledgeChange(entries[0].ID))

	count, err = s.GetUnacknowledgedCount()
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	err = s.AcknowledgeChange(99999)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestContainmentActionLifecycle(t *testing.T) {
	s := openTestStore(t)

	action, err := s.SaveContainmentAction(&models.ContainmentAction{
		ActionType: models.ActionContain,
		Identifier: "com.evil.thing",
		Category:   models.CategoryLaunchDaemon,
		Status:     models.StatusActive,
		PlistPath:  "/Library/LaunchDaemons/com.evil.thing.plist",
		Timestamp:  time.Now(),
	})
	require.NoError(t, err)
	require.NotZero(t, action.ID)

	active, err := s.GetActiveContainment("com.evil.thing")
	require.NoError(t, err)
	assert.Equal(t, action.ID, active.ID)

	all, err := s.GetAllActiveContainments()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.UpdateContainmentStatus(action.ID, models.StatusReleased))

	_, err = s.GetActiveContainment("com.evil.thing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestNetworkRuleRoundTrip(t *testing.T) {
	s := openTestStore(t)

	expiry := time.Now().Add(time.Hour)
	rule := &models.NetworkRule{
		RuleID:     "pg-block-1234",
		Anchor:     "persistguard/block_1234",
		BinaryPath: "/tmp/evil",
		Method:     models.MethodFallback,
		ExpiresAt:  &expiry,
	}
	require.NoError(t, s.SaveNetworkRule(rule))

	got, err := s.GetNetworkRule("pg-block-1234")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/evil", got.BinaryPath)
	assert.Equal(t, models.MethodFallback, got.Method)

	rules, err := s.GetActiveNetworkRules()
	require.NoError(t, err)
	assert.Len(t, rules, 1)

	require.NoError(t, s.RemoveNetworkRule("pg-block-1234"))
	_, err = s.GetNetworkRule("pg-block-1234")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStoreErrorWrapsFailures(t *testing.T) {
	s := openTestStore(t)

	// duplicate rule id violates the unique index
	rule := &models.NetworkRule{RuleID: "dup", BinaryPath: "/bin/x", Method: models.MethodPrimary}
	require.NoError(t, s.SaveNetworkRule(rule))

	err := s.SaveNetworkRule(&models.NetworkRule{RuleID: "dup", BinaryPath: "/bin/y", Method: models.MethodPrimary})
	require.Error(t, err)

	var storeErr *StoreError
	assert.True(t, errors.As(err, &storeErr))
}
