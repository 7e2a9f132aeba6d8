// Package containment reversibly neutralizes persistence items: it
// disables their auto-start configuration (with backup) and blocks their
// binary's outbound network access, with timed automatic rollback.
package containment

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/halcyonlab/persistguard/internal/integrity"
	"github.com/halcyonlab/persistguard/internal/models"
	"github.com/halcyonlab/persistguard/internal/privexec"
)

// disabledSuffix is appended to a config file to take it out of service
const disabledSuffix = ".disabled"

var (
	ErrAlreadyContained = errors.New("item is already contained")
	ErrNotContained     = errors.New("item is not contained")
	ErrPlistNotFound    = errors.New("configuration file not found")
	ErrBinaryNotFound   = errors.New("binary not found")
)

// Result is the tagged outcome of a containment operation: full success,
// partial success with warnings, or failure (returned as an error).
type Result struct {
	Status   models.ContainmentStatus `json:"status"`
	State    *models.ContainmentState `json:"state,omitempty"`
	Warnings []string                 `json:"warnings,omitempty"`
}

// Store is the persistence surface the engine needs
type Store interface {
	SaveContainmentAction(*models.ContainmentAction) (*models.ContainmentAction, error)
	UpdateContainmentStatus(id uint, status models.ContainmentStatus) error
	SaveNetworkRule(*models.NetworkRule) error
	RemoveNetworkRule(ruleID string) error
	GetActiveNetworkRules() ([]models.NetworkRule, error)
	GetAllActiveContainments() ([]models.ContainmentAction, error)
}

// entry is the per-identifier containment slot. Its mutex serializes
// contain/release/extend for one item; privileged execution happens under
// it so a release can never race a concurrent contain.
type entry struct {
	mu          sync.Mutex
	state       *models.ContainmentState
	actionID    uint
	backup      string
	renamedPath string
	timer       *time.Timer
}

// Engine tracks contained items and drives the system mutations
type Engine struct {
	store   Store
	exec    privexec.Executor
	blocker *networkBlocker
	log     *zap.Logger

	// OnRuleExpired is invoked after an expiry timer has unblocked its
	// rule and the state has been updated. Optional.
	OnRuleExpired func(identifier string)

	// liveProcessCount resolves how many running processes use a binary;
	// overridable in tests
	liveProcessCount func(path string) int

	mu      sync.Mutex
	entries map[string]*entry
}

// NewEngine creates a containment engine
func NewEngine(st Store, ex privexec.Executor, log *zap.Logger) *Engine {
	log = log.Named("containment")
	return &Engine{
		store:            st,
		exec:             ex,
		blocker:          newNetworkBlocker(ex, log),
		log:              log,
		liveProcessCount: countProcessesByExe,
		entries:          make(map[string]*entry),
	}
}

func (e *Engine) entryFor(identifier string) *entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.entries[identifier]
	if !ok {
		en = &entry{}
		e.entries[identifier] = en
	}
	return en
}

// State returns a copy of the containment state for an identifier
func (e *Engine) State(identifier string) (models.ContainmentState, bool) {
	en := e.entryFor(identifier)
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.state == nil {
		return models.ContainmentState{}, false
	}
	return *en.state, true
}

// States returns copies of every active containment state
func (e *Engine) States() []models.ContainmentState {
	e.mu.Lock()
	ids := make([]string, 0, len(e.entries))
	for id := range e.entries {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	var out []models.ContainmentState
	for _, id := range ids {
		if st, ok := e.State(id); ok {
			out = append(out, st)
		}
	}
	return out
}

// Contain disables the item's persistence and blocks its network access.
// The two sub-steps run independently: one failing demotes the result to
// partial, both failing fails the call. A timeout of zero means no
// automatic release.
func (e *Engine) Contain(item *models.PersistenceItem, timeout time.Duration) (*Result, error) {
	en := e.entryFor(item.Identifier)
	en.mu.Lock()
	defer en.mu.Unlock()

	if en.state != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyContained, item.Identifier)
	}

	// best-effort hash for later substitution checks
	binaryHash := ""
	if item.ExecutablePath != "" {
		if h, err := integrity.HashFile(item.ExecutablePath); err == nil {
			binaryHash = h
		}
	}

	var warnings []string

	live := e.liveProcesses(item.ExecutablePath)
	if live > 0 {
		e.log.Warn("binary has running processes",
			zap.String("identifier", item.Identifier), zap.Int("count", live))
		warnings = append(warnings,
			fmt.Sprintf("%d running process(es) of %s survive containment", live, item.ExecutablePath))
	}

	var expiresAt *time.Time
	if timeout > 0 {
		t := time.Now().Add(timeout)
		expiresAt = &t
	}

	backup, renamed, persistErr := e.disablePersistence(item, live > 0)
	if persistErr != nil {
		warnings = append(warnings, fmt.Sprintf("persistence disable failed: %v", persistErr))
	}

	var rule *models.NetworkRule
	var netErr error
	rule, netErr = e.blockNetwork(item, expiresAt)
	if netErr != nil {
		warnings = append(warnings, fmt.Sprintf("network block failed: %v", netErr))
	}

	if persistErr != nil && netErr != nil {
		e.audit(&models.ContainmentAction{
			ActionType: models.ActionContain,
			Identifier: item.Identifier,
			Category:   item.Category,
			ItemName:   item.Name,
			Status:     models.StatusFailed,
			PlistPath:  item.PlistPath,
			BinaryHash: binaryHash,
			Warnings:   warnings,
			Timestamp:  time.Now(),
		})
		return nil, fmt.Errorf("containment failed: persistence: %v; network: %v", persistErr, netErr)
	}

	status := models.StatusActive
	if persistErr != nil || netErr != nil {
		status = models.StatusPartial
	}

	state := &models.ContainmentState{
		Identifier:          item.Identifier,
		Category:            item.Category,
		IsContained:         true,
		PersistenceDisabled: persistErr == nil,
		NetworkBlocked:      netErr == nil,
		NetworkRule:         rule,
		BinaryHash:          binaryHash,
		ContainedAt:         time.Now(),
		ExpiresAt:           expiresAt,
	}

	action := &models.ContainmentAction{
		ActionType:  models.ActionContain,
		Identifier:  item.Identifier,
		Category:    item.Category,
		ItemName:    item.Name,
		Status:      status,
		PlistPath:   item.PlistPath,
		PlistBackup: backup,
		BinaryHash:  binaryHash,
		Warnings:    warnings,
		ExpiresAt:   expiresAt,
		Timestamp:   time.Now(),
	}
	if rule != nil {
		action.RuleID = rule.RuleID
	}

	saved, err := e.store.SaveContainmentAction(action)
	if err != nil {
		// audit writes are fatal for containment, but the system has
		// already been mutated: keep local state so release still works
		en.state = state
		en.backup = backup
		en.renamedPath = renamed
		return nil, fmt.Errorf("containment applied but audit write failed: %w", err)
	}

	en.state = state
	en.actionID = saved.ID
	en.backup = backup
	en.renamedPath = renamed
	e.scheduleExpiry(en, item.Identifier, rule)

	e.log.Info("item contained",
		zap.String("identifier", item.Identifier),
		zap.String("status", string(status)),
		zap.Strings("warnings", warnings))

	return &Result{Status: status, State: state, Warnings: warnings}, nil
}

// DisablePersistenceOnly disables auto-start without touching the network
func (e *Engine) DisablePersistenceOnly(item *models.PersistenceItem) (*Result, error) {
	en := e.entryFor(item.Identifier)
	en.mu.Lock()
	defer en.mu.Unlock()

	if en.state != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyContained, item.Identifier)
	}

	backup, renamed, err := e.disablePersistence(item, e.liveProcesses(item.ExecutablePath) > 0)
	if err != nil {
		return nil, err
	}

	state := &models.ContainmentState{
		Identifier:          item.Identifier,
		Category:            item.Category,
		IsContained:         true,
		PersistenceDisabled: true,
		ContainedAt:         time.Now(),
	}

	saved, auditErr := e.store.SaveContainmentAction(&models.ContainmentAction{
		ActionType:  models.ActionPersistenceDisable,
		Identifier:  item.Identifier,
		Category:    item.Category,
		ItemName:    item.Name,
		Status:      models.StatusActive,
		PlistPath:   item.PlistPath,
		PlistBackup: backup,
		Timestamp:   time.Now(),
	})
	if auditErr != nil {
		en.state = state
		en.backup = backup
		en.renamedPath = renamed
		return nil, fmt.Errorf("persistence disabled but audit write failed: %w", auditErr)
	}

	en.state = state
	en.actionID = saved.ID
	en.backup = backup
	en.renamedPath = renamed

	return &Result{Status: models.StatusActive, State: state}, nil
}

// BlockNetworkOnly blocks the binary's network access without touching
// its persistence configuration.
func (e *Engine) BlockNetworkOnly(item *models.PersistenceItem, timeout time.Duration) (*Result, error) {
	en := e.entryFor(item.Identifier)
	en.mu.Lock()
	defer en.mu.Unlock()

	if en.state != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyContained, item.Identifier)
	}

	var expiresAt *time.Time
	if timeout > 0 {
		t := time.Now().Add(timeout)
		expiresAt = &t
	}

	rule, err := e.blockNetwork(item, expiresAt)
	if err != nil {
		return nil, err
	}

	state := &models.ContainmentState{
		Identifier:     item.Identifier,
		Category:       item.Category,
		IsContained:    true,
		NetworkBlocked: true,
		NetworkRule:    rule,
		ContainedAt:    time.Now(),
		ExpiresAt:      expiresAt,
	}

	saved, auditErr := e.store.SaveContainmentAction(&models.ContainmentAction{
		ActionType: models.ActionNetworkBlock,
		Identifier: item.Identifier,
		Category:   item.Category,
		ItemName:   item.Name,
		Status:     models.StatusActive,
		RuleID:     rule.RuleID,
		ExpiresAt:  expiresAt,
		Timestamp:  time.Now(),
	})
	if auditErr != nil {
		en.state = state
		return nil, fmt.Errorf("network blocked but audit write failed: %w", auditErr)
	}

	en.state = state
	en.actionID = saved.ID
	e.scheduleExpiry(en, item.Identifier, rule)

	return &Result{Status: models.StatusActive, State: state}, nil
}

// Release reverses containment. Sub-step failures become warnings, never
// aborts: local state is always cleared and a released audit record
// written, because an item stuck "contained" after a requested release is
// worse than a stale firewall rule.
func (e *Engine) Release(item *models.PersistenceItem) (*Result, error) {
	return e.release(item.Identifier, item.Name, item.Category, models.StatusReleased)
}

// ReleaseByIdentifier releases a contained item by its identifier alone
func (e *Engine) ReleaseByIdentifier(identifier string) (*Result, error) {
	return e.release(identifier, "", "", models.StatusReleased)
}

func (e *Engine) release(identifier, name string, category models.Category, final models.ContainmentStatus) (*Result, error) {
	en := e.entryFor(identifier)
	en.mu.Lock()
	defer en.mu.Unlock()

	if en.state == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotContained, identifier)
	}

	if en.timer != nil {
		en.timer.Stop()
		en.timer = nil
	}

	var warnings []string

	if en.state.PersistenceDisabled {
		if err := e.enablePersistence(en); err != nil {
			warnings = append(warnings, fmt.Sprintf("persistence re-enable failed: %v", err))
		}
	}

	if en.state.NetworkBlocked && en.state.NetworkRule != nil {
		rule := en.state.NetworkRule
		if err := e.blocker.unblock(rule); err != nil {
			warnings = append(warnings, fmt.Sprintf("network unblock failed: %v", err))
		}
		if err := e.store.RemoveNetworkRule(rule.RuleID); err != nil {
			warnings = append(warnings, fmt.Sprintf("rule cleanup failed: %v", err))
		}
	}

	if en.actionID != 0 {
		if err := e.store.UpdateContainmentStatus(en.actionID, final); err != nil {
			warnings = append(warnings, fmt.Sprintf("audit status update failed: %v", err))
		}
	}

	if category == "" {
		category = en.state.Category
	}

	e.audit(&models.ContainmentAction{
		ActionType: models.ActionRelease,
		Identifier: identifier,
		Category:   category,
		ItemName:   name,
		Status:     final,
		Warnings:   warnings,
		Timestamp:  time.Now(),
	})

	en.state = nil
	en.actionID = 0
	en.backup = ""
	en.renamedPath = ""

	e.log.Info("item released",
		zap.String("identifier", identifier), zap.Strings("warnings", warnings))

	return &Result{Status: final, Warnings: warnings}, nil
}

// ExtendTimeout pushes back the automatic release. An active network rule
// is torn down and recreated with the new expiry: the underlying blocking
// mechanisms are one-shot timed rules, not renewable ones.
func (e *Engine) ExtendTimeout(item *models.PersistenceItem, additional time.Duration) (*Result, error) {
	en := e.entryFor(item.Identifier)
	en.mu.Lock()
	defer en.mu.Unlock()

	if en.state == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotContained, item.Identifier)
	}

	base := time.Now()
	if en.state.ExpiresAt != nil && en.state.ExpiresAt.After(base) {
		base = *en.state.ExpiresAt
	}
	newExpiry := base.Add(additional)
	en.state.ExpiresAt = &newExpiry

	var warnings []string

	if en.state.NetworkBlocked && en.state.NetworkRule != nil {
		old := en.state.NetworkRule

		if en.timer != nil {
			en.timer.Stop()
			en.timer = nil
		}
		if err := e.blocker.unblock(old); err != nil {
			warnings = append(warnings, fmt.Sprintf("old rule teardown failed: %v", err))
		}
		if err := e.store.RemoveNetworkRule(old.RuleID); err != nil {
			warnings = append(warnings, fmt.Sprintf("old rule cleanup failed: %v", err))
		}

		rule, err := e.blocker.block(old.BinaryPath, newRuleID(), &newExpiry)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("replacement rule failed: %v", err))
			en.state.NetworkBlocked = false
			en.state.NetworkRule = nil
			en.state.IsContained = en.state.PersistenceDisabled
		} else {
			if err := e.store.SaveNetworkRule(rule); err != nil {
				warnings = append(warnings, fmt.Sprintf("replacement rule persist failed: %v", err))
			}
			en.state.NetworkRule = rule
			e.scheduleExpiry(en, item.Identifier, rule)
		}
	}

	e.audit(&models.ContainmentAction{
		ActionType: models.ActionExtendTimeout,
		Identifier: item.Identifier,
		Category:   item.Category,
		ItemName:   item.Name,
		Status:     models.StatusActive,
		ExpiresAt:  &newExpiry,
		Warnings:   warnings,
		Timestamp:  time.Now(),
	})

	stateCopy := *en.state
	return &Result{Status: models.StatusActive, State: &stateCopy, Warnings: warnings}, nil
}

// VerifyBinaryIntegrity recomputes the binary hash and compares it to the
// hash captured at containment time.
func (e *Engine) VerifyBinaryIntegrity(item *models.PersistenceItem) (integrity.Verdict, error) {
	en := e.entryFor(item.Identifier)
	en.mu.Lock()
	defer en.mu.Unlock()

	if en.state == nil {
		return integrity.VerdictUnavailable, fmt.Errorf("%w: %s", ErrNotContained, item.Identifier)
	}
	return integrity.Compare(item.ExecutablePath, en.state.BinaryHash), nil
}

// RestoreActiveRules re-applies all unexpired persisted rules after a
// process restart and purges any found already expired.
func (e *Engine) RestoreActiveRules() error {
	rules, err := e.store.GetActiveNetworkRules()
	if err != nil {
		return err
	}

	actions, err := e.store.GetAllActiveContainments()
	if err != nil {
		return err
	}
	byRule := make(map[string]*models.ContainmentAction)
	for i := range actions {
		if actions[i].RuleID != "" {
			byRule[actions[i].RuleID] = &actions[i]
		}
	}

	now := time.Now()
	for i := range rules {
		rule := rules[i]

		if rule.Expired(now) {
			e.log.Info("purging expired rule", zap.String("rule", rule.RuleID))
			if err := e.blocker.unblock(&rule); err != nil {
				e.log.Warn("expired rule unblock failed", zap.Error(err))
			}
			if err := e.store.RemoveNetworkRule(rule.RuleID); err != nil {
				e.log.Warn("expired rule cleanup failed", zap.Error(err))
			}
			if action, ok := byRule[rule.RuleID]; ok {
				_ = e.store.UpdateContainmentStatus(action.ID, models.StatusExpired)
			}
			continue
		}

		if err := e.blocker.reapply(&rule); err != nil {
			e.log.Warn("rule reapply failed", zap.String("rule", rule.RuleID), zap.Error(err))
			continue
		}

		action := byRule[rule.RuleID]
		identifier := ""
		if action != nil {
			identifier = action.Identifier
		}

		en := e.entryFor(identifier)
		en.mu.Lock()
		ruleCopy := rule
		st := &models.ContainmentState{
			Identifier:     identifier,
			IsContained:    true,
			NetworkBlocked: true,
			NetworkRule:    &ruleCopy,
			ContainedAt:    rule.CreatedAt,
			ExpiresAt:      rule.ExpiresAt,
		}
		if action != nil {
			st.Category = action.Category
			st.BinaryHash = action.BinaryHash
			st.PersistenceDisabled = action.ActionType == models.ActionContain && action.PlistBackup != ""
			en.actionID = action.ID
			en.backup = action.PlistBackup
			if st.PersistenceDisabled && action.PlistPath != "" {
				en.renamedPath = action.PlistPath + disabledSuffix
			}
		}
		en.state = st
		e.scheduleExpiry(en, identifier, &ruleCopy)
		en.mu.Unlock()
	}
	return nil
}

// scheduleExpiry installs the one-shot auto-release timer for a finite
// rule. Caller holds the entry lock.
func (e *Engine) scheduleExpiry(en *entry, identifier string, rule *models.NetworkRule) {
	if rule == nil || rule.ExpiresAt == nil {
		return
	}
	delay := time.Until(*rule.ExpiresAt)
	if delay < 0 {
		delay = 0
	}
	en.timer = time.AfterFunc(delay, func() {
		e.handleRuleExpired(identifier, rule.RuleID)
	})
}

// handleRuleExpired fires when an expiry timer elapses: the rule is
// unblocked and the containment state demoted (fully cleared when
// persistence was not also disabled).
func (e *Engine) handleRuleExpired(identifier, ruleID string) {
	en := e.entryFor(identifier)
	en.mu.Lock()

	st := en.state
	if st == nil || st.NetworkRule == nil || st.NetworkRule.RuleID != ruleID {
		en.mu.Unlock()
		return // rule already released or replaced
	}

	rule := st.NetworkRule
	if err := e.blocker.unblock(rule); err != nil {
		e.log.Warn("expiry unblock failed", zap.String("rule", ruleID), zap.Error(err))
	}
	if err := e.store.RemoveNetworkRule(ruleID); err != nil {
		e.log.Warn("expired rule cleanup failed", zap.Error(err))
	}

	st.NetworkBlocked = false
	st.NetworkRule = nil
	en.timer = nil

	if !st.PersistenceDisabled {
		if en.actionID != 0 {
			_ = e.store.UpdateContainmentStatus(en.actionID, models.StatusExpired)
		}
		e.audit(&models.ContainmentAction{
			ActionType: models.ActionNetworkUnblock,
			Identifier: identifier,
			Category:   st.Category,
			Status:     models.StatusExpired,
			RuleID:     ruleID,
			Timestamp:  time.Now(),
		})
		en.state = nil
		en.actionID = 0
	} else {
		st.IsContained = true
	}
	en.mu.Unlock()

	e.log.Info("network rule expired", zap.String("identifier", identifier), zap.String("rule", ruleID))

	if e.OnRuleExpired != nil {
		e.OnRuleExpired(identifier)
	}
}

// disablePersistence backs up the config text, best-effort unloads the
// item, then renames the config out of service. Unload failure is logged,
// not fatal: the rename still prevents future loads. hasLiveProcesses
// forces the unload attempt even when the scan saw the job as unloaded,
// since a running process means the scan's view is stale.
func (e *Engine) disablePersistence(item *models.PersistenceItem, hasLiveProcesses bool) (backup, renamed string, err error) {
	if item.PlistPath == "" {
		return "", "", ErrPlistNotFound
	}
	content, readErr := os.ReadFile(item.PlistPath)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return "", "", fmt.Errorf("%w: %s", ErrPlistNotFound, item.PlistPath)
		}
		return "", "", readErr
	}
	backup = string(content)
	renamed = item.PlistPath + disabledSuffix

	if item.IsLoaded || hasLiveProcesses {
		if out, unloadErr := exec.Command("launchctl", "bootout", "system", item.PlistPath).CombinedOutput(); unloadErr != nil {
			e.log.Warn("unload failed, continuing",
				zap.String("identifier", item.Identifier),
				zap.String("output", string(out)))
		}
	}

	if renameErr := os.Rename(item.PlistPath, renamed); renameErr != nil {
		// directory not writable at this privilege level: go through the
		// elevated path instead
		cmd := fmt.Sprintf("mv '%s' '%s'", item.PlistPath, renamed)
		if out, privErr := e.exec.Run(cmd); privErr != nil {
			return "", "", &ExternalToolError{Tool: "mv", Output: out, Err: privErr}
		}
	}

	return backup, renamed, nil
}

// enablePersistence reverses the rename, falling back to rewriting the
// original path from the stored backup when the renamed file is gone.
// Caller holds the entry lock.
func (e *Engine) enablePersistence(en *entry) error {
	original := en.renamedPath
	if original == "" {
		return fmt.Errorf("no disabled config recorded")
	}
	originalPath := original[:len(original)-len(disabledSuffix)]

	if _, err := os.Stat(en.renamedPath); err == nil {
		if renameErr := os.Rename(en.renamedPath, originalPath); renameErr != nil {
			cmd := fmt.Sprintf("mv '%s' '%s'", en.renamedPath, originalPath)
			if out, privErr := e.exec.Run(cmd); privErr != nil {
				return &ExternalToolError{Tool: "mv", Output: out, Err: privErr}
			}
		}
		return nil
	}

	if en.backup == "" {
		return fmt.Errorf("disabled config missing and no backup stored")
	}
	return os.WriteFile(originalPath, []byte(en.backup), 0644)
}

// blockNetwork verifies the binary and installs a rule through the
// strategy chain, persisting it and leaving the expiry timer to the caller.
func (e *Engine) blockNetwork(item *models.PersistenceItem, expiresAt *time.Time) (*models.NetworkRule, error) {
	if item.ExecutablePath == "" {
		return nil, ErrBinaryNotFound
	}
	if _, err := os.Stat(item.ExecutablePath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBinaryNotFound, item.ExecutablePath)
	}

	rule, err := e.blocker.block(item.ExecutablePath, newRuleID(), expiresAt)
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveNetworkRule(rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// liveProcesses counts running processes whose executable matches path
func (e *Engine) liveProcesses(path string) int {
	if path == "" {
		return 0
	}
	return e.liveProcessCount(path)
}

func countProcessesByExe(path string) int {
	procs, err := process.Processes()
	if err != nil {
		return 0
	}
	count := 0
	for _, p := range procs {
		if exe, err := p.Exe(); err == nil && exe == path {
			count++
		}
	}
	return count
}

// audit writes a record, logging (not returning) failure: audit of a
// best-effort cleanup step must not mask the step's own outcome.
func (e *Engine) audit(action *models.ContainmentAction) {
	if _, err := e.store.SaveContainmentAction(action); err != nil {
		e.log.Error("audit write failed", zap.Error(err))
	}
}

func newRuleID() string {
	return fmt.Sprintf("pg-%d", time.Now().UnixNano())
}
