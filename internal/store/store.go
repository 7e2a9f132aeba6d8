// Package store persists change history, containment audit records and
// network rules behind a gorm-backed SQLite database.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/halcyonlab/persistguard/internal/models"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// StoreError wraps any persistence-layer failure so callers can treat the
// whole store as one failure domain.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("store: %s: %w", op, ErrNotFound)
	}
	return &StoreError{Op: op, Err: err}
}

// Store is the gorm-backed persistence layer
type Store struct {
	db *gorm.DB
}

// Open connects to the SQLite database at dsn and runs migrations.
// Use ":memory:" for an ephemeral store.
func Open(dsn string, gormLogger logger.Interface) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.ChangeHistoryEntry{},
		&models.ContainmentAction{},
		&models.NetworkRule{},
		&models.User{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle for the API layer's user queries
func (s *Store) DB() *gorm.DB { return s.db }

// SaveChangeHistory appends one change record
func (s *Store) SaveChangeHistory(entry *models.ChangeHistoryEntry) error {
	return wrap("save change history", s.db.Create(entry).Error)
}

// GetChangeHistory returns the most recent entries, newest first
func (s *Store) GetChangeHistory(limit int) ([]models.ChangeHistoryEntry, error) {
	var entries []models.ChangeHistoryEntry
	q := s.db.Order("timestamp desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, wrap("get change history", err)
	}
	return entries, nil
}

// AcknowledgeChange flips the acknowledged flag on one entry
func (s *Store) AcknowledgeChange(id uint) error {
	result := s.db.Model(&models.ChangeHistoryEntry{}).
		Where("id = ?", id).
		Update("acknowledged", true)
	if result.Error != nil {
		return wrap("acknowledge change", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: acknowledge change: %w", ErrNotFound)
	}
	return nil
}

// GetUnacknowledgedCount counts forwarded entries not yet acknowledged.
// Below-threshold history entries never enter the backlog.
func (s *Store) GetUnacknowledgedCount() (int64, error) {
	var count int64
	err := s.db.Model(&models.ChangeHistoryEntry{}).
		Where("acknowledged = ? AND notified = ?", false, true).
		Count(&count).Error
	if err != nil {
		return 0, wrap("count unacknowledged", err)
	}
	return count, nil
}

// SaveContainmentAction appends one audit record and returns it with its ID
func (s *Store) SaveContainmentAction(action *models.ContainmentAction) (*models.ContainmentAction, error) {
	if err := s.db.Create(action).Error; err != nil {
		return nil, wrap("save containment action", err)
	}
	return action, nil
}

// UpdateContainmentStatus transitions the status of one audit record
func (s *Store) UpdateContainmentStatus(id uint, status models.ContainmentStatus) error {
	result := s.db.Model(&models.ContainmentAction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now()})
	if result.Error != nil {
		return wrap("update containment status", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: update containment status: %w", ErrNotFound)
	}
	return nil
}

// GetActiveContainment returns the newest active or partial containment
// record for an identifier, or ErrNotFound.
func (s *Store) GetActiveContainment(identifier string) (*models.ContainmentAction, error) {
	var action models.ContainmentAction
	err := s.db.Where("identifier = ? AND status IN ?", identifier,
		[]models.ContainmentStatus{models.StatusActive, models.StatusPartial}).
		Order("created_at desc").
		First(&action).Error
	if err != nil {
		return nil, wrap("get active containment", err)
	}
	return &action, nil
}

// GetAllActiveContainments returns every active or partial containment record
func (s *Store) GetAllActiveContainments() ([]models.ContainmentAction, error) {
	var actions []models.ContainmentAction
	err := s.db.Where("status IN ?",
		[]models.ContainmentStatus{models.StatusActive, models.StatusPartial}).
		Order("created_at desc").
		Find(&actions).Error
	if err != nil {
		return nil, wrap("get active containments", err)
	}
	return actions, nil
}

// SaveNetworkRule persists one blocking rule
func (s *Store) SaveNetworkRule(rule *models.NetworkRule) error {
	return wrap("save network rule", s.db.Create(rule).Error)
}

// RemoveNetworkRule deletes a rule by its rule id
func (s *Store) RemoveNetworkRule(ruleID string) error {
	return wrap("remove network rule", s.db.Where("rule_id = ?", ruleID).Delete(&models.NetworkRule{}).Error)
}

// GetNetworkRule fetches a rule by its rule id
func (s *Store) GetNetworkRule(ruleID string) (*models.NetworkRule, error) {
	var rule models.NetworkRule
	if err := s.db.Where("rule_id = ?", ruleID).First(&rule).Error; err != nil {
		return nil, wrap("get network rule", err)
	}
	return &rule, nil
}

// GetActiveNetworkRules returns every persisted rule
func (s *Store) GetActiveNetworkRules() ([]models.NetworkRule, error) {
	var rules []models.NetworkRule
	if err := s.db.Find(&rules).Error; err != nil {
		return nil, wrap("get active network rules", err)
	}
	return rules, nil
}

// GetUserByUsername fetches an API user
func (s *Store) GetUserByUsername(username string) (*models.User, error) {
	var user models.User
	if err := s.db.Where("username = ?", username).First(&user).Error; err != nil {
		return nil, wrap("get user", err)
	}
	return &user, nil
}

// CreateUser inserts an API user
func (s *Store) CreateUser(user *models.User) error {
	return wrap("create user", s.db.Create(user).Error)
}
