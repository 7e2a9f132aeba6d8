package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// StringArray is a custom type to handle string arrays (compatible with SQLite)
type StringArray []string

// Scan implements the Scanner interface for StringArray
func (s *StringArray) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("cannot scan %T into StringArray", value)
	}
}

// Value implements the driver.Valuer interface for StringArray
func (s StringArray) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

// Category identifies a persistence mechanism family
type Category string

const (
	CategoryLaunchAgent          Category = "launch_agent"
	CategoryLaunchDaemon         Category = "launch_daemon"
	CategoryLoginItem            Category = "login_item"
	CategoryKernelExtension      Category = "kernel_extension"
	CategorySystemExtension      Category = "system_extension"
	CategoryConfigurationProfile Category = "configuration_profile"
	CategoryCronJob              Category = "cron_job"
	CategoryPeriodicScript       Category = "periodic_script"
	CategoryShellStartup         Category = "shell_startup"
	CategoryBrowserExtension     Category = "browser_extension"
	CategorySpotlightImporter    Category = "spotlight_importer"
	CategoryQuickLookPlugin      Category = "quicklook_plugin"
)

// AllCategories lists every category the scanner and watcher know about
var AllCategories = []Category{
	CategoryLaunchAgent,
	CategoryLaunchDaemon,
	CategoryLoginItem,
	CategoryKernelExtension,
	CategorySystemExtension,
	CategoryConfigurationProfile,
	CategoryCronJob,
	CategoryPeriodicScript,
	CategoryShellStartup,
	CategoryBrowserExtension,
	CategorySpotlightImporter,
	CategoryQuickLookPlugin,
}

// TrustLevel is the verdict attached by the trust verifier
type TrustLevel string

const (
	TrustApple         TrustLevel = "apple"
	TrustKnownVendor   TrustLevel = "known_vendor"
	TrustSignedUnknown TrustLevel = "signed_unknown"
	TrustUnsigned      TrustLevel = "unsigned"
	TrustSuspicious    TrustLevel = "suspicious"
	TrustUnknown       TrustLevel = "unknown"
)

// SignatureInfo describes the code signature of an executable as reported
// by the trust verifier. A nil SignatureInfo means no verdict is available
// and is treated as unsigned-equivalent by the risk model.
type SignatureInfo struct {
	IsSigned           bool       `json:"is_signed"`
	IsValid            bool       `json:"is_valid"`
	IsApple            bool       `json:"is_apple"`
	IsNotarized        bool       `json:"is_notarized"`
	HasHardenedRuntime bool       `json:"has_hardened_runtime"`
	TeamID             string     `json:"team_id,omitempty"`
	Authority          string     `json:"authority,omitempty"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the signing certificate has lapsed
func (s *SignatureInfo) Expired(now time.Time) bool {
	return s != nil && s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}

// PersistenceItem is one enumerated auto-start entry. Items are produced
// fresh on every scan and never mutated in place; change detection always
// compares two immutable snapshots.
type PersistenceItem struct {
	Identifier string   `json:"identifier"`
	Category   Category `json:"category"`
	Name       string   `json:"name"`

	PlistPath      string `json:"plist_path,omitempty"`
	ExecutablePath string `json:"executable_path,omitempty"`

	IsEnabled bool `json:"is_enabled"`
	IsLoaded  bool `json:"is_loaded"`

	RunAtLoad        bool        `json:"run_at_load"`
	KeepAlive        bool        `json:"keep_alive"`
	ProgramArguments StringArray `json:"program_arguments,omitempty"`

	Signature  *SignatureInfo `json:"signature,omitempty"`
	TrustLevel TrustLevel     `json:"trust_level"`

	// Binary facts captured at scan time so scoring stays I/O-free
	BinaryExists        bool `json:"binary_exists"`
	BinaryWorldWritable bool `json:"binary_world_writable"`

	PlistCreated       *time.Time `json:"plist_created,omitempty"`
	PlistModified      *time.Time `json:"plist_modified,omitempty"`
	BinaryCreated      *time.Time `json:"binary_created,omitempty"`
	BinaryModified     *time.Time `json:"binary_modified,omitempty"`
	BinaryLastExecuted *time.Time `json:"binary_last_executed,omitempty"`
	FirstDiscovered    *time.Time `json:"first_discovered,omitempty"`

	RiskScore int `json:"risk_score"`
}

// Severity buckets derived from a risk score
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RiskDetail is one itemized scoring factor
type RiskDetail struct {
	Factor      string `json:"factor"`
	Points      int    `json:"points"`
	Description string `json:"description"`
}

// RiskAssessment is the full scoring result for one item. It is recomputed
// on every scan; only the final score travels with the item.
type RiskAssessment struct {
	Score    int          `json:"score"`
	Severity Severity     `json:"severity"`
	Details  []RiskDetail `json:"details"`
}

// ChangeType classifies a detected difference between baseline and current
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeRemoved  ChangeType = "removed"
	ChangeModified ChangeType = "modified"
	ChangeEnabled  ChangeType = "enabled"
	ChangeDisabled ChangeType = "disabled"
)

// ChangeDetail records one field-level difference
type ChangeDetail struct {
	Field    string `json:"field"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
}

// Change is one detected difference for one item. Item is nil for removals.
type Change struct {
	Type       ChangeType       `json:"type"`
	Item       *PersistenceItem `json:"item,omitempty"`
	Identifier string           `json:"identifier"`
	Category   Category         `json:"category"`
	Timestamp  time.Time        `json:"timestamp"`
	Details    []ChangeDetail   `json:"details,omitempty"`
}

// ChangeDetails is a persisted list of field-level differences
type ChangeDetails []ChangeDetail

// Scan implements the Scanner interface for ChangeDetails
func (d *ChangeDetails) Scan(value interface{}) error {
	if value == nil {
		*d = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	default:
		return fmt.Errorf("cannot scan %T into ChangeDetails", value)
	}
}

// Value implements the driver.Valuer interface for ChangeDetails
func (d ChangeDetails) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

// ChangeHistoryEntry is the append-only record of a detected change.
// Relevance is computed once at persist time; Acknowledged is the only
// field mutated afterwards.
type ChangeHistoryEntry struct {
	ID           uint           `json:"id" gorm:"primaryKey"`
	Identifier   string         `json:"identifier" gorm:"index"`
	Category     Category       `json:"category" gorm:"index"`
	ChangeType   ChangeType     `json:"change_type"`
	ItemName     string         `json:"item_name"`
	Details      ChangeDetails  `json:"details" gorm:"type:text"`
	Relevance    int            `json:"relevance"`
	// Notified marks entries that cleared the relevance gate and were
	// forwarded to the sink; below-threshold history is kept but never
	// counts toward the review backlog.
	Notified     bool           `json:"notified" gorm:"index"`
	Acknowledged bool           `json:"acknowledged" gorm:"index"`
	Timestamp    time.Time      `json:"timestamp"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `json:"deleted_at" gorm:"index"`
}

// NetworkRuleMethod identifies which blocking strategy created a rule
type NetworkRuleMethod string

const (
	MethodPrimary  NetworkRuleMethod = "primary"  // application firewall
	MethodFallback NetworkRuleMethod = "fallback" // pf anchor
)

// NetworkRule is one active outbound-block rule for a contained binary
type NetworkRule struct {
	ID         uint              `json:"id" gorm:"primaryKey"`
	RuleID     string            `json:"rule_id" gorm:"uniqueIndex"`
	Anchor     string            `json:"anchor"`
	BinaryPath string            `json:"binary_path"`
	Method     NetworkRuleMethod `json:"method"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
}

// Expired reports whether the rule's expiry has passed
func (r *NetworkRule) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// ContainmentState tracks one contained item. Present only while contained.
// Invariant: IsContained == (PersistenceDisabled || NetworkBlocked).
type ContainmentState struct {
	Identifier          string       `json:"identifier"`
	Category            Category     `json:"category"`
	IsContained         bool         `json:"is_contained"`
	PersistenceDisabled bool         `json:"persistence_disabled"`
	NetworkBlocked      bool         `json:"network_blocked"`
	NetworkRule         *NetworkRule `json:"network_rule,omitempty"`
	BinaryHash          string       `json:"binary_hash,omitempty"`
	ContainedAt         time.Time    `json:"contained_at"`
	ExpiresAt           *time.Time   `json:"expires_at,omitempty"`
}

// ContainmentActionType enumerates the auditable containment operations
type ContainmentActionType string

const (
	ActionContain            ContainmentActionType = "contain"
	ActionRelease            ContainmentActionType = "release"
	ActionPersistenceDisable ContainmentActionType = "persistence_disable"
	ActionPersistenceEnable  ContainmentActionType = "persistence_enable"
	ActionNetworkBlock       ContainmentActionType = "network_block"
	ActionNetworkUnblock     ContainmentActionType = "network_unblock"
	ActionExtendTimeout      ContainmentActionType = "extend_timeout"
)

// ContainmentStatus is the lifecycle state of an audit record
type ContainmentStatus string

const (
	StatusActive   ContainmentStatus = "active"
	StatusReleased ContainmentStatus = "released"
	StatusExpired  ContainmentStatus = "expired"
	StatusFailed   ContainmentStatus = "failed"
	StatusPartial  ContainmentStatus = "partial"
)

// ContainmentAction is the append-only audit record for a containment
// operation. PlistBackup stores the original config text so release can
// restore it even if the renamed file disappears. Immutable once written
// except for Status transitions.
type ContainmentAction struct {
	ID          uint                  `json:"id" gorm:"primaryKey"`
	ActionType  ContainmentActionType `json:"action_type"`
	Identifier  string                `json:"identifier" gorm:"index"`
	Category    Category              `json:"category"`
	ItemName    string                `json:"item_name"`
	Status      ContainmentStatus     `json:"status" gorm:"index"`
	PlistPath   string                `json:"plist_path,omitempty"`
	PlistBackup string                `json:"plist_backup,omitempty" gorm:"type:text"`
	BinaryHash  string                `json:"binary_hash,omitempty"`
	RuleID      string                `json:"rule_id,omitempty"`
	Warnings    StringArray           `json:"warnings,omitempty" gorm:"type:text"`
	ExpiresAt   *time.Time            `json:"expires_at,omitempty"`
	Timestamp   time.Time             `json:"timestamp"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// User represents an API user for the local dashboard surface
type User struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	Username  string         `json:"username" gorm:"uniqueIndex;not null"`
	Password  string         `json:"password" gorm:"not null"` // hashed
	Role      string         `json:"role" gorm:"default:'user'"`
	IsActive  bool           `json:"is_active" gorm:"default:true"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at" gorm:"index"`
}
