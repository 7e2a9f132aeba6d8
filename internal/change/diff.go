// Package change diffs two immutable item snapshots for one category and
// scores each resulting change for relevance.
package change

import (
	"strconv"
	"strings"
	"time"

	"github.com/halcyonlab/persistguard/internal/models"
)

// modTimeTolerance absorbs filesystem timestamp rounding
const modTimeTolerance = time.Second

// Diff compares a baseline snapshot against a current one and returns the
// detected changes. Duplicate identifiers within a snapshot: first
// occurrence wins.
func Diff(baseline, current []models.PersistenceItem, category models.Category) []models.Change {
	return DiffAt(baseline, current, category, time.Now())
}

// DiffAt is Diff with an explicit timestamp for the emitted changes.
func DiffAt(baseline, current []models.PersistenceItem, category models.Category, now time.Time) []models.Change {
	baseMap := indexByIdentifier(baseline)
	currMap := indexByIdentifier(current)

	var changes []models.Change

	// Preserve scan order for added/modified so output is deterministic.
	seen := make(map[string]bool, len(current))
	for i := range current {
		item := &current[i]
		if seen[item.Identifier] {
			continue
		}
		seen[item.Identifier] = true

		old, existed := baseMap[item.Identifier]
		if !existed {
			changes = append(changes, models.Change{
				Type:       models.ChangeAdded,
				Item:       item,
				Identifier: item.Identifier,
				Category:   category,
				Timestamp:  now,
			})
			continue
		}

		details := fieldDiffs(old, item)
		if len(details) == 0 {
			continue
		}

		changes = append(changes, models.Change{
			Type:       classify(details),
			Item:       item,
			Identifier: item.Identifier,
			Category:   category,
			Timestamp:  now,
			Details:    details,
		})
	}

	seen = make(map[string]bool, len(baseline))
	for i := range baseline {
		item := &baseline[i]
		if seen[item.Identifier] {
			continue
		}
		seen[item.Identifier] = true

		if _, exists := currMap[item.Identifier]; !exists {
			changes = append(changes, models.Change{
				Type:       models.ChangeRemoved,
				Identifier: item.Identifier,
				Category:   category,
				Timestamp:  now,
			})
		}
	}

	return changes
}

func indexByIdentifier(items []models.PersistenceItem) map[string]*models.PersistenceItem {
	m := make(map[string]*models.PersistenceItem, len(items))
	for i := range items {
		if _, dup := m[items[i].Identifier]; dup {
			continue
		}
		m[items[i].Identifier] = &items[i]
	}
	return m
}

// classify reclassifies a modified change to enabled/disabled when the
// differing fields include the isEnabled flip.
func classify(details []models.ChangeDetail) models.ChangeType {
	for _, d := range details {
		if d.Field == "isEnabled" {
			if d.NewValue == "true" {
				return models.ChangeEnabled
			}
			return models.ChangeDisabled
		}
	}
	return models.ChangeModified
}

func fieldDiffs(old, curr *models.PersistenceItem) []models.ChangeDetail {
	var details []models.ChangeDetail

	addBool := func(field string, o, c bool) {
		if o != c {
			details = append(details, models.ChangeDetail{
				Field:    field,
				OldValue: strconv.FormatBool(o),
				NewValue: strconv.FormatBool(c),
			})
		}
	}
	addString := func(field, o, c string) {
		if o != c {
			details = append(details, models.ChangeDetail{Field: field, OldValue: o, NewValue: c})
		}
	}

	addBool("isEnabled", old.IsEnabled, curr.IsEnabled)
	addBool("isLoaded", old.IsLoaded, curr.IsLoaded)
	addString("executablePath", old.ExecutablePath, curr.ExecutablePath)

	if !timesClose(old.BinaryModified, curr.BinaryModified) {
		details = append(details, models.ChangeDetail{
			Field:    "binaryModified",
			OldValue: formatTime(old.BinaryModified),
			NewValue: formatTime(curr.BinaryModified),
		})
	}
	if !timesClose(old.PlistModified, curr.PlistModified) {
		details = append(details, models.ChangeDetail{
			Field:    "plistModified",
			OldValue: formatTime(old.PlistModified),
			NewValue: formatTime(curr.PlistModified),
		})
	}

	addBool("runAtLoad", old.RunAtLoad, curr.RunAtLoad)
	addBool("keepAlive", old.KeepAlive, curr.KeepAlive)
	addString("programArguments", strings.Join(old.ProgramArguments, " "), strings.Join(curr.ProgramArguments, " "))
	addString("trustLevel", string(old.TrustLevel), string(curr.TrustLevel))

	return details
}

// timesClose compares two optional timestamps with a one-second tolerance.
func timesClose(a, b *time.Time) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	d := a.Sub(*b)
	if d < 0 {
		d = -d
	}
	return d <= modTimeTolerance
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
