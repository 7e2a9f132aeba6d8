// Package scanner enumerates persistence items. The launchd adapter is
// the full implementation; the remaining categories are exposed through
// the same interface and return empty sets until their enumerators land.
package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"howett.net/plist"

	"github.com/halcyonlab/persistguard/internal/models"
	"github.com/halcyonlab/persistguard/internal/risk"
)

// Scanner produces fresh persistence item snapshots
type Scanner interface {
	ScanAll() ([]models.PersistenceItem, error)
	Scan(category models.Category) ([]models.PersistenceItem, error)
}

// Verdict is the trust verifier's output for one executable
type Verdict struct {
	Signature    *models.SignatureInfo
	Trust        models.TrustLevel
	Entitlements map[string]interface{}
}

// TrustVerifier resolves the code-signing identity of an executable.
// Implementations may shell out; the scanner treats failures as an
// unknown verdict, never as a scan failure.
type TrustVerifier interface {
	Verify(executablePath string) (Verdict, error)
}

// DefaultCategoryPaths maps each category to the directories the watcher
// and scanner observe for it.
func DefaultCategoryPaths() map[models.Category][]string {
	home, _ := os.UserHomeDir()
	paths := map[models.Category][]string{
		models.CategoryLaunchDaemon: {
			"/Library/LaunchDaemons",
			"/System/Library/LaunchDaemons",
		},
		models.CategoryLaunchAgent: {
			"/Library/LaunchAgents",
			"/System/Library/LaunchAgents",
		},
		models.CategoryKernelExtension: {
			"/Library/Extensions",
			"/System/Library/Extensions",
		},
		models.CategorySpotlightImporter: {
			"/Library/Spotlight",
		},
		models.CategoryQuickLookPlugin: {
			"/Library/QuickLook",
		},
		models.CategoryPeriodicScript: {
			"/etc/periodic/daily",
			"/etc/periodic/weekly",
			"/etc/periodic/monthly",
		},
	}
	if home != "" {
		paths[models.CategoryLaunchAgent] = append(paths[models.CategoryLaunchAgent],
			filepath.Join(home, "Library", "LaunchAgents"))
		paths[models.CategoryShellStartup] = []string{home}
		paths[models.CategorySpotlightImporter] = append(paths[models.CategorySpotlightImporter],
			filepath.Join(home, "Library", "Spotlight"))
		paths[models.CategoryQuickLookPlugin] = append(paths[models.CategoryQuickLookPlugin],
			filepath.Join(home, "Library", "QuickLook"))
	}
	return paths
}

// launchdJob mirrors the subset of launchd job keys the scanner reads.
// KeepAlive is either a bool or a condition dictionary; any dictionary
// counts as keep-alive behavior.
type launchdJob struct {
	Label            string      `plist:"Label"`
	Program          string      `plist:"Program"`
	ProgramArguments []string    `plist:"ProgramArguments"`
	RunAtLoad        bool        `plist:"RunAtLoad"`
	KeepAlive        interface{} `plist:"KeepAlive"`
	Disabled         bool        `plist:"Disabled"`
}

// LaunchdScanner enumerates launch agents and daemons from their plist
// directories.
type LaunchdScanner struct {
	paths    map[models.Category][]string
	verifier TrustVerifier
	log      *zap.Logger

	// loadedLabels reports which job labels launchd currently has
	// loaded; overridable in tests
	loadedLabels func() map[string]bool
}

// NewLaunchdScanner wires a scanner over the given category paths. A nil
// paths map falls back to the standard directories.
func NewLaunchdScanner(paths map[models.Category][]string, verifier TrustVerifier, log *zap.Logger) *LaunchdScanner {
	if paths == nil {
		paths = DefaultCategoryPaths()
	}
	return &LaunchdScanner{
		paths:        paths,
		verifier:     verifier,
		log:          log.Named("scanner"),
		loadedLabels: launchctlLabels,
	}
}

// ScanAll enumerates every known category
func (s *LaunchdScanner) ScanAll() ([]models.PersistenceItem, error) {
	var all []models.PersistenceItem
	for _, category := range models.AllCategories {
		items, err := s.Scan(category)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", category, err)
		}
		all = append(all, items...)
	}
	return all, nil
}

// Scan enumerates one category. Categories without an enumerator return
// an empty set so change detection still sees a coherent snapshot.
func (s *LaunchdScanner) Scan(category models.Category) ([]models.PersistenceItem, error) {
	switch category {
	case models.CategoryLaunchAgent, models.CategoryLaunchDaemon:
		return s.scanLaunchd(category)
	default:
		return []models.PersistenceItem{}, nil
	}
}

func (s *LaunchdScanner) scanLaunchd(category models.Category) ([]models.PersistenceItem, error) {
	loaded := s.loadedLabels()

	var items []models.PersistenceItem
	for _, dir := range s.paths[category] {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".plist") {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			item, err := s.readJob(path, category, loaded)
			if err != nil {
				s.log.Warn("unreadable job plist", zap.String("path", path), zap.Error(err))
				continue
			}
			items = append(items, item)
		}
	}
	return items, nil
}

func (s *LaunchdScanner) readJob(path string, category models.Category, loaded map[string]bool) (models.PersistenceItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.PersistenceItem{}, err
	}

	var job launchdJob
	if _, err := plist.Unmarshal(data, &job); err != nil {
		return models.PersistenceItem{}, fmt.Errorf("parse plist: %w", err)
	}

	identifier := job.Label
	if identifier == "" {
		identifier = strings.TrimSuffix(filepath.Base(path), ".plist")
	}

	item := models.PersistenceItem{
		Identifier:       identifier,
		Category:         category,
		Name:             identifier,
		PlistPath:        path,
		IsEnabled:        !job.Disabled,
		IsLoaded:         loaded[identifier],
		RunAtLoad:        job.RunAtLoad,
		KeepAlive:        keepAliveTruthy(job.KeepAlive),
		ProgramArguments: models.StringArray(job.ProgramArguments),
		ExecutablePath:   executablePath(job),
		TrustLevel:       models.TrustUnknown,
	}

	if info, err := os.Stat(path); err == nil {
		mod := info.ModTime()
		item.PlistModified = &mod
	}

	var entitlements map[string]interface{}
	if item.ExecutablePath != "" {
		if info, err := os.Stat(item.ExecutablePath); err == nil {
			item.BinaryExists = true
			item.BinaryWorldWritable = info.Mode().Perm()&0o002 != 0
			mod := info.ModTime()
			item.BinaryModified = &mod
		}

		if s.verifier != nil {
			verdict, err := s.verifier.Verify(item.ExecutablePath)
			if err != nil {
				s.log.Debug("trust verification failed",
					zap.String("path", item.ExecutablePath), zap.Error(err))
			} else {
				item.Signature = verdict.Signature
				item.TrustLevel = verdict.Trust
				entitlements = verdict.Entitlements
			}
		}
	}

	assessment := risk.Assess(&item, entitlements)
	item.RiskScore = assessment.Score
	return item, nil
}

func executablePath(job launchdJob) string {
	if job.Program != "" {
		return job.Program
	}
	if len(job.ProgramArguments) > 0 {
		return job.ProgramArguments[0]
	}
	return ""
}

// keepAliveTruthy interprets launchd's polymorphic KeepAlive key
func keepAliveTruthy(v interface{}) bool {
	switch kv := v.(type) {
	case bool:
		return kv
	case map[string]interface{}:
		return len(kv) > 0
	default:
		return false
	}
}
