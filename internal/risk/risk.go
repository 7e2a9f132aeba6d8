// Package risk scores persistence items. Scoring is a pure function over
// the item snapshot: every I/O-derived fact (binary presence, file mode)
// is captured by the scanner before assessment.
package risk

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/halcyonlab/persistguard/internal/models"
)

const (
	appleDiscount     = 40
	notarizedDiscount = 20
	recentBinaryAge   = 7 * 24 * time.Hour
)

var (
	hexNamePattern  = regexp.MustCompile(`^[0-9a-fA-F]{8,}$`)
	uuidNamePattern = regexp.MustCompile(`^[0-9a-fA-F-]{32,}$`)
)

// standard user-Library locations that do not count as suspicious
var benignUserLibraryDirs = []string{
	"Library/Application Support/",
	"Library/Preferences/",
	"Library/LaunchAgents/",
}

// Assess computes the risk assessment for one item. Deterministic, no I/O.
// Entitlements may be nil when the verifier produced none.
func Assess(item *models.PersistenceItem, entitlements map[string]interface{}) models.RiskAssessment {
	return AssessAt(item, entitlements, time.Now())
}

// AssessAt is Assess with an explicit clock, used by tests and replays.
func AssessAt(item *models.PersistenceItem, entitlements map[string]interface{}, now time.Time) models.RiskAssessment {
	var details []models.RiskDetail

	add := func(factor string, points int, desc string) {
		details = append(details, models.RiskDetail{Factor: factor, Points: points, Description: desc})
	}

	scorePaths(item, add)
	scoreSignature(item, now, add)
	scoreEntitlements(entitlements, add)
	scoreBehavior(item, add)
	scoreBinaryState(item, now, add)

	score := 0
	for _, d := range details {
		score += d.Points
	}
	if score > 100 {
		score = 100
	}

	switch {
	case item.Signature != nil && item.Signature.IsApple:
		score -= appleDiscount
		add("trust", -appleDiscount, "Apple-signed")
	case item.Signature != nil && item.Signature.IsNotarized && item.Signature.IsValid:
		score -= notarizedDiscount
		add("trust", -notarizedDiscount, "notarized with valid signature")
	}

	if score < 0 {
		score = 0
	}

	return models.RiskAssessment{
		Score:    score,
		Severity: SeverityForScore(score),
		Details:  details,
	}
}

// SeverityForScore maps a score to its severity band
func SeverityForScore(score int) models.Severity {
	switch {
	case score < 25:
		return models.SeverityLow
	case score < 50:
		return models.SeverityMedium
	case score < 75:
		return models.SeverityHigh
	default:
		return models.SeverityCritical
	}
}

// candidatePaths returns the paths examined by the path bucket, in the
// fixed order plist, executable, first program argument.
func candidatePaths(item *models.PersistenceItem) []string {
	var paths []string
	if item.PlistPath != "" {
		paths = append(paths, item.PlistPath)
	}
	if item.ExecutablePath != "" {
		paths = append(paths, item.ExecutablePath)
	}
	if len(item.ProgramArguments) > 0 && item.ProgramArguments[0] != "" {
		paths = append(paths, item.ProgramArguments[0])
	}
	return paths
}

func scorePaths(item *models.PersistenceItem, add func(string, int, string)) {
	paths := candidatePaths(item)

	for _, p := range paths {
		if strings.HasPrefix(p, "/tmp/") || strings.HasPrefix(p, "/private/tmp/") || p == "/tmp" || p == "/private/tmp" {
			add("path", 25, fmt.Sprintf("located in temporary directory: %s", p))
			break
		}
	}

	for _, p := range paths {
		if strings.HasPrefix(p, "/private/var/") && !strings.HasPrefix(p, "/private/var/db/") {
			add("path", 20, fmt.Sprintf("located under /private/var: %s", p))
			break
		}
	}

	for _, p := range paths {
		if inUserLibrary(p) && !inBenignUserLibrary(p) {
			add("path", 10, fmt.Sprintf("non-standard user Library location: %s", p))
			break
		}
	}

	for _, p := range paths {
		if hasHiddenSegment(p) {
			add("path", 15, fmt.Sprintf("hidden path component: %s", p))
			break
		}
	}

	for _, p := range paths {
		name := filepath.Base(p)
		if looksRandom(name) {
			add("path", 20, fmt.Sprintf("random-looking filename: %s", name))
			break
		}
	}
}

func inUserLibrary(path string) bool {
	return strings.HasPrefix(path, "/Users/") && strings.Contains(path, "/Library/")
}

func inBenignUserLibrary(path string) bool {
	for _, dir := range benignUserLibraryDirs {
		if strings.Contains(path, dir) {
			return true
		}
	}
	return false
}

// hasHiddenSegment reports whether any path component starts with "."
// (excluding the ".." parent reference).
func hasHiddenSegment(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		if len(seg) > 1 && seg[0] == '.' && seg != ".." {
			return true
		}
	}
	return false
}

// looksRandom applies the filename randomness heuristic: low vowel ratio,
// high digit ratio, or a hex/UUID-shaped name.
func looksRandom(filename string) bool {
	name := strings.TrimSuffix(filename, filepath.Ext(filename))
	if len(name) < 8 {
		return false
	}

	if hexNamePattern.MatchString(name) || uuidNamePattern.MatchString(name) {
		return true
	}

	letters, vowels, digits := 0, 0, 0
	for _, r := range name {
		switch {
		case unicode.IsLetter(r):
			letters++
			switch unicode.ToLower(r) {
			case 'a', 'e', 'i', 'o', 'u':
				vowels++
			}
		case unicode.IsDigit(r):
			digits++
		}
	}

	if letters > 0 && len(name) > 10 {
		if float64(vowels)/float64(letters) < 0.1 {
			return true
		}
	}
	if letters > 5 {
		if float64(digits)/float64(len(name)) > 0.3 {
			return true
		}
	}
	return false
}

func scoreSignature(item *models.PersistenceItem, now time.Time, add func(string, int, string)) {
	sig := item.Signature
	if sig == nil {
		add("signature", 30, "no signature information available")
		return
	}
	if !sig.IsSigned {
		add("signature", 30, "executable is unsigned")
		return
	}

	if !sig.IsValid {
		add("signature", 25, "signature is invalid")
	}
	if sig.Expired(now) {
		add("signature", 15, "signing certificate expired")
	}
	if !sig.HasHardenedRuntime && !sig.IsApple {
		add("signature", 10, "hardened runtime not enabled")
	}
	if sig.TeamID == "" && !sig.IsApple {
		add("signature", 20, "ad-hoc signature without team identifier")
	}
}

func scoreEntitlements(entitlements map[string]interface{}, add func(string, int, string)) {
	if len(entitlements) == 0 {
		return
	}

	keys := make([]string, 0, len(entitlements))
	for k := range entitlements {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		points, known := dangerousEntitlements[key]
		if !known || !entitlementTruthy(entitlements[key]) {
			continue
		}
		add("entitlements", points, fmt.Sprintf("dangerous entitlement: %s", key))
	}
}

func scoreBehavior(item *models.PersistenceItem, add func(string, int, string)) {
	if item.RunAtLoad && item.KeepAlive {
		add("behavior", 15, "runs at load and restarts when killed")
	}

	appleSigned := item.Signature != nil && item.Signature.IsApple
	if item.Category == models.CategoryLaunchDaemon &&
		strings.HasPrefix(item.PlistPath, "/Library/LaunchDaemons/") && !appleSigned {
		add("behavior", 10, "third-party daemon running as root")
	}
}

func scoreBinaryState(item *models.PersistenceItem, now time.Time, add func(string, int, string)) {
	if item.ExecutablePath != "" && !item.BinaryExists {
		add("binary", 20, fmt.Sprintf("executable missing: %s", item.ExecutablePath))
	}
	if item.BinaryModified != nil && now.Sub(*item.BinaryModified) < recentBinaryAge {
		add("binary", 10, "binary modified within the last 7 days")
	}
	if item.BinaryWorldWritable {
		add("binary", 15, "executable is world-writable")
	}
}
