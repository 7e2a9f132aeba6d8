// Package watcher turns native filesystem notifications into debounced,
// category-tagged change events.
package watcher

import (
	"path/filepath"
	"strings"

	"github.com/halcyonlab/persistguard/internal/models"
)

// noiseFilenames are OS artifacts that never indicate a persistence change
var noiseFilenames = map[string]bool{
	".ds_store":       true,
	".localized":      true,
	"thumbs.db":       true,
	"desktop.ini":     true,
	".spotlight-v100": true,
	".fseventsd":      true,
}

// editor swap/lock artifacts
var noisePrefixes = []string{".#", "#", "~", ".~lock."}

// temp/partial-download/lock suffixes
var noiseSuffixes = []string{
	".swp", ".swx", ".tmp", ".temp", ".part", ".partial",
	".crdownload", ".download", ".lock", "~",
}

var noiseExtensions = map[string]bool{
	".log":   true,
	".pid":   true,
	".sock":  true,
	".cache": true,
	".bak":   true,
}

// shell startup files that matter for the shell category
var shellStartupFiles = map[string]bool{
	".bashrc":       true,
	".bash_profile": true,
	".bash_login":   true,
	".bash_logout":  true,
	".profile":      true,
	".zshrc":        true,
	".zprofile":     true,
	".zshenv":       true,
	".zlogin":       true,
	".zlogout":      true,
}

// bundle directory extensions for extension-style categories
var bundleExtensions = map[string]bool{
	".kext":        true,
	".appex":       true,
	".bundle":      true,
	".plugin":      true,
	".mdimporter":  true,
	".qlgenerator": true,
}

// IsNoise reports whether a path is a known OS or editor artifact that can
// never represent a persistence change.
func IsNoise(path string) bool {
	name := filepath.Base(path)
	lower := strings.ToLower(name)

	if noiseFilenames[lower] {
		return true
	}
	for _, p := range noisePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	for _, s := range noiseSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return noiseExtensions[strings.ToLower(filepath.Ext(name))]
}

// IsRelevant applies the per-category relevance predicate after the noise
// filter. An event surviving both is worth a rescan.
func IsRelevant(path string, category models.Category) bool {
	if IsNoise(path) {
		return false
	}

	name := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(name))

	switch category {
	case models.CategoryLaunchAgent, models.CategoryLaunchDaemon,
		models.CategoryLoginItem, models.CategoryConfigurationProfile:
		return ext == ".plist"
	case models.CategoryShellStartup:
		return shellStartupFiles[name]
	case models.CategoryKernelExtension, models.CategorySystemExtension,
		models.CategoryBrowserExtension, models.CategorySpotlightImporter,
		models.CategoryQuickLookPlugin:
		// bundle directories: match the bundle itself or anything inside one
		if bundleExtensions[ext] {
			return true
		}
		for _, seg := range strings.Split(path, "/") {
			if bundleExtensions[strings.ToLower(filepath.Ext(seg))] {
				return true
			}
		}
		return false
	default:
		return true
	}
}
