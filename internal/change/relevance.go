package change

import "github.com/halcyonlab/persistguard/internal/models"

// base relevance by change type
var typeBase = map[models.ChangeType]int{
	models.ChangeAdded:    60,
	models.ChangeRemoved:  40,
	models.ChangeModified: 30,
	models.ChangeEnabled:  50,
	models.ChangeDisabled: 20,
}

// categorySensitivity weights how much a category matters when it changes.
// Kernel-level categories score highest, cosmetic/indexing lowest.
var categorySensitivity = map[models.Category]int{
	models.CategoryKernelExtension:      30,
	models.CategorySystemExtension:      30,
	models.CategoryLaunchDaemon:         25,
	models.CategoryLaunchAgent:          20,
	models.CategoryLoginItem:            20,
	models.CategoryConfigurationProfile: 20,
	models.CategoryCronJob:              15,
	models.CategoryPeriodicScript:       15,
	models.CategoryShellStartup:         15,
	models.CategoryBrowserExtension:     10,
	models.CategorySpotlightImporter:    10,
	models.CategoryQuickLookPlugin:      10,
}

var trustAdjustment = map[models.TrustLevel]int{
	models.TrustSuspicious:    30,
	models.TrustUnsigned:      25,
	models.TrustSignedUnknown: 5,
	models.TrustKnownVendor:   0,
	models.TrustApple:         -20,
	models.TrustUnknown:       10,
}

// Relevance scores how urgently a change deserves attention, 0-100.
// Distinct from the item's intrinsic risk score; used to gate notifications.
func Relevance(c models.Change) int {
	score := typeBase[c.Type]
	score += categorySensitivity[c.Category]

	if c.Item != nil {
		score += trustAdjustment[c.Item.TrustLevel]
		if c.Item.RiskScore > 50 {
			score += 15
		}
		if c.Item.Signature == nil {
			score += 10
		}
	}

	for _, d := range c.Details {
		switch d.Field {
		case "executablePath":
			score += 15
		case "programArguments":
			score += 10
		case "runAtLoad":
			if d.NewValue == "true" {
				score += 10
			}
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
