package risk

// dangerousEntitlements maps entitlement keys to their risk weight.
// Built once at startup; never mutated.
var dangerousEntitlements = map[string]int{
	"com.apple.security.get-task-allow":                      15,
	"com.apple.security.cs.disable-library-validation":       20,
	"com.apple.security.cs.allow-unsigned-executable-memory": 20,
	"com.apple.security.cs.allow-dyld-environment-variables": 15,
	"com.apple.security.cs.debugger":                         15,
	"com.apple.security.device.camera":                       10,
	"com.apple.security.device.audio-input":                  10,
	"com.apple.security.screen-capture":                      15,
	"com.apple.security.accessibility":                       10,
	"com.apple.security.files.all":                           25,
	"com.apple.security.input-monitoring":                    15,
	"com.apple.security.automation.apple-events":             5,
}

// entitlementTruthy reports whether a present entitlement value counts as
// enabled: boolean true, a non-empty array, or any other non-nil value.
func entitlementTruthy(value interface{}) bool {
	switch v := value.(type) {
	case bool:
		return v
	case []interface{}:
		return len(v) > 0
	case []string:
		return len(v) > 0
	case nil:
		return false
	default:
		return true
	}
}
