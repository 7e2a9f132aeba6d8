package scanner

import (
	"bufio"
	"bytes"
	"os/exec"
	"strings"

	"howett.net/plist"

	"github.com/halcyonlab/persistguard/internal/models"
)

// CodesignVerifier resolves trust by shelling out to codesign and spctl.
// Results are cached per binary path; the cache lives for the verifier's
// lifetime, which in practice is one scan cycle.
type CodesignVerifier struct {
	cache map[string]Verdict
}

func NewCodesignVerifier() *CodesignVerifier {
	return &CodesignVerifier{cache: make(map[string]Verdict)}
}

// Verify inspects the signature of the executable at path
func (v *CodesignVerifier) Verify(path string) (Verdict, error) {
	if verdict, ok := v.cache[path]; ok {
		return verdict, nil
	}

	out, err := exec.Command("codesign", "-dv", "--verbose=2", path).CombinedOutput()
	if err != nil {
		// unsigned binaries make codesign exit nonzero; that is a
		// verdict, not an error
		verdict := Verdict{
			Signature: &models.SignatureInfo{},
			Trust:     models.TrustUnsigned,
		}
		v.cache[path] = verdict
		return verdict, nil
	}

	sig := parseCodesignOutput(out)
	sig.IsSigned = true
	sig.IsValid = exec.Command("codesign", "--verify", "--deep", path).Run() == nil
	sig.IsNotarized = v.notarized(path)

	verdict := Verdict{
		Signature:    &sig,
		Trust:        trustFor(&sig),
		Entitlements: v.entitlements(path),
	}
	v.cache[path] = verdict
	return verdict, nil
}

func (v *CodesignVerifier) notarized(path string) bool {
	out, err := exec.Command("spctl", "-a", "-vv", path).CombinedOutput()
	if err != nil {
		return false
	}
	return bytes.Contains(out, []byte("Notarized"))
}

func (v *CodesignVerifier) entitlements(path string) map[string]interface{} {
	out, err := exec.Command("codesign", "-d", "--entitlements", "-", "--xml", path).Output()
	if err != nil || len(out) == 0 {
		return nil
	}
	var ents map[string]interface{}
	if _, err := plist.Unmarshal(out, &ents); err != nil {
		return nil
	}
	return ents
}

func parseCodesignOutput(out []byte) models.SignatureInfo {
	var sig models.SignatureInfo
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "Authority="):
			authority := strings.TrimPrefix(line, "Authority=")
			if sig.Authority == "" {
				sig.Authority = authority
			}
			if strings.Contains(authority, "Apple") {
				sig.IsApple = true
			}
		case strings.HasPrefix(line, "TeamIdentifier="):
			team := strings.TrimPrefix(line, "TeamIdentifier=")
			if team != "not set" {
				sig.TeamID = team
			}
		case strings.HasPrefix(line, "CodeDirectory"):
			if strings.Contains(line, "flags=") && strings.Contains(line, "runtime") {
				sig.HasHardenedRuntime = true
			}
		case strings.HasPrefix(line, "Signature=adhoc"):
			sig.Authority = "adhoc"
		}
	}
	return sig
}

// trustFor maps a signature to the coarse trust ladder
func trustFor(sig *models.SignatureInfo) models.TrustLevel {
	switch {
	case !sig.IsSigned:
		return models.TrustUnsigned
	case !sig.IsValid:
		return models.TrustSuspicious
	case sig.IsApple:
		return models.TrustApple
	case sig.IsNotarized:
		return models.TrustKnownVendor
	default:
		return models.TrustSignedUnknown
	}
}

// launchctlLabels lists the job labels launchd currently has loaded.
// Best-effort: an empty map just means no item reports as loaded.
func launchctlLabels() map[string]bool {
	out, err := exec.Command("launchctl", "list").Output()
	if err != nil {
		return map[string]bool{}
	}
	labels := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		// PID STATUS LABEL
		if len(fields) == 3 && fields[2] != "Label" {
			labels[fields[2]] = true
		}
	}
	return labels
}
