// Package integrity hashes binaries for substitution detection.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// HashFile returns the hex-encoded SHA-256 of the file at path
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verdict is the result of comparing a stored hash against a recomputed one
type Verdict string

const (
	VerdictMatch       Verdict = "match"
	VerdictMismatch    Verdict = "mismatch"
	VerdictUnavailable Verdict = "unavailable"
)

// Compare recomputes the hash of path and compares it to expected.
// An empty expected hash or an unreadable file yields unavailable.
func Compare(path, expected string) Verdict {
	if expected == "" || path == "" {
		return VerdictUnavailable
	}
	actual, err := HashFile(path)
	if err != nil {
		return VerdictUnavailable
	}
	if actual == expected {
		return VerdictMatch
	}
	return VerdictMismatch
}
