// Package privexec abstracts elevated shell execution. The core never
// assumes a particular elevation mechanism, only that it is synchronous,
// may prompt the user, and returns combined stdout/stderr.
package privexec

import (
	"fmt"
	"os/exec"
	"strings"
)

// Executor runs a single shell command with elevated privileges and
// returns its combined output. Implementations may prompt the user once
// per invocation; callers should combine privileged sub-steps into one
// command string where possible.
type Executor interface {
	Run(command string) (string, error)
}

// OsascriptExecutor elevates through the macOS scripting bridge, which
// presents the standard administrator credentials dialog.
type OsascriptExecutor struct{}

// Run executes the command with administrator privileges via osascript
func (OsascriptExecutor) Run(command string) (string, error) {
	escaped := strings.ReplaceAll(command, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	script := fmt.Sprintf(`do shell script "%s" with administrator privileges`, escaped)

	out, err := exec.Command("osascript", "-e", script).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("privileged execution failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// SudoExecutor elevates through non-interactive sudo, for headless use
// where the process already holds a sudo timestamp or NOPASSWD grant.
type SudoExecutor struct{}

// Run executes the command under sudo -n
func (SudoExecutor) Run(command string) (string, error) {
	out, err := exec.Command("sudo", "-n", "/bin/sh", "-c", command).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("privileged execution failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
