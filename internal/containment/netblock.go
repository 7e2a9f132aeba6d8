package containment

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/halcyonlab/persistguard/internal/models"
	"github.com/halcyonlab/persistguard/internal/privexec"
)

const (
	socketfilterfw = "/usr/libexec/ApplicationFirewall/socketfilterfw"
	anchorDir      = "/etc/pf.anchors"
	anchorPrefix   = "persistguard"
)

// ExternalToolError reports a failed privileged tool invocation with its
// combined output, so callers can show what actually happened.
type ExternalToolError struct {
	Tool   string
	Output string
	Err    error
}

func (e *ExternalToolError) Error() string {
	return fmt.Sprintf("%s failed: %v: %s", e.Tool, e.Err, strings.TrimSpace(e.Output))
}

func (e *ExternalToolError) Unwrap() error { return e.Err }

// blockStrategy is one interchangeable outbound-block mechanism
type blockStrategy interface {
	name() string
	method() models.NetworkRuleMethod
	// block sets up and applies the rule in a single privileged
	// invocation and returns the anchor/rule identifier.
	block(binaryPath, ruleID string) (string, error)
	unblock(rule *models.NetworkRule) error
}

// socketFilterStrategy drives the macOS application firewall allow/deny list
type socketFilterStrategy struct {
	exec privexec.Executor
}

func (socketFilterStrategy) name() string { return "socketfilterfw" }
func (socketFilterStrategy) method() models.NetworkRuleMethod { return models.MethodPrimary }

func (s socketFilterStrategy) block(binaryPath, ruleID string) (string, error) {
	// enable, register and block in one invocation to keep it to a
	// single credentials prompt
	cmd := fmt.Sprintf("%s --setglobalstate on && %s --add '%s' && %s --blockapp '%s'",
		socketfilterfw, socketfilterfw, binaryPath, socketfilterfw, binaryPath)
	out, err := s.exec.Run(cmd)
	if err != nil {
		return "", &ExternalToolError{Tool: "socketfilterfw", Output: out, Err: err}
	}
	return binaryPath, nil
}

func (s socketFilterStrategy) unblock(rule *models.NetworkRule) error {
	cmd := fmt.Sprintf("%s --unblockapp '%s' && %s --remove '%s'",
		socketfilterfw, rule.BinaryPath, socketfilterfw, rule.BinaryPath)
	out, err := s.exec.Run(cmd)
	if err != nil {
		return &ExternalToolError{Tool: "socketfilterfw", Output: out, Err: err}
	}
	return nil
}

// pfAnchorStrategy loads a packet-filter anchor rule for the binary's
// traffic, used when the application firewall path fails.
type pfAnchorStrategy struct {
	exec privexec.Executor
}

func (pfAnchorStrategy) name() string { return "pfctl" }
func (pfAnchorStrategy) method() models.NetworkRuleMethod { return models.MethodFallback }

func (s pfAnchorStrategy) block(binaryPath, ruleID string) (string, error) {
	anchor := fmt.Sprintf("%s/%s", anchorPrefix, ruleID)
	anchorFile := fmt.Sprintf("%s/%s_%s", anchorDir, anchorPrefix, ruleID)
	rule := fmt.Sprintf("block drop out quick proto {tcp udp} from any to any label \\\"%s\\\"", ruleID)

	// write the anchor file, load it and enable pf in one invocation
	cmd := fmt.Sprintf("printf '%%s\\n' \"%s\" > '%s' && pfctl -a '%s' -f '%s' && pfctl -E",
		rule, anchorFile, anchor, anchorFile)
	out, err := s.exec.Run(cmd)
	if err != nil {
		return "", &ExternalToolError{Tool: "pfctl", Output: out, Err: err}
	}
	return anchor, nil
}

func (s pfAnchorStrategy) unblock(rule *models.NetworkRule) error {
	anchorFile := fmt.Sprintf("%s/%s_%s", anchorDir, anchorPrefix, rule.RuleID)
	cmd := fmt.Sprintf("pfctl -a '%s' -F rules; rm -f '%s'", rule.Anchor, anchorFile)
	out, err := s.exec.Run(cmd)
	if err != nil {
		return &ExternalToolError{Tool: "pfctl", Output: out, Err: err}
	}
	return nil
}

// networkBlocker tries the strategies in fixed priority order: the
// application firewall first, the pf anchor only on its failure.
type networkBlocker struct {
	strategies []blockStrategy
	log        *zap.Logger
}

func newNetworkBlocker(exec privexec.Executor, log *zap.Logger) *networkBlocker {
	return &networkBlocker{
		strategies: []blockStrategy{
			socketFilterStrategy{exec: exec},
			pfAnchorStrategy{exec: exec},
		},
		log: log,
	}
}

// block creates a rule for the binary using the first strategy that
// succeeds.
func (b *networkBlocker) block(binaryPath, ruleID string, expiresAt *time.Time) (*models.NetworkRule, error) {
	var errs []string
	for _, s := range b.strategies {
		anchor, err := s.block(binaryPath, ruleID)
		if err != nil {
			b.log.Warn("block strategy failed",
				zap.String("strategy", s.name()), zap.Error(err))
			errs = append(errs, err.Error())
			continue
		}
		return &models.NetworkRule{
			RuleID:     ruleID,
			Anchor:     anchor,
			BinaryPath: binaryPath,
			Method:     s.method(),
			CreatedAt:  time.Now(),
			ExpiresAt:  expiresAt,
		}, nil
	}
	return nil, fmt.Errorf("all network block strategies failed: %s", strings.Join(errs, "; "))
}

// unblock removes the rule using whichever strategy created it
func (b *networkBlocker) unblock(rule *models.NetworkRule) error {
	for _, s := range b.strategies {
		if s.method() == rule.Method {
			return s.unblock(rule)
		}
	}
	return fmt.Errorf("no strategy for method %q", rule.Method)
}

// reapply re-installs a persisted rule after a process restart
func (b *networkBlocker) reapply(rule *models.NetworkRule) error {
	for _, s := range b.strategies {
		if s.method() == rule.Method {
			_, err := s.block(rule.BinaryPath, rule.RuleID)
			return err
		}
	}
	return fmt.Errorf("no strategy for method %q", rule.Method)
}
