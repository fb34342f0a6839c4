// Package broker gates every command before execution. It evaluates the live
// policy, consults the approval cache, and emits decisions the world engine
// can enforce.
package broker

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/worldbox/worldbox/internal/policy"
)

// Approver requests an interactive approval decision from the user. The
// returned scope controls how long an approval is cached.
type Approver interface {
	RequestApproval(cmd, cwd string) (approved bool, scope ApprovalScope, err error)
}

// Broker is the stateful policy evaluator. All methods are safe for
// concurrent use; the policy pointer is read via an atomic snapshot.
type Broker struct {
	holder   *policy.Holder
	mode     atomic.Int32 // overrides the policy's own mode when set
	modeSet  atomic.Bool
	approver Approver

	mu        sync.Mutex
	approvals *approvalCache
	onReload  func(*policy.Policy)
}

const (
	modeDisabled int32 = iota
	modeObserve
	modeEnforce
)

// New creates a broker around an existing policy holder.
func New(holder *policy.Holder) *Broker {
	return &Broker{
		holder:    holder,
		approvals: newApprovalCache(),
	}
}

// SetApprover installs the interactive approval backend. Without one,
// approval-requiring commands are denied on cache miss.
func (b *Broker) SetApprover(a Approver) {
	b.approver = a
}

// SetMode overrides the policy file's mode for this process.
func (b *Broker) SetMode(m policy.Mode) {
	b.mode.Store(modeToInt(m))
	b.modeSet.Store(true)
	slog.Info("policy mode set", "mode", string(m))
}

// Mode returns the effective policy mode.
func (b *Broker) Mode() policy.Mode {
	if b.modeSet.Load() {
		return modeFromInt(b.mode.Load())
	}
	if m := b.holder.Snapshot().Mode; m != "" {
		return m
	}
	return policy.ModeEnforce
}

// Policy returns the current policy snapshot.
func (b *Broker) Policy() *policy.Policy {
	return b.holder.Snapshot()
}

// SetOnReload installs a callback invoked after each successful reload.
func (b *Broker) SetOnReload(fn func(*policy.Policy)) {
	b.onReload = fn
}

// Reload publishes a new policy and clears the approval cache: an approval
// granted under the previous policy must never be honored under the new one.
func (b *Broker) Reload(p *policy.Policy) {
	b.holder.Swap(p)
	b.mu.Lock()
	b.approvals.clear()
	b.mu.Unlock()
	slog.Info("policy reloaded", "policy_id", p.ID, "commit", p.Commit)
	if b.onReload != nil {
		b.onReload(p)
	}
}

// Evaluate runs the full fixed-order check for one command. The checks run
// against a single policy snapshot, so a concurrent reload can never produce
// a decision mixing old and new policy fields.
func (b *Broker) Evaluate(cmd, cwd string, worldID string) policy.Decision {
	mode := b.Mode()
	if mode == policy.ModeDisabled {
		return policy.Decision{Kind: policy.Allow}
	}

	p := b.holder.Snapshot()

	// Deny list wins over everything, including an allowlist match.
	for _, pattern := range p.CmdDenied {
		if policy.MatchesPattern(cmd, pattern) {
			return b.finishDeny(mode, cmd, "command explicitly denied", pattern)
		}
	}

	// A non-empty allowlist closes the default-open posture.
	if len(p.CmdAllowed) > 0 {
		allowed := false
		for _, pattern := range p.CmdAllowed {
			if policy.MatchesPattern(cmd, pattern) {
				allowed = true
				break
			}
		}
		if !allowed {
			return b.finishDeny(mode, cmd, "command not explicitly allowed", "")
		}
	}

	for _, pattern := range p.CmdIsolated {
		if policy.MatchesPattern(cmd, pattern) {
			slog.Info("command requires isolation", "cmd", cmd, "pattern", pattern)
			return policy.Decision{
				Kind:    policy.AllowWithRestrictions,
				Pattern: pattern,
				Restrictions: []policy.Restriction{
					{Type: policy.RestrictionIsolatedWorld, Value: "ephemeral"},
				},
			}
		}
	}

	if p.RequireApproval && mode == policy.ModeEnforce {
		if d, done := b.checkApproval(p, cmd, cwd); done {
			return d
		}
	}

	return policy.Decision{Kind: policy.Allow}
}

// QuickCheck is the reduced fast path used by non-interactive interception.
// It skips approval handling entirely.
func (b *Broker) QuickCheck(argv []string, cwd string) policy.Decision {
	if b.Mode() == policy.ModeDisabled {
		return policy.Decision{Kind: policy.Allow}
	}

	cmd := strings.Join(argv, " ")
	p := b.holder.Snapshot()

	for _, pattern := range p.CmdDenied {
		if policy.MatchesPattern(cmd, pattern) {
			return policy.Decision{Kind: policy.Deny, Reason: "command denied by policy", Pattern: pattern}
		}
	}

	if len(p.CmdAllowed) > 0 {
		allowed := false
		for _, pattern := range p.CmdAllowed {
			if policy.MatchesPattern(cmd, pattern) {
				allowed = true
				break
			}
		}
		if !allowed {
			return policy.Decision{Kind: policy.Deny, Reason: "command not explicitly allowed"}
		}
	}

	for _, pattern := range p.CmdIsolated {
		if policy.MatchesPattern(cmd, pattern) {
			return policy.Decision{
				Kind:    policy.AllowWithRestrictions,
				Pattern: pattern,
				Restrictions: []policy.Restriction{
					{Type: policy.RestrictionIsolatedWorld, Value: "ephemeral"},
				},
			}
		}
	}

	return policy.Decision{Kind: policy.Allow}
}

// AllowedDomains returns the current policy's egress allowlist.
func (b *Broker) AllowedDomains() []string {
	p := b.holder.Snapshot()
	out := make([]string, len(p.NetAllowed))
	copy(out, p.NetAllowed)
	return out
}

// checkApproval consults the cache and, on miss, the interactive approver.
// It returns (decision, true) when evaluation should stop.
func (b *Broker) checkApproval(p *policy.Policy, cmd, cwd string) (policy.Decision, bool) {
	key := approvalKey(p.ID, cwd, cmd)

	b.mu.Lock()
	status := b.approvals.check(key, cmd)
	b.mu.Unlock()

	switch status {
	case approvalApproved:
		slog.Debug("command pre-approved", "cmd", cmd)
		return policy.Decision{}, false
	case approvalDenied:
		return policy.Decision{Kind: policy.Deny, Reason: "user denied approval"}, true
	}

	if b.approver == nil {
		return policy.Decision{Kind: policy.Deny, Reason: "approval required but no approver available"}, true
	}

	approved, scope, err := b.approver.RequestApproval(cmd, cwd)
	if err != nil {
		return policy.Decision{Kind: policy.Deny, Reason: "approval request failed: " + err.Error()}, true
	}

	status = approvalDenied
	if approved {
		status = approvalApproved
	}
	b.mu.Lock()
	b.approvals.add(key, status, scope)
	b.mu.Unlock()

	if !approved {
		return policy.Decision{Kind: policy.Deny, Reason: "user denied approval"}, true
	}
	return policy.Decision{}, false
}

// finishDeny applies observe-mode conversion: the violation is logged but the
// command is allowed through so policy can be tightened without breakage.
func (b *Broker) finishDeny(mode policy.Mode, cmd, reason, pattern string) policy.Decision {
	slog.Warn("policy violation", "cmd", cmd, "reason", reason, "pattern", pattern, "mode", string(mode))
	if mode == policy.ModeObserve {
		return policy.Decision{Kind: policy.Allow}
	}
	return policy.Decision{Kind: policy.Deny, Reason: reason, Pattern: pattern}
}

func modeToInt(m policy.Mode) int32 {
	switch m {
	case policy.ModeDisabled:
		return modeDisabled
	case policy.ModeEnforce:
		return modeEnforce
	default:
		return modeObserve
	}
}

func modeFromInt(v int32) policy.Mode {
	switch v {
	case modeDisabled:
		return policy.ModeDisabled
	case modeEnforce:
		return policy.ModeEnforce
	default:
		return policy.ModeObserve
	}
}
