// Package policy defines the declarative rule set evaluated by the broker and
// the restriction vocabulary consumed by the world engine.
package policy

import (
	"strings"
)

// Mode selects how a policy's decisions are applied.
type Mode string

const (
	// ModeDisabled short-circuits every evaluation to Allow.
	ModeDisabled Mode = "disabled"
	// ModeObserve logs would-be denials but converts them to Allow. This is
	// the rollout mechanism for tightening a policy without breaking flows.
	ModeObserve Mode = "observe"
	// ModeEnforce applies decisions as written.
	ModeEnforce Mode = "enforce"
)

// FsMode is the filesystem posture of a session world.
type FsMode string

const (
	FsWritable FsMode = "writable"
	FsReadOnly FsMode = "readonly"
)

// Policy is one declarative rule set. Instances are immutable once published
// through a Holder; reload swaps the whole pointer.
type Policy struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	Mode Mode   `yaml:"mode" json:"mode"`

	FsRead  []string `yaml:"fs_read" json:"fs_read"`
	FsWrite []string `yaml:"fs_write" json:"fs_write"`

	NetAllowed   []string `yaml:"net_allowed" json:"net_allowed"`
	EgressBudget int64    `yaml:"egress_budget" json:"egress_budget"`

	CmdAllowed  []string `yaml:"cmd_allowed" json:"cmd_allowed"`
	CmdDenied   []string `yaml:"cmd_denied" json:"cmd_denied"`
	CmdIsolated []string `yaml:"cmd_isolated" json:"cmd_isolated"`

	RequireApproval     bool `yaml:"require_approval" json:"require_approval"`
	AllowShellOperators bool `yaml:"allow_shell_operators" json:"allow_shell_operators"`

	WorldFsMode FsMode  `yaml:"world_fs_mode" json:"world_fs_mode"`
	World       World   `yaml:"world" json:"world"`
	Limits      *Limits `yaml:"limits,omitempty" json:"limits,omitempty"`

	// Commit is the content hash of the policy source this instance was
	// loaded from. Empty for the built-in default.
	Commit string `yaml:"-" json:"-"`
}

// World carries world-construction defaults attached to a policy.
type World struct {
	ReuseSession   bool `yaml:"reuse_session" json:"reuse_session"`
	IsolateNetwork bool `yaml:"isolate_network" json:"isolate_network"`
	EnablePreload  bool `yaml:"enable_preload" json:"enable_preload"`
}

// Limits are optional per-policy resource limits.
type Limits struct {
	MaxMemoryMB    uint64 `yaml:"max_memory_mb" json:"max_memory_mb"`
	MaxCPUPercent  uint32 `yaml:"max_cpu_percent" json:"max_cpu_percent"`
	MaxRuntimeMS   uint64 `yaml:"max_runtime_ms" json:"max_runtime_ms"`
	MaxEgressBytes uint64 `yaml:"max_egress_bytes" json:"max_egress_bytes"`
}

// Default returns the built-in policy used when no policy file is found.
// Reads are open, writes closed, and a small set of notoriously destructive
// command shapes is denied outright.
func Default() *Policy {
	return &Policy{
		ID:     "default",
		Name:   "Default Policy",
		Mode:   ModeEnforce,
		FsRead: []string{"*"},
		CmdDenied: []string{
			"rm -rf /*",
			"curl * | bash",
			"wget * | bash",
		},
		CmdIsolated: []string{
			"npm install",
			"pip install",
			"cargo install",
		},
		AllowShellOperators: true,
		WorldFsMode:         FsWritable,
		World: World{
			ReuseSession:   true,
			IsolateNetwork: true,
		},
	}
}

// DecisionKind is the outcome variant of a policy evaluation.
type DecisionKind int

const (
	Allow DecisionKind = iota
	AllowWithRestrictions
	Deny
)

// Decision is the outcome of evaluating one command against a policy.
// A Deny always carries a human-readable reason and the pattern that matched.
type Decision struct {
	Kind         DecisionKind
	Restrictions []Restriction
	Reason       string
	Pattern      string
}

// RestrictionType identifies a constraint the broker attaches to an Allow.
type RestrictionType string

const (
	RestrictionIsolatedWorld RestrictionType = "isolated_world"
	RestrictionOverlayFS     RestrictionType = "overlay_fs"
	RestrictionNetworkFilter RestrictionType = "network_filter"
)

// Restriction is consumed, never mutated, by the world engine.
type Restriction struct {
	Type  RestrictionType
	Value string
}

// Allowed reports whether the decision permits execution.
func (d Decision) Allowed() bool {
	return d.Kind != Deny
}

// MatchesPattern reports whether cmd matches a policy pattern. Patterns
// containing '*' are treated as wildcards where '*' matches any run of
// characters, including none; anything else is a substring match. Command
// patterns are not filesystem paths, so '*' crosses '/' — "curl * | bash"
// matches any URL.
func MatchesPattern(cmd, pattern string) bool {
	if strings.Contains(pattern, "*") {
		return matchWildcard(cmd, pattern)
	}
	return strings.Contains(cmd, pattern)
}

func matchWildcard(s, pattern string) bool {
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for i, part := range parts[1:] {
		if part == "" {
			// Trailing '*' swallows the rest.
			if i == len(parts)-2 {
				return true
			}
			continue
		}
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return s == ""
}

// IsPathReadable reports whether path p matches one of the fs_read patterns.
func (p2 *Policy) IsPathReadable(p string) bool {
	return matchesPathList(p, p2.FsRead)
}

// IsPathWritable reports whether path p matches one of the fs_write patterns.
func (p2 *Policy) IsPathWritable(p string) bool {
	return matchesPathList(p, p2.FsWrite)
}

func matchesPathList(p string, patterns []string) bool {
	for _, pattern := range patterns {
		if pattern == "*" || strings.HasPrefix(p, strings.TrimSuffix(pattern, "*")) {
			return true
		}
	}
	return false
}

// IsHostAllowed reports whether host matches one of the net_allowed patterns.
// A leading '*' matches any subdomain suffix.
func (p2 *Policy) IsHostAllowed(host string) bool {
	for _, pattern := range p2.NetAllowed {
		if pattern == "*" {
			return true
		}
		if strings.HasPrefix(pattern, "*") {
			if strings.HasSuffix(host, strings.TrimPrefix(pattern, "*")) {
				return true
			}
			continue
		}
		if host == pattern || strings.HasSuffix(host, "."+pattern) {
			return true
		}
	}
	return false
}
