// Package world constructs and drives isolated execution contexts: Linux
// namespaces, cgroup limits, seccomp filters, and overlay-backed ephemeral
// filesystems.
package world

import (
	"fmt"
	"os"
	"time"
)

// Spec is the desired isolation posture for a session, built per invocation
// from policy and caller inputs.
type Spec struct {
	ReuseSession   bool              `json:"reuse_session"`
	IsolateNetwork bool              `json:"isolate_network"`
	Limits         Limits            `json:"limits"`
	EnablePreload  bool              `json:"enable_preload"`
	AllowedDomains []string          `json:"allowed_domains"`
	ProjectDir     string            `json:"project_dir"`
	AlwaysIsolate  bool              `json:"always_isolate"`
	FsMode         FsMode            `json:"fs_mode"`
	Env            map[string]string `json:"env,omitempty"`
}

// FsMode is the filesystem posture of the world.
type FsMode string

const (
	FsWritable FsMode = "writable"
	FsReadOnly FsMode = "readonly"
)

// Limits are resource limits applied through cgroups v2.
type Limits struct {
	// CPU is a core count, e.g. "2" or "0.5".
	CPU string `json:"cpu,omitempty"`
	// Memory is a byte size with optional unit, e.g. "2Gi".
	Memory string `json:"memory,omitempty"`
}

// DefaultSpec returns the stock posture: reused session, isolated network
// with the common package registries allowed, 2 CPUs and 2Gi memory.
func DefaultSpec(projectDir string) Spec {
	return Spec{
		ReuseSession:   true,
		IsolateNetwork: true,
		Limits:         Limits{CPU: "2", Memory: "2Gi"},
		AllowedDomains: []string{"github.com", "registry.npmjs.org", "pypi.org", "crates.io"},
		ProjectDir:     projectDir,
		FsMode:         FsWritable,
	}
}

// Validate checks spec invariants before construction starts.
func (s *Spec) Validate() error {
	info, err := os.Stat(s.ProjectDir)
	if err != nil {
		return &SetupError{Stage: "spec", Err: fmt.Errorf("project_dir %s: %w", s.ProjectDir, err)}
	}
	if !info.IsDir() {
		return &SetupError{Stage: "spec", Err: fmt.Errorf("project_dir %s is not a directory", s.ProjectDir)}
	}
	if len(s.AllowedDomains) > 0 && !s.IsolateNetwork {
		return &SetupError{Stage: "spec", Err: fmt.Errorf("allowed_domains set without isolate_network")}
	}
	return nil
}

// cgroupRequired reports whether the spec can tolerate running without a
// cgroup. Domain-allowlisted egress is enforced by the packet filter matching
// cgroup membership; without the cgroup such a world would have an open
// network, so construction must fail instead of degrading.
func (s *Spec) cgroupRequired() bool {
	return s.IsolateNetwork && len(s.AllowedDomains) > 0
}

// reuseKey groups sessions that may be shared: same project, same network
// posture, same fs mode.
func (s *Spec) reuseKey() string {
	return fmt.Sprintf("%s|net=%v|fs=%s", s.ProjectDir, s.IsolateNetwork, s.FsMode)
}

// Handle is the opaque identity of a live world. Its ID is stable for the
// lifetime of the underlying session.
type Handle struct {
	ID string `json:"id"`
	// Warnings lists recoverable degradations hit during construction
	// (cgroups absent, user namespace unavailable, seccomp log unsupported).
	Warnings []string `json:"warnings,omitempty"`
}

// ExecRequest describes one command execution inside a world.
type ExecRequest struct {
	Cmd    string            `json:"cmd"`
	Cwd    string            `json:"cwd"`
	Env    map[string]string `json:"env,omitempty"`
	Pty    bool              `json:"pty"`
	SpanID string            `json:"span_id,omitempty"`
	// AgentID identifies the caller; remote backends forward it.
	AgentID string `json:"agent_id,omitempty"`
	// ScopeToken, when set, is passed to the process through a sealed
	// close-on-exec memfd rather than the environment.
	ScopeToken []byte `json:"-"`
}

// ExecResult is the outcome of one execution.
type ExecResult struct {
	Exit       int      `json:"exit"`
	Stdout     []byte   `json:"stdout"`
	Stderr     []byte   `json:"stderr"`
	ScopesUsed []string `json:"scopes_used"`
	FsDiff     *FsDiff  `json:"fs_diff,omitempty"`
	Duration   time.Duration
	// PeakRSSBytes is a best-effort sample of the child's memory usage.
	PeakRSSBytes uint64 `json:"peak_rss_bytes,omitempty"`
}

// Proc is a live interactive execution inside a world. Reads return PTY
// output; writes feed PTY input.
type Proc interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(rows, cols uint16) error
	Done() <-chan struct{}
	ExitCode() int
	Close() error
}

// SetupError is a fatal world-construction failure. Construction that returns
// one leaves no partially-mounted world behind.
type SetupError struct {
	Stage string
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("world setup failed at %s: %v", e.Stage, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }
