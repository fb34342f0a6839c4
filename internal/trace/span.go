// Package trace records execution spans and the environment snapshot needed
// to replay them later.
package trace

import (
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"
)

// Span is one recorded execution: the command, the broker's decision, the
// world it ran in, and its outcome.
type Span struct {
	ID         string    `json:"span_id"`
	AgentID    string    `json:"agent_id"`
	Cmd        string    `json:"cmd"`
	Cwd        string    `json:"cwd"`
	Decision   string    `json:"decision"`
	WorldID    string    `json:"world_id,omitempty"`
	Exit       int       `json:"exit"`
	DurationMS int64     `json:"duration_ms"`
	ScopesUsed []string  `json:"scopes_used,omitempty"`
	FsDiffJSON string    `json:"fs_diff,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Replay ReplayContext `json:"replay_context"`
}

// NewSpanID returns a fresh span identifier.
func NewSpanID() string {
	return "spn_" + uuid.NewString()
}

// ReplayContext is the environment fingerprint captured when a span
// finishes. Replay rebuilds an execution from these fields and warns when
// the live environment has drifted from them.
type ReplayContext struct {
	Path              string `json:"path"`
	EnvHash           string `json:"env_hash"`
	Umask             int    `json:"umask"`
	Locale            string `json:"locale"`
	Cwd               string `json:"cwd"`
	PolicyID          string `json:"policy_id"`
	PolicyCommit      string `json:"policy_commit"`
	WorldImageVersion string `json:"world_image_version"`
}

// CaptureReplayContext snapshots the current process environment plus the
// policy identity of the evaluation that authorized the span.
func CaptureReplayContext(cwd, policyID, policyCommit, imageVersion string) ReplayContext {
	old := unix.Umask(0)
	unix.Umask(old)

	return ReplayContext{
		Path:              os.Getenv("PATH"),
		EnvHash:           HashEnv(os.Environ()),
		Umask:             old,
		Locale:            localeFromEnv(),
		Cwd:               cwd,
		PolicyID:          policyID,
		PolicyCommit:      policyCommit,
		WorldImageVersion: imageVersion,
	}
}

// HashEnv produces an order-independent digest of an environment. Sorting
// first means two processes with the same variables hash identically.
func HashEnv(environ []string) string {
	sorted := append([]string(nil), environ...)
	sort.Strings(sorted)
	h := blake3.New()
	for _, kv := range sorted {
		h.Write([]byte(kv))
		h.Write([]byte{0})
	}
	return "blake3:" + hex.EncodeToString(h.Sum(nil))
}

// Drift compares a recorded context against the live one and returns
// human-readable differences. An empty result means faithful replay.
func (r ReplayContext) Drift(live ReplayContext) []string {
	var drift []string
	add := func(field, want, got string) {
		if want != got {
			drift = append(drift, fmt.Sprintf("%s: recorded %q, now %q", field, want, got))
		}
	}
	add("PATH", r.Path, live.Path)
	add("env_hash", r.EnvHash, live.EnvHash)
	add("locale", r.Locale, live.Locale)
	add("policy_commit", r.PolicyCommit, live.PolicyCommit)
	add("world_image_version", r.WorldImageVersion, live.WorldImageVersion)
	if r.Umask != live.Umask {
		drift = append(drift, fmt.Sprintf("umask: recorded %04o, now %04o", r.Umask, live.Umask))
	}
	return drift
}

func localeFromEnv() string {
	for _, key := range []string{"LC_ALL", "LANG"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return "C"
}

// ScopesUsedString joins scopes for storage.
func ScopesUsedString(scopes []string) string {
	return strings.Join(scopes, ",")
}

// ScopesFromString splits a stored scope list.
func ScopesFromString(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
