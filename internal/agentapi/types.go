// Package agentapi is the execution service agents talk to: a small HTTP
// surface for one-shot executions, interactive PTY streams, trace retrieval,
// and scope negotiation.
package agentapi

import (
	"time"

	"github.com/worldbox/worldbox/internal/budget"
)

// ExecuteRequest is the body of POST /v1/execute.
type ExecuteRequest struct {
	AgentID string            `json:"agent_id"`
	Cmd     string            `json:"cmd"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Pty     bool              `json:"pty"`
	Budget  *budget.Limits    `json:"budget,omitempty"`
}

// ExecuteResponse is the body of a successful execution.
type ExecuteResponse struct {
	Exit       int      `json:"exit"`
	SpanID     string   `json:"span_id"`
	StdoutB64  string   `json:"stdout_b64"`
	StderrB64  string   `json:"stderr_b64"`
	ScopesUsed []string `json:"scopes_used"`
}

// ScopeRequest asks for an expanded scope grant.
type ScopeRequest struct {
	AgentID string   `json:"agent_id"`
	Scopes  []string `json:"scopes"`
	Reason  string   `json:"reason,omitempty"`
}

// ScopeResponse returns the granted subset and the token that proves it.
type ScopeResponse struct {
	Granted   []string  `json:"granted"`
	Denied    []string  `json:"denied,omitempty"`
	TokenB64  string    `json:"token_b64,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Capabilities is the version and feature report of GET /v1/capabilities.
type Capabilities struct {
	Version      string    `json:"version"`
	Transport    string    `json:"transport,omitempty"`
	Features     []string  `json:"features"`
	Degradations []string  `json:"degradations,omitempty"`
	Host         HostFacts `json:"host"`
}

// HostFacts describes the machine the agent service runs on.
type HostFacts struct {
	Hostname      string `json:"hostname"`
	OS            string `json:"os"`
	KernelVersion string `json:"kernel_version"`
	CPUCores      int    `json:"cpu_cores"`
	MemoryTotal   uint64 `json:"memory_total_bytes"`
}

// apiError is the JSON error envelope.
type apiError struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Pattern string `json:"pattern,omitempty"`
}

// Stream frame type bytes. Client to server: input, resize, ping. Server to
// client: output, pong. Frames are binary so full-screen programs survive.
const (
	MsgInput  byte = 0
	MsgResize byte = 1
	MsgPing   byte = 2

	MsgOutput byte = 0
	MsgPong   byte = 1
)
