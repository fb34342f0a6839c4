// Package budget enforces per-agent execution budgets. The same tracker type
// runs at the gateway and again inside the agent service, so a compromised
// gateway cannot spend more than the agent-side copy allows.
package budget

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ErrExhausted is returned when a reservation would exceed the budget.
var ErrExhausted = errors.New("budget exhausted")

// Limits is the configured budget. Zero values mean unlimited.
type Limits struct {
	MaxExecs       int64 `json:"max_execs,omitempty" yaml:"max_execs"`
	MaxRuntimeMS   int64 `json:"max_runtime_ms,omitempty" yaml:"max_runtime_ms"`
	MaxEgressBytes int64 `json:"max_egress_bytes,omitempty" yaml:"max_egress_bytes"`
}

// Tracker counts spend against Limits. Reservations happen before dispatch:
// an exec that is going to run has already been counted, so concurrent
// callers cannot jointly overshoot.
type Tracker struct {
	limits  Limits
	execs   atomic.Int64
	runtime atomic.Int64 // milliseconds
	egress  atomic.Int64
}

// NewTracker creates a tracker for the given limits.
func NewTracker(limits Limits) *Tracker {
	return &Tracker{limits: limits}
}

// ReserveExec claims one execution slot. The claim is kept even on a later
// dispatch failure: a failed exec still spent broker and world work.
func (t *Tracker) ReserveExec() error {
	if t.limits.MaxExecs <= 0 {
		return nil
	}
	if n := t.execs.Add(1); n > t.limits.MaxExecs {
		t.execs.Add(-1)
		return fmt.Errorf("%w: execs %d/%d", ErrExhausted, t.limits.MaxExecs, t.limits.MaxExecs)
	}
	return nil
}

// RecordRuntime adds an execution's wall time and reports whether the
// runtime budget is now exceeded.
func (t *Tracker) RecordRuntime(d time.Duration) error {
	if t.limits.MaxRuntimeMS <= 0 {
		return nil
	}
	total := t.runtime.Add(d.Milliseconds())
	if total > t.limits.MaxRuntimeMS {
		return fmt.Errorf("%w: runtime %dms/%dms", ErrExhausted, total, t.limits.MaxRuntimeMS)
	}
	return nil
}

// RuntimeExceeded reports whether the runtime budget is spent, without
// adding to it.
func (t *Tracker) RuntimeExceeded() bool {
	return t.limits.MaxRuntimeMS > 0 && t.runtime.Load() > t.limits.MaxRuntimeMS
}

// RecordEgress adds transferred bytes and reports whether the egress budget
// is now exceeded.
func (t *Tracker) RecordEgress(n int64) error {
	if t.limits.MaxEgressBytes <= 0 {
		return nil
	}
	total := t.egress.Add(n)
	if total > t.limits.MaxEgressBytes {
		return fmt.Errorf("%w: egress %dB/%dB", ErrExhausted, total, t.limits.MaxEgressBytes)
	}
	return nil
}

// Snapshot reports current spend for capability and trace reporting.
func (t *Tracker) Snapshot() Usage {
	return Usage{
		Execs:       t.execs.Load(),
		RuntimeMS:   t.runtime.Load(),
		EgressBytes: t.egress.Load(),
		Limits:      t.limits,
	}
}

// Usage is a point-in-time view of spend against limits.
type Usage struct {
	Execs       int64  `json:"execs"`
	RuntimeMS   int64  `json:"runtime_ms"`
	EgressBytes int64  `json:"egress_bytes"`
	Limits      Limits `json:"limits"`
}
