package policy

import "sync/atomic"

// Holder owns the single live policy for a process. Readers take a consistent
// snapshot per evaluation; reload swaps the pointer atomically so no reader
// ever observes a partially-updated policy.
type Holder struct {
	live atomic.Pointer[Policy]
}

// NewHolder creates a holder seeded with the given policy.
func NewHolder(p *Policy) *Holder {
	h := &Holder{}
	if p == nil {
		p = Default()
	}
	h.live.Store(p)
	return h
}

// Snapshot returns the current policy. The returned value must be treated as
// immutable.
func (h *Holder) Snapshot() *Policy {
	return h.live.Load()
}

// Swap publishes a new policy and returns the previous one.
func (h *Holder) Swap(p *Policy) *Policy {
	return h.live.Swap(p)
}
