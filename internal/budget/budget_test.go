package budget

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestReserveExecConcurrent(t *testing.T) {
	const n = 24
	tr := NewTracker(Limits{MaxExecs: n - 1})

	var granted, denied atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tr.ReserveExec(); err != nil {
				if !errors.Is(err, ErrExhausted) {
					t.Errorf("unexpected error: %v", err)
				}
				denied.Add(1)
				return
			}
			granted.Add(1)
		}()
	}
	wg.Wait()

	if granted.Load() != n-1 {
		t.Errorf("granted = %d, want %d", granted.Load(), n-1)
	}
	if denied.Load() != 1 {
		t.Errorf("denied = %d, want 1", denied.Load())
	}
}

func TestUnlimitedByDefault(t *testing.T) {
	tr := NewTracker(Limits{})
	for i := 0; i < 1000; i++ {
		if err := tr.ReserveExec(); err != nil {
			t.Fatalf("unlimited tracker denied exec %d: %v", i, err)
		}
	}
	if err := tr.RecordRuntime(time.Hour); err != nil {
		t.Errorf("unlimited runtime rejected: %v", err)
	}
	if err := tr.RecordEgress(1 << 40); err != nil {
		t.Errorf("unlimited egress rejected: %v", err)
	}
}

func TestRuntimeBudget(t *testing.T) {
	tr := NewTracker(Limits{MaxRuntimeMS: 100})
	if err := tr.RecordRuntime(60 * time.Millisecond); err != nil {
		t.Fatalf("under budget rejected: %v", err)
	}
	if tr.RuntimeExceeded() {
		t.Error("RuntimeExceeded true under budget")
	}
	if err := tr.RecordRuntime(60 * time.Millisecond); !errors.Is(err, ErrExhausted) {
		t.Errorf("over budget accepted: %v", err)
	}
	if !tr.RuntimeExceeded() {
		t.Error("RuntimeExceeded false over budget")
	}
}

func TestEgressBudget(t *testing.T) {
	tr := NewTracker(Limits{MaxEgressBytes: 1000})
	if err := tr.RecordEgress(600); err != nil {
		t.Fatal(err)
	}
	if err := tr.RecordEgress(600); !errors.Is(err, ErrExhausted) {
		t.Errorf("egress overshoot accepted: %v", err)
	}
}

func TestSnapshot(t *testing.T) {
	tr := NewTracker(Limits{MaxExecs: 10, MaxRuntimeMS: 5000})
	_ = tr.ReserveExec()
	_ = tr.ReserveExec()
	_ = tr.RecordRuntime(250 * time.Millisecond)

	u := tr.Snapshot()
	if u.Execs != 2 {
		t.Errorf("Execs = %d, want 2", u.Execs)
	}
	if u.RuntimeMS != 250 {
		t.Errorf("RuntimeMS = %d, want 250", u.RuntimeMS)
	}
	if u.Limits.MaxExecs != 10 {
		t.Errorf("limits not carried: %+v", u.Limits)
	}
}
