package world

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/worldbox/worldbox/internal/shortid"
)

type fakeSession struct {
	handle  Handle
	created time.Time
	closed  atomic.Bool
}

func (f *fakeSession) Handle() Handle       { return f.handle }
func (f *fakeSession) CreatedAt() time.Time { return f.created }
func (f *fakeSession) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	return &ExecResult{Exit: 0}, nil
}
func (f *fakeSession) Start(ctx context.Context, req ExecRequest) (Proc, error) {
	return nil, errors.New("not interactive")
}
func (f *fakeSession) FsDiff(spanID string) (*FsDiff, bool) { return nil, false }
func (f *fakeSession) ApplySpec(spec Spec) error            { return nil }
func (f *fakeSession) Close() error {
	f.closed.Store(true)
	return nil
}

func fakeStarter(starts *atomic.Int64, delay time.Duration) starter {
	return func(spec Spec) (Session, error) {
		starts.Add(1)
		if delay > 0 {
			time.Sleep(delay)
		}
		return &fakeSession{
			handle:  Handle{ID: shortid.WorldID()},
			created: time.Now(),
		}, nil
	}
}

func testSpec(t *testing.T) Spec {
	t.Helper()
	spec := DefaultSpec(t.TempDir())
	spec.AllowedDomains = nil
	spec.IsolateNetwork = false
	return spec
}

func TestEnsureStartedReusesSession(t *testing.T) {
	var starts atomic.Int64
	m := newManagerWithStarter(fakeStarter(&starts, 0))
	spec := testSpec(t)

	first, err := m.EnsureStarted(spec)
	if err != nil {
		t.Fatalf("first EnsureStarted: %v", err)
	}
	second, err := m.EnsureStarted(spec)
	if err != nil {
		t.Fatalf("second EnsureStarted: %v", err)
	}

	if first.Handle().ID != second.Handle().ID {
		t.Errorf("handle id changed across reuse: %s vs %s", first.Handle().ID, second.Handle().ID)
	}
	if got := starts.Load(); got != 1 {
		t.Errorf("starts = %d, want 1", got)
	}
}

func TestEnsureStartedCollapsesConcurrentFirstUse(t *testing.T) {
	var starts atomic.Int64
	m := newManagerWithStarter(fakeStarter(&starts, 20*time.Millisecond))
	spec := testSpec(t)

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.EnsureStarted(spec)
			if err != nil {
				t.Errorf("EnsureStarted: %v", err)
				return
			}
			ids[i] = s.Handle().ID
		}(i)
	}
	wg.Wait()

	if got := starts.Load(); got != 1 {
		t.Errorf("concurrent first-use ran %d constructions, want 1", got)
	}
	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got id %s, caller 0 got %s", i, ids[i], ids[0])
		}
	}
}

func TestEnsureStartedEphemeralNeverReuses(t *testing.T) {
	var starts atomic.Int64
	m := newManagerWithStarter(fakeStarter(&starts, 0))
	spec := testSpec(t)
	spec.ReuseSession = false

	a, err := m.EnsureStarted(spec)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.EnsureStarted(spec)
	if err != nil {
		t.Fatal(err)
	}
	if a.Handle().ID == b.Handle().ID {
		t.Error("ephemeral sessions shared a handle id")
	}
	if got := starts.Load(); got != 2 {
		t.Errorf("starts = %d, want 2", got)
	}
}

func TestEnsureStartedDifferentKeysDifferentSessions(t *testing.T) {
	var starts atomic.Int64
	m := newManagerWithStarter(fakeStarter(&starts, 0))

	specA := testSpec(t)
	specB := specA
	specB.FsMode = FsReadOnly

	a, err := m.EnsureStarted(specA)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.EnsureStarted(specB)
	if err != nil {
		t.Fatal(err)
	}
	if a.Handle().ID == b.Handle().ID {
		t.Error("different fs modes shared a session")
	}
}

func TestManagerGetByID(t *testing.T) {
	var starts atomic.Int64
	m := newManagerWithStarter(fakeStarter(&starts, 0))
	s, err := m.EnsureStarted(testSpec(t))
	if err != nil {
		t.Fatal(err)
	}
	got, ok := m.Get(s.Handle().ID)
	if !ok || got.Handle().ID != s.Handle().ID {
		t.Errorf("Get(%s) = %v, %v", s.Handle().ID, got, ok)
	}
	if _, ok := m.Get("wld_missing"); ok {
		t.Error("Get returned a session for an unknown id")
	}
}

// trackingStarter records every session it constructs so tests can inspect
// the raw fakes behind the manager's registry.
func trackingStarter(made *[]*fakeSession) starter {
	return func(spec Spec) (Session, error) {
		f := &fakeSession{
			handle:  Handle{ID: shortid.WorldID()},
			created: time.Now(),
		}
		*made = append(*made, f)
		return f, nil
	}
}

func TestManagerCollectClosesStale(t *testing.T) {
	var made []*fakeSession
	m := newManagerWithStarter(trackingStarter(&made))
	m.ttl = time.Millisecond

	s, err := m.EnsureStarted(testSpec(t))
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	m.collect()

	if !made[0].closed.Load() {
		t.Error("stale session not closed by collect")
	}
	if _, ok := m.Get(s.Handle().ID); ok {
		t.Error("stale session still registered after collect")
	}
}

func TestManagerCollectClosesStaleEphemeral(t *testing.T) {
	var made []*fakeSession
	m := newManagerWithStarter(trackingStarter(&made))
	m.ttl = time.Millisecond

	spec := testSpec(t)
	spec.ReuseSession = false
	s, err := m.EnsureStarted(spec)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	m.collect()

	if !made[0].closed.Load() {
		t.Error("stale ephemeral session not closed by collect")
	}
	if _, ok := m.Get(s.Handle().ID); ok {
		t.Error("stale ephemeral session still registered after collect")
	}
}

func TestSessionCloseDeregisters(t *testing.T) {
	var starts atomic.Int64
	m := newManagerWithStarter(fakeStarter(&starts, 0))
	spec := testSpec(t)

	s, err := m.EnsureStarted(spec)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Get(s.Handle().ID); ok {
		t.Error("closed session still registered")
	}

	// A fresh session must be constructed after the close, not the stale one
	// handed back from the reuse map.
	next, err := m.EnsureStarted(spec)
	if err != nil {
		t.Fatal(err)
	}
	if next.Handle().ID == s.Handle().ID {
		t.Error("reuse map returned a closed session")
	}
	if got := starts.Load(); got != 2 {
		t.Errorf("starts = %d, want 2", got)
	}
}

func TestSpecCgroupRequired(t *testing.T) {
	cases := []struct {
		name    string
		isolate bool
		domains []string
		want    bool
	}{
		{"allowlisted egress", true, []string{"github.com"}, true},
		{"fully closed network", true, nil, false},
		{"open network", false, nil, false},
	}
	for _, c := range cases {
		spec := Spec{IsolateNetwork: c.isolate, AllowedDomains: c.domains}
		if got := spec.cgroupRequired(); got != c.want {
			t.Errorf("%s: cgroupRequired = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestSpecValidate(t *testing.T) {
	spec := DefaultSpec(t.TempDir())
	if err := spec.Validate(); err != nil {
		t.Fatalf("default spec invalid: %v", err)
	}

	spec.ProjectDir = "/nonexistent/worldbox/project"
	if err := spec.Validate(); err == nil {
		t.Error("missing project_dir accepted")
	}

	spec = DefaultSpec(t.TempDir())
	spec.IsolateNetwork = false
	if err := spec.Validate(); err == nil {
		t.Error("allowed_domains without isolate_network accepted")
	}
}
