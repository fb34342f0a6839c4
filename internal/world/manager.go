package world

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Session is a live world: construction already happened, commands can run.
type Session interface {
	Handle() Handle
	Exec(ctx context.Context, req ExecRequest) (*ExecResult, error)
	// Start launches an interactive PTY execution and returns immediately.
	Start(ctx context.Context, req ExecRequest) (Proc, error)
	// FsDiff returns the diff recorded for a span of an isolated execution.
	FsDiff(spanID string) (*FsDiff, bool)
	// ApplySpec updates the restrictions currently active on the session.
	ApplySpec(spec Spec) error
	Close() error
	// CreatedAt supports TTL-based garbage collection.
	CreatedAt() time.Time
}

// starter constructs a new session. Swapped in tests.
type starter func(spec Spec) (Session, error)

// Manager owns all session worlds in the process and guarantees at-most-one
// construction in flight per reuse key.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]Session // reuse key → live session
	byID     map[string]Session
	group    singleflight.Group
	start    starter
	ttl      time.Duration
}

// NewManager creates a Manager using the platform session implementation.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]Session),
		byID:     make(map[string]Session),
		start:    startSession,
		ttl:      2 * time.Hour,
	}
}

func newManagerWithStarter(start starter) *Manager {
	return &Manager{
		sessions: make(map[string]Session),
		byID:     make(map[string]Session),
		start:    start,
		ttl:      2 * time.Hour,
	}
}

// EnsureStarted returns an existing session matching the spec's reuse key, or
// constructs a new one. Concurrent first-use for the same key is collapsed to
// a single construction; losers receive the winner's session.
func (m *Manager) EnsureStarted(spec Spec) (Session, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	key := spec.reuseKey()
	if spec.ReuseSession {
		m.mu.Lock()
		if s, ok := m.sessions[key]; ok {
			m.mu.Unlock()
			return s, nil
		}
		m.mu.Unlock()

		v, err, _ := m.group.Do(key, func() (any, error) {
			// Re-check under the claim: a session may have registered while
			// this call waited its turn.
			m.mu.Lock()
			if s, ok := m.sessions[key]; ok {
				m.mu.Unlock()
				return s, nil
			}
			m.mu.Unlock()

			s, err := m.start(spec)
			if err != nil {
				return nil, err
			}
			ms := &managedSession{Session: s, m: m, key: key}
			m.register(key, ms)
			return ms, nil
		})
		if err != nil {
			return nil, err
		}
		return v.(Session), nil
	}

	s, err := m.start(spec)
	if err != nil {
		return nil, err
	}
	ms := &managedSession{Session: s, m: m}
	m.register("", ms)
	return ms, nil
}

// managedSession deregisters itself on Close so a caller-closed session, in
// particular an ephemeral one, never leaves a stale registry entry behind.
type managedSession struct {
	Session
	m   *Manager
	key string
}

func (s *managedSession) Close() error {
	s.m.deregister(s.key, s.Handle().ID)
	return s.Session.Close()
}

func (m *Manager) register(key string, s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key != "" {
		m.sessions[key] = s
	}
	m.byID[s.Handle().ID] = s
}

func (m *Manager) deregister(key, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key != "" {
		if cur, ok := m.sessions[key]; ok && cur.Handle().ID == id {
			delete(m.sessions, key)
		}
	}
	delete(m.byID, id)
}

// Get returns a session by world id.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	return s, ok
}

// Close tears down every live session.
func (m *Manager) Close() error {
	m.mu.Lock()
	sessions := make([]Session, 0, len(m.byID))
	for _, s := range m.byID {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]Session)
	m.byID = make(map[string]Session)
	m.mu.Unlock()

	var lastErr error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// GC runs TTL-based cleanup until ctx is cancelled: sessions older than the
// manager TTL are closed, and orphaned world directories from previous
// processes are removed.
func (m *Manager) GC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *Manager) collect() {
	cutoff := time.Now().Add(-m.ttl)

	m.mu.Lock()
	var stale []Session
	for key, s := range m.sessions {
		if s.CreatedAt().Before(cutoff) {
			stale = append(stale, s)
			delete(m.sessions, key)
			delete(m.byID, s.Handle().ID)
		}
	}
	// Ephemeral sessions live only in byID; without this sweep they would
	// accumulate until process exit.
	for id, s := range m.byID {
		if s.CreatedAt().Before(cutoff) {
			stale = append(stale, s)
			delete(m.byID, id)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		slog.Info("collecting stale world", "world_id", s.Handle().ID)
		if err := s.Close(); err != nil {
			slog.Warn("world cleanup failed", "world_id", s.Handle().ID, "error", err)
		}
	}

	m.sweepOrphans(cutoff)
}

// sweepOrphans removes world directories left behind by crashed processes.
func (m *Manager) sweepOrphans(cutoff time.Time) {
	entries, err := os.ReadDir(worldRoot())
	if err != nil {
		return
	}
	m.mu.Lock()
	live := make(map[string]bool, len(m.byID))
	for id := range m.byID {
		live[id] = true
	}
	m.mu.Unlock()

	for _, e := range entries {
		if live[e.Name()] {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(worldRoot(), e.Name())
		slog.Info("removing orphan world directory", "path", path)
		_ = os.RemoveAll(path)
	}
}

// worldRoot is the base directory for world root filesystems.
func worldRoot() string {
	if v := os.Getenv("WORLDBOX_WORLD_ROOT"); v != "" {
		return v
	}
	return "/tmp/worldbox-worlds"
}

// overlayRoot is the base directory for overlay upper/work trees. Upper and
// work must live on the same filesystem, so both hang off one base.
func overlayRoot() string {
	if v := os.Getenv("WORLDBOX_OVERLAY_ROOT"); v != "" {
		return v
	}
	return "/tmp/worldbox-overlays"
}

// cgroupRoot is the parent cgroup for world limits.
func cgroupRoot() string {
	return "/sys/fs/cgroup/worldbox"
}

// CgroupPath is the cgroup2 path, relative to the cgroup root, that world
// processes run under. The egress filter keys its cgroupv2 match on it.
func CgroupPath() string {
	return "worldbox"
}
