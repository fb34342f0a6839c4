package agentapi

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/worldbox/worldbox/internal/broker"
	"github.com/worldbox/worldbox/internal/budget"
	"github.com/worldbox/worldbox/internal/policy"
	"github.com/worldbox/worldbox/internal/session"
	"github.com/worldbox/worldbox/internal/shortid"
	"github.com/worldbox/worldbox/internal/trace"
	"github.com/worldbox/worldbox/internal/world"
)

// ErrMissingAgentID rejects requests with no caller identity.
var ErrMissingAgentID = errors.New("agent_id is required")

// DeniedError is a policy refusal surfaced to the caller.
type DeniedError struct {
	Reason  string
	Pattern string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("denied by policy: %s", e.Reason)
}

// Worlds is the session source the service dispatches into.
type Worlds interface {
	EnsureStarted(spec world.Spec) (world.Session, error)
	Get(id string) (world.Session, bool)
}

// Config carries the service identity.
type Config struct {
	Version      string
	ProjectDir   string
	ImageVersion string
	Transport    string
}

const scopeTTL = time.Hour

type scopeGrant struct {
	scopes  []string
	token   []byte
	expires time.Time
}

// Service implements the agent API against a broker and a world source. It
// keeps its own budget trackers: the gateway may run the same accounting,
// and this copy is the authoritative one.
type Service struct {
	cfg    Config
	broker *broker.Broker
	worlds Worlds
	store  *trace.Store // nil disables span persistence
	// Streams is the live interactive stream registry.
	Streams *session.Registry

	mu      sync.Mutex
	budgets map[string]*budget.Tracker
	grants  map[string]*scopeGrant
}

// NewService wires the execution service.
func NewService(cfg Config, b *broker.Broker, worlds Worlds, store *trace.Store) *Service {
	return &Service{
		cfg:     cfg,
		broker:  b,
		worlds:  worlds,
		store:   store,
		Streams: session.NewRegistry(),
		budgets: make(map[string]*budget.Tracker),
		grants:  make(map[string]*scopeGrant),
	}
}

// tracker returns the per-agent budget tracker, creating it from the first
// request that carries limits.
func (s *Service) tracker(agentID string, limits *budget.Limits) *budget.Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.budgets[agentID]; ok {
		return t
	}
	var l budget.Limits
	if limits != nil {
		l = *limits
	}
	t := budget.NewTracker(l)
	s.budgets[agentID] = t
	return t
}

// Execute runs one command through policy, budget, and a world.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	if req.AgentID == "" {
		return nil, ErrMissingAgentID
	}
	cwd := req.Cwd
	if cwd == "" {
		cwd = s.cfg.ProjectDir
	}

	// Budget before anything else: an exhausted agent must not reach the
	// broker or a world.
	tr := s.tracker(req.AgentID, req.Budget)
	if err := tr.ReserveExec(); err != nil {
		execsTotal.WithLabelValues("budget_exceeded").Inc()
		return nil, err
	}
	if tr.RuntimeExceeded() {
		execsTotal.WithLabelValues("budget_exceeded").Inc()
		return nil, fmt.Errorf("%w: runtime budget spent", budget.ErrExhausted)
	}

	dec := s.broker.Evaluate(req.Cmd, cwd, "")
	if !dec.Allowed() {
		execsTotal.WithLabelValues("deny").Inc()
		return nil, &DeniedError{Reason: dec.Reason, Pattern: dec.Pattern}
	}

	spec := s.specFor(dec)
	sess, err := s.worlds.EnsureStarted(spec)
	if err != nil {
		execsTotal.WithLabelValues("world_error").Inc()
		return nil, fmt.Errorf("world: %w", err)
	}

	spanID := trace.NewSpanID()
	wreq := world.ExecRequest{
		Cmd:        req.Cmd,
		Cwd:        cwd,
		Env:        req.Env,
		Pty:        req.Pty,
		SpanID:     spanID,
		AgentID:    req.AgentID,
		ScopeToken: s.tokenFor(req.AgentID),
	}
	started := time.Now()
	res, err := sess.Exec(ctx, wreq)
	if err != nil {
		execsTotal.WithLabelValues("exec_error").Inc()
		return nil, fmt.Errorf("exec: %w", err)
	}
	if err := tr.RecordRuntime(res.Duration); err != nil {
		slog.Warn("runtime budget exceeded", "agent_id", req.AgentID, "error", err)
	}
	execsTotal.WithLabelValues(decisionLabel(dec)).Inc()
	execDuration.Observe(res.Duration.Seconds())

	// Only resources the execution actually touched, never the allowlist:
	// an empty list is a valid answer.
	scopes := res.ScopesUsed

	s.recordSpan(ctx, spanID, req, cwd, dec, sess.Handle().ID, res, started, scopes)

	return &ExecuteResponse{
		Exit:       res.Exit,
		SpanID:     spanID,
		StdoutB64:  base64.StdEncoding.EncodeToString(res.Stdout),
		StderrB64:  base64.StdEncoding.EncodeToString(res.Stderr),
		ScopesUsed: scopes,
	}, nil
}

// specFor translates a broker decision plus policy defaults into a world
// spec. An isolated_world restriction forces a fresh ephemeral overlay
// world; everything else follows the policy's world block.
func (s *Service) specFor(dec policy.Decision) world.Spec {
	p := s.broker.Policy()
	spec := world.Spec{
		ReuseSession:   p.World.ReuseSession,
		IsolateNetwork: p.World.IsolateNetwork,
		EnablePreload:  p.World.EnablePreload,
		ProjectDir:     s.cfg.ProjectDir,
		FsMode:         world.FsMode(p.WorldFsMode),
	}
	if spec.IsolateNetwork {
		spec.AllowedDomains = p.NetAllowed
	}
	if p.Limits != nil {
		if p.Limits.MaxCPUPercent > 0 {
			spec.Limits.CPU = fmt.Sprintf("%g", float64(p.Limits.MaxCPUPercent)/100)
		}
		if p.Limits.MaxMemoryMB > 0 {
			spec.Limits.Memory = fmt.Sprintf("%dMi", p.Limits.MaxMemoryMB)
		}
	} else {
		spec.Limits = world.Limits{CPU: "2", Memory: "2Gi"}
	}
	for _, r := range dec.Restrictions {
		if r.Type == policy.RestrictionIsolatedWorld {
			spec.ReuseSession = false
			spec.AlwaysIsolate = true
		}
	}
	return spec
}

func (s *Service) recordSpan(ctx context.Context, spanID string, req ExecuteRequest,
	cwd string, dec policy.Decision, worldID string, res *world.ExecResult,
	started time.Time, scopes []string) {
	if s.store == nil {
		return
	}
	p := s.broker.Policy()
	span := &trace.Span{
		ID:         spanID,
		AgentID:    req.AgentID,
		Cmd:        req.Cmd,
		Cwd:        cwd,
		Decision:   decisionLabel(dec),
		WorldID:    worldID,
		Exit:       res.Exit,
		DurationMS: res.Duration.Milliseconds(),
		ScopesUsed: scopes,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Replay:     trace.CaptureReplayContext(cwd, p.ID, p.Commit, s.cfg.ImageVersion),
	}
	if res.FsDiff != nil {
		if b, err := json.Marshal(res.FsDiff); err == nil {
			span.FsDiffJSON = string(b)
		}
	}
	if err := s.store.Record(ctx, span); err != nil {
		slog.Warn("span record failed", "span_id", spanID, "error", err)
	}
}

// StartStream launches an interactive PTY execution and registers its
// output stream.
func (s *Service) StartStream(ctx context.Context, agentID, cmd, cwd string) (*session.Stream, world.Proc, error) {
	if agentID == "" {
		return nil, nil, ErrMissingAgentID
	}
	if cwd == "" {
		cwd = s.cfg.ProjectDir
	}
	tr := s.tracker(agentID, nil)
	if err := tr.ReserveExec(); err != nil {
		return nil, nil, err
	}
	dec := s.broker.Evaluate(cmd, cwd, "")
	if !dec.Allowed() {
		return nil, nil, &DeniedError{Reason: dec.Reason, Pattern: dec.Pattern}
	}

	sess, err := s.worlds.EnsureStarted(s.specFor(dec))
	if err != nil {
		return nil, nil, fmt.Errorf("world: %w", err)
	}
	spanID := trace.NewSpanID()
	proc, err := sess.Start(ctx, world.ExecRequest{
		Cmd: cmd, Cwd: cwd, Pty: true, SpanID: spanID,
		ScopeToken: s.tokenFor(agentID),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("start: %w", err)
	}
	stream := s.Streams.Create("strm_"+shortid.Generate(), sess.Handle().ID, spanID)
	activeStreams.Inc()
	return stream, proc, nil
}

// Trace returns a recorded span.
func (s *Service) Trace(ctx context.Context, spanID string) (*trace.Span, error) {
	if s.store == nil {
		return nil, trace.ErrNotFound
	}
	return s.store.Get(ctx, spanID)
}

// RequestScopes grants the subset of requested scopes the live policy
// allows. The grant is proved by a random token delivered to executions
// through a sealed fd, never the environment.
func (s *Service) RequestScopes(ctx context.Context, req ScopeRequest) (*ScopeResponse, error) {
	if req.AgentID == "" {
		return nil, ErrMissingAgentID
	}
	p := s.broker.Policy()

	var granted, denied []string
	for _, scope := range req.Scopes {
		if p.IsHostAllowed(scope) {
			granted = append(granted, scope)
		} else {
			denied = append(denied, scope)
		}
	}
	resp := &ScopeResponse{Granted: granted, Denied: denied}
	if len(granted) == 0 {
		return resp, nil
	}

	token := make([]byte, 32)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("scope token: %w", err)
	}
	resp.TokenB64 = base64.StdEncoding.EncodeToString(token)
	resp.ExpiresAt = time.Now().Add(scopeTTL)

	s.mu.Lock()
	s.grants[req.AgentID] = &scopeGrant{scopes: granted, token: token, expires: resp.ExpiresAt}
	s.mu.Unlock()
	slog.Info("scopes granted", "agent_id", req.AgentID, "granted", granted, "denied", denied)
	return resp, nil
}

func (s *Service) tokenFor(agentID string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[agentID]
	if !ok || time.Now().After(g.expires) {
		return nil
	}
	return g.token
}

// Capabilities reports version, features, and host facts.
func (s *Service) Capabilities(ctx context.Context) Capabilities {
	caps := Capabilities{
		Version:   s.cfg.Version,
		Transport: s.cfg.Transport,
		Features:  []string{"execute", "stream", "trace", "request_scopes"},
		Host:      HostFacts{OS: runtime.GOOS},
	}
	if hi, err := host.InfoWithContext(ctx); err == nil {
		caps.Host.Hostname = hi.Hostname
		caps.Host.KernelVersion = hi.KernelVersion
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		caps.Host.CPUCores = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		caps.Host.MemoryTotal = vm.Total
	}
	return caps
}

func decisionLabel(dec policy.Decision) string {
	switch dec.Kind {
	case policy.Deny:
		return "deny"
	case policy.AllowWithRestrictions:
		return "allow_with_restrictions"
	default:
		return "allow"
	}
}
