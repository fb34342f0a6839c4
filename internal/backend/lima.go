package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/worldbox/worldbox/internal/agentapi"
	"github.com/worldbox/worldbox/internal/shortid"
	"github.com/worldbox/worldbox/internal/transport"
	"github.com/worldbox/worldbox/internal/world"
)

const limaVMName = "worldbox"

// ErrRemoteStream marks interactive executions that must go through the
// remote stream endpoint instead of a local PTY.
var ErrRemoteStream = errors.New("interactive execution is served by the remote agent stream endpoint")

// Lima proxies worlds into a Linux VM. The VM runs the agent service; this
// side only ensures the VM is up and forwards requests over the negotiated
// carrier.
type Lima struct {
	client *agentapi.Client
	dialer *transport.Dialer

	mu   sync.Mutex
	byID map[string]*limaSession
}

// NewLima ensures the VM is running and connects the agent client.
func NewLima(ctx context.Context) (*Lima, error) {
	if err := ensureVM(ctx); err != nil {
		return nil, err
	}
	d := transport.NewDialer()
	return &Lima{
		client: agentapi.NewClient(d),
		dialer: d,
		byID:   make(map[string]*limaSession),
	}, nil
}

func (l *Lima) Name() string { return "lima" }

// Client exposes the agent client for stream proxying.
func (l *Lima) Client() *agentapi.Client { return l.client }

func (l *Lima) EnsureStarted(spec world.Spec) (world.Session, error) {
	// Validation that touches the filesystem belongs to the VM side; the
	// project dir is mounted there, not necessarily here.
	s := &limaSession{
		backend: l,
		spec:    spec,
		handle: world.Handle{
			ID:       shortid.WorldID(),
			Warnings: []string{"remote backend: world constructed inside VM"},
		},
		created: time.Now(),
	}
	l.mu.Lock()
	l.byID[s.handle.ID] = s
	l.mu.Unlock()
	return s, nil
}

func (l *Lima) Get(id string) (world.Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.byID[id]
	return s, ok
}

func (l *Lima) Close() error {
	l.dialer.Reset()
	return nil
}

// ensureVM starts the lima VM when it is not already running.
func ensureVM(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "limactl", "list", "--format", "json").Output()
	if err != nil {
		return fmt.Errorf("limactl list: %w", err)
	}
	if vmRunning(out) {
		return nil
	}

	slog.Info("starting lima VM", "name", limaVMName)
	start := exec.CommandContext(ctx, "limactl", "start", "--tty=false", limaVMName)
	var stderr bytes.Buffer
	start.Stderr = &stderr
	if err := start.Run(); err != nil {
		return fmt.Errorf("limactl start: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// vmRunning scans limactl's JSON-lines output for a running worldbox VM.
func vmRunning(out []byte) bool {
	for _, line := range bytes.Split(out, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var vm struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(line, &vm); err != nil {
			continue
		}
		if vm.Name == limaVMName && vm.Status == "Running" {
			return true
		}
	}
	return false
}

// limaSession forwards executions to the agent inside the VM. The real world
// lives there; this handle only carries caller identity across.
type limaSession struct {
	backend *Lima
	spec    world.Spec
	handle  world.Handle
	created time.Time
}

func (s *limaSession) Handle() world.Handle { return s.handle }
func (s *limaSession) CreatedAt() time.Time { return s.created }

func (s *limaSession) ApplySpec(spec world.Spec) error {
	s.spec.AllowedDomains = spec.AllowedDomains
	return nil
}

func (s *limaSession) FsDiff(spanID string) (*world.FsDiff, bool) {
	// Diffs are recorded in the remote span store, reachable through Trace.
	return nil, false
}

func (s *limaSession) Exec(ctx context.Context, req world.ExecRequest) (*world.ExecResult, error) {
	start := time.Now()
	resp, err := s.backend.client.Execute(ctx, agentapi.ExecuteRequest{
		AgentID: req.AgentID,
		Cmd:     req.Cmd,
		Cwd:     req.Cwd,
		Env:     req.Env,
		Pty:     req.Pty,
	})
	if err != nil {
		return nil, err
	}
	stdout, err := base64.StdEncoding.DecodeString(resp.StdoutB64)
	if err != nil {
		return nil, fmt.Errorf("decode stdout: %w", err)
	}
	stderr, err := base64.StdEncoding.DecodeString(resp.StderrB64)
	if err != nil {
		return nil, fmt.Errorf("decode stderr: %w", err)
	}
	return &world.ExecResult{
		Exit:       resp.Exit,
		Stdout:     stdout,
		Stderr:     stderr,
		ScopesUsed: resp.ScopesUsed,
		Duration:   time.Since(start),
	}, nil
}

func (s *limaSession) Start(ctx context.Context, req world.ExecRequest) (world.Proc, error) {
	return nil, ErrRemoteStream
}

func (s *limaSession) Close() error {
	s.backend.mu.Lock()
	delete(s.backend.byID, s.handle.ID)
	s.backend.mu.Unlock()
	return nil
}
