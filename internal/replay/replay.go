// Package replay re-executes a recorded span inside a fresh ephemeral world
// and reports how far the live environment has drifted from the recording.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/worldbox/worldbox/internal/trace"
	"github.com/worldbox/worldbox/internal/world"
)

// WorldSource produces sessions for replay runs.
type WorldSource interface {
	EnsureStarted(spec world.Spec) (world.Session, error)
}

// Config pins the live identity replayed spans are compared against.
type Config struct {
	ProjectDir   string
	PolicyID     string
	PolicyCommit string
	ImageVersion string
}

// Result is one replay outcome.
type Result struct {
	Span *trace.Span
	// Drift lists recorded-vs-live environment differences. Empty means the
	// replay ran under conditions matching the recording.
	Drift      []string
	Exit       int
	ExitMatch  bool
	Stdout     []byte
	Stderr     []byte
	NewSpanID  string
	WorldID    string
	DurationMS int64
}

// Replayer loads spans and re-runs them.
type Replayer struct {
	store  *trace.Store
	worlds WorldSource
	cfg    Config
}

// New builds a replayer over a span store and a world source.
func New(store *trace.Store, worlds WorldSource, cfg Config) *Replayer {
	return &Replayer{store: store, worlds: worlds, cfg: cfg}
}

// Run replays one span. The command always runs in a fresh isolated world
// that is never reused, regardless of what the original ran in. Drift is
// reported but never blocks the run.
func (r *Replayer) Run(ctx context.Context, spanID string) (*Result, error) {
	span, err := r.store.Get(ctx, spanID)
	if err != nil {
		return nil, err
	}
	if span.Decision == "deny" {
		return nil, fmt.Errorf("span %s was denied, nothing to replay", spanID)
	}

	live := trace.CaptureReplayContext(span.Cwd, r.cfg.PolicyID, r.cfg.PolicyCommit, r.cfg.ImageVersion)
	drift := span.Replay.Drift(live)
	if len(drift) > 0 {
		slog.Warn("replay environment drift",
			"span_id", spanID,
			"fields", len(drift),
			"drift", strings.Join(drift, "; "))
	}

	projectDir := r.cfg.ProjectDir
	if projectDir == "" {
		projectDir = span.Cwd
	}
	spec := world.Spec{
		ReuseSession:   false,
		AlwaysIsolate:  true,
		IsolateNetwork: true,
		ProjectDir:     projectDir,
		FsMode:         world.FsWritable,
		Limits:         world.Limits{CPU: "2", Memory: "2Gi"},
	}

	sess, err := r.worlds.EnsureStarted(spec)
	if err != nil {
		return nil, fmt.Errorf("replay world: %w", err)
	}
	defer sess.Close()

	newID := trace.NewSpanID()
	res, err := sess.Exec(ctx, world.ExecRequest{
		Cmd:     span.Cmd,
		Cwd:     span.Cwd,
		SpanID:  newID,
		AgentID: span.AgentID,
	})
	if err != nil {
		return nil, fmt.Errorf("replay exec: %w", err)
	}

	return &Result{
		Span:       span,
		Drift:      drift,
		Exit:       res.Exit,
		ExitMatch:  res.Exit == span.Exit,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		NewSpanID:  newID,
		WorldID:    sess.Handle().ID,
		DurationMS: res.Duration.Milliseconds(),
	}, nil
}
