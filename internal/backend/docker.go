package backend

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/worldbox/worldbox/internal/shortid"
	"github.com/worldbox/worldbox/internal/world"
)

const (
	labelManagedBy = "managed-by"
	labelValue     = "worldbox"
	defaultImage   = "worldbox/world:latest"
)

// Docker runs each world as a hardened container. It is the fallback for
// hosts where namespace construction is unavailable.
type Docker struct {
	cli   *client.Client
	image string

	mu       sync.Mutex
	sessions map[string]*dockerSession // reuse key → session
	byID     map[string]*dockerSession
}

// NewDocker connects to the daemon and reaps containers left over from
// previous runs.
func NewDocker(ctx context.Context) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker ping: %w", err)
	}

	image := os.Getenv("WORLDBOX_WORLD_IMAGE")
	if image == "" {
		image = defaultImage
	}
	d := &Docker{
		cli:      cli,
		image:    image,
		sessions: make(map[string]*dockerSession),
		byID:     make(map[string]*dockerSession),
	}
	d.cleanOrphans(ctx)
	return d, nil
}

func (d *Docker) Name() string { return "docker" }

func (d *Docker) cleanOrphans(ctx context.Context) {
	f := filters.NewArgs(filters.Arg("label", labelManagedBy+"="+labelValue))
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		slog.Warn("orphan container listing failed", "error", err)
		return
	}
	for _, c := range containers {
		slog.Info("removing orphan world container", "container_id", c.ID[:12])
		_ = d.cli.ContainerStop(ctx, c.ID, container.StopOptions{})
		_ = d.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
	}
}

func (d *Docker) EnsureStarted(spec world.Spec) (world.Session, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s|net=%v|fs=%s", spec.ProjectDir, spec.IsolateNetwork, spec.FsMode)

	if spec.ReuseSession {
		d.mu.Lock()
		if s, ok := d.sessions[key]; ok {
			d.mu.Unlock()
			return s, nil
		}
		d.mu.Unlock()
	}

	s, err := d.startContainer(spec)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	if spec.ReuseSession {
		d.sessions[key] = s
	}
	d.byID[s.handle.ID] = s
	d.mu.Unlock()
	return s, nil
}

func (d *Docker) startContainer(spec world.Spec) (*dockerSession, error) {
	ctx := context.Background()
	id := shortid.WorldID()

	networkMode := "bridge"
	if spec.IsolateNetwork && len(spec.AllowedDomains) == 0 {
		networkMode = "none"
	}

	bind := spec.ProjectDir + ":" + spec.ProjectDir
	if spec.FsMode == world.FsReadOnly {
		bind += ":ro"
	}

	resources := container.Resources{}
	if spec.Limits.CPU != "" {
		if cpus, err := strconv.ParseFloat(spec.Limits.CPU, 64); err == nil {
			resources.NanoCPUs = int64(cpus * 1e9)
		}
	}
	if spec.Limits.Memory != "" {
		if b, err := memoryBytes(spec.Limits.Memory); err == nil {
			resources.Memory = b
		}
	}

	env := []string{"TERM=xterm-256color"}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      d.image,
			Cmd:        []string{"sleep", "infinity"},
			Env:        env,
			WorkingDir: spec.ProjectDir,
			Labels:     map[string]string{labelManagedBy: labelValue, "world-id": id},
		},
		&container.HostConfig{
			CapDrop:     []string{"ALL"},
			SecurityOpt: []string{"no-new-privileges"},
			NetworkMode: container.NetworkMode(networkMode),
			Binds:       []string{bind},
			Resources:   resources,
		},
		nil, nil, "worldbox-"+id,
	)
	if err != nil {
		return nil, &world.SetupError{Stage: "container-create", Err: err}
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, &world.SetupError{Stage: "container-start", Err: err}
	}

	warnings := []string{"container backend: overlay fs diffs unavailable"}
	slog.Info("world container started", "world_id", id, "container_id", resp.ID[:12])
	return &dockerSession{
		backend:     d,
		spec:        spec,
		handle:      world.Handle{ID: id, Warnings: warnings},
		containerID: resp.ID,
		created:     time.Now(),
	}, nil
}

func (d *Docker) Get(id string) (world.Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.byID[id]
	return s, ok
}

func (d *Docker) Close() error {
	d.mu.Lock()
	sessions := make([]*dockerSession, 0, len(d.byID))
	for _, s := range d.byID {
		sessions = append(sessions, s)
	}
	d.sessions = make(map[string]*dockerSession)
	d.byID = make(map[string]*dockerSession)
	d.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	return d.cli.Close()
}

type dockerSession struct {
	backend     *Docker
	spec        world.Spec
	handle      world.Handle
	containerID string
	created     time.Time
}

func (s *dockerSession) Handle() world.Handle { return s.handle }
func (s *dockerSession) CreatedAt() time.Time { return s.created }

func (s *dockerSession) ApplySpec(spec world.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	s.spec.AllowedDomains = spec.AllowedDomains
	return nil
}

func (s *dockerSession) FsDiff(spanID string) (*world.FsDiff, bool) {
	return nil, false
}

// execArgs builds the docker exec invocation. The docker binary is used for
// PTY executions because the API attach path cannot allocate a real TTY for
// resize handling the way exec -it does.
func (s *dockerSession) execArgs(req world.ExecRequest, tty bool) []string {
	args := []string{"exec"}
	if tty {
		args = append(args, "-it")
	}
	cwd := req.Cwd
	if cwd == "" {
		cwd = s.spec.ProjectDir
	}
	args = append(args, "-w", cwd)
	for k, v := range req.Env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, s.containerID, "/bin/sh", "-c", req.Cmd)
	return args
}

func (s *dockerSession) Exec(ctx context.Context, req world.ExecRequest) (*world.ExecResult, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, "docker", s.execArgs(req, false)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exit := 0
	if err != nil {
		ee, ok := err.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("docker exec: %w", err)
		}
		exit = ee.ExitCode()
	}
	return &world.ExecResult{
		Exit:     exit,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}, nil
}

func (s *dockerSession) Start(ctx context.Context, req world.ExecRequest) (world.Proc, error) {
	cmd := exec.Command("docker", s.execArgs(req, true)...)
	f, err := pty.Start(cmd)
	if err != nil {
		return nil, &world.SetupError{Stage: "pty", Err: err}
	}
	proc := &dockerProc{cmd: cmd, pty: f, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(proc.done)
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = proc.Close()
		case <-proc.done:
		}
	}()
	return proc, nil
}

func (s *dockerSession) Close() error {
	ctx := context.Background()
	_ = s.backend.cli.ContainerStop(ctx, s.containerID, container.StopOptions{})
	if err := s.backend.cli.ContainerRemove(ctx, s.containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

type dockerProc struct {
	cmd  *exec.Cmd
	pty  *os.File
	done chan struct{}
	once sync.Once
}

func (p *dockerProc) Read(b []byte) (int, error)  { return p.pty.Read(b) }
func (p *dockerProc) Write(b []byte) (int, error) { return p.pty.Write(b) }

func (p *dockerProc) Resize(rows, cols uint16) error {
	return pty.Setsize(p.pty, &pty.Winsize{Rows: rows, Cols: cols})
}

func (p *dockerProc) Done() <-chan struct{} { return p.done }

func (p *dockerProc) ExitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

func (p *dockerProc) Close() error {
	var err error
	p.once.Do(func() {
		err = p.pty.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(syscall.SIGTERM)
		}
	})
	return err
}

// memoryBytes parses "2Gi" style sizes for container limits.
func memoryBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	suffixes := []struct {
		suffix string
		mult   int64
	}{
		{"Ki", 1 << 10}, {"Mi", 1 << 20}, {"Gi", 1 << 30},
		{"K", 1000}, {"M", 1000 * 1000}, {"G", 1000 * 1000 * 1000},
	}
	for _, u := range suffixes {
		if strings.HasSuffix(s, u.suffix) {
			n, err := strconv.ParseFloat(strings.TrimSuffix(s, u.suffix), 64)
			if err != nil {
				return 0, err
			}
			return int64(n * float64(u.mult)), nil
		}
	}
	return strconv.ParseInt(s, 10, 64)
}
