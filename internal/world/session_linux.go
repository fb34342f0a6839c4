//go:build linux

package world

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/worldbox/worldbox/internal/shortid"
)

const initEnvKey = "_WORLDBOX_INIT"

type linuxSession struct {
	spec    Spec
	handle  Handle
	created time.Time

	cgroupFD   int // -1 when cgroup setup degraded
	cgroupDir  string
	userns     bool // namespaces available; false means plain-exec fallback
	seccompLog bool // kernel supports SECCOMP_RET_LOG
	resolvConf string

	mu    sync.Mutex
	diffs map[string]*FsDiff
}

// startSession builds the host-side state of a world: directories, cgroup,
// capability probes. Namespace construction itself happens per execution in
// the re-exec child. Directory or spec failures are fatal; cgroup, user
// namespace, and seccomp-log degradations are recorded as handle warnings.
func startSession(spec Spec) (Session, error) {
	id := shortid.WorldID()
	dir := filepath.Join(worldRoot(), id)
	if err := os.MkdirAll(filepath.Join(dir, "root"), 0o755); err != nil {
		return nil, &SetupError{Stage: "workdir", Err: err}
	}

	s := &linuxSession{
		spec:    spec,
		created: time.Now(),
		diffs:   make(map[string]*FsDiff),
	}
	var warnings []string

	fd, cgDir, warn := setupCgroup(id, spec.Limits)
	s.cgroupFD = fd
	s.cgroupDir = cgDir
	if warn != "" {
		if spec.cgroupRequired() {
			_ = os.RemoveAll(dir)
			return nil, &SetupError{Stage: "cgroup", Err: errors.New(warn)}
		}
		warnings = append(warnings, warn)
	}

	s.userns = usernsAvailable()
	if !s.userns {
		warnings = append(warnings, "user namespaces unavailable: running without namespace isolation, prefer the container backend")
	}

	s.seccompLog = seccompLogAvailable()
	if !s.seccompLog {
		warnings = append(warnings, "seccomp log action unsupported: syscall observation disabled")
	}

	if spec.IsolateNetwork {
		rc := filepath.Join(dir, "resolv.conf")
		if err := os.WriteFile(rc, []byte("nameserver 127.0.0.53\n"), 0o644); err != nil {
			_ = os.RemoveAll(dir)
			return nil, &SetupError{Stage: "resolv", Err: err}
		}
		s.resolvConf = rc
	}

	s.handle = Handle{ID: id, Warnings: warnings}
	slog.Info("world started", "world_id", id, "project_dir", spec.ProjectDir,
		"isolate_network", spec.IsolateNetwork, "warnings", len(warnings))
	return s, nil
}

func (s *linuxSession) Handle() Handle       { return s.handle }
func (s *linuxSession) CreatedAt() time.Time { return s.created }

func (s *linuxSession) ApplySpec(spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.spec.AllowedDomains = spec.AllowedDomains
	s.spec.Env = spec.Env
	s.mu.Unlock()
	return nil
}

func (s *linuxSession) FsDiff(spanID string) (*FsDiff, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.diffs[spanID]
	return d, ok
}

// prepared is a command ready to launch, with the teardown it owes.
type prepared struct {
	cmd        *exec.Cmd
	overlay    *overlayConfig
	overlayDir string
	files      []*os.File
}

func (p *prepared) cleanup() {
	for _, f := range p.files {
		f.Close()
	}
	if p.overlayDir != "" {
		_ = os.RemoveAll(p.overlayDir)
	}
}

// prepare assembles the re-exec command: namespace flags, the config pipe,
// the optional overlay and scope-token fd.
func (s *linuxSession) prepare(req ExecRequest) (*prepared, error) {
	cfg := initConfig{
		WorldID:         s.handle.ID,
		Hostname:        s.handle.ID,
		RootDir:         filepath.Join(worldRoot(), s.handle.ID, "root"),
		ProjectDir:      s.spec.ProjectDir,
		ProjectWritable: s.spec.FsMode != FsReadOnly,
		IsolateNetwork:  s.spec.IsolateNetwork,
		ResolvConf:      s.resolvConf,
		TightenSeccomp:  s.spec.AlwaysIsolate,
		SeccompLog:      s.seccompLog,
		Cwd:             req.Cwd,
		Env:             s.buildEnv(req.Env),
		Argv:            []string{"/bin/sh", "-c", req.Cmd},
		ScopeFD:         -1,
	}
	if cfg.Cwd == "" {
		cfg.Cwd = s.spec.ProjectDir
	}

	p := &prepared{}
	if s.spec.AlwaysIsolate {
		p.overlayDir = filepath.Join(overlayRoot(), shortid.OverlayID())
		upper := filepath.Join(p.overlayDir, "upper")
		work := filepath.Join(p.overlayDir, "work")
		if err := os.MkdirAll(upper, 0o755); err != nil {
			return nil, &SetupError{Stage: "overlay", Err: err}
		}
		if err := os.MkdirAll(work, 0o755); err != nil {
			p.cleanup()
			return nil, &SetupError{Stage: "overlay", Err: err}
		}
		p.overlay = &overlayConfig{Upper: upper, Work: work}
		cfg.Overlay = p.overlay
	}

	cmd := exec.Command("/proc/self/exe")
	cmd.Args = []string{"worldbox-init"}

	r, w, err := os.Pipe()
	if err != nil {
		p.cleanup()
		return nil, &SetupError{Stage: "config-pipe", Err: err}
	}
	p.files = append(p.files, r)
	cmd.ExtraFiles = []*os.File{r}

	if len(req.ScopeToken) > 0 {
		scopeFile, serr := sealedScopeFD(req.ScopeToken)
		if serr != nil {
			w.Close()
			p.cleanup()
			return nil, &SetupError{Stage: "scope-token", Err: serr}
		}
		cfg.ScopeFD = 3 + len(cmd.ExtraFiles)
		cmd.ExtraFiles = append(cmd.ExtraFiles, scopeFile)
		p.files = append(p.files, scopeFile)
	}
	cmd.Env = []string{initEnvKey + "=3"}

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS | syscall.CLONE_NEWPID |
			syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC,
		UidMappings: []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}},
		GidMappings: []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}},
	}
	if s.spec.IsolateNetwork && len(s.spec.AllowedDomains) == 0 {
		// No allowed egress at all: a fresh empty netns is the whole story.
		// With allowed domains the world keeps the host netns and the
		// netfilter cgroup rules bound to cgroupDir do the filtering.
		cmd.SysProcAttr.Cloneflags |= syscall.CLONE_NEWNET
	}
	if s.cgroupFD >= 0 {
		cmd.SysProcAttr.UseCgroupFD = true
		cmd.SysProcAttr.CgroupFD = s.cgroupFD
	}

	cfgBytes, err := json.Marshal(cfg)
	if err != nil {
		w.Close()
		p.cleanup()
		return nil, &SetupError{Stage: "config-pipe", Err: err}
	}
	if _, err := w.Write(cfgBytes); err != nil {
		w.Close()
		p.cleanup()
		return nil, &SetupError{Stage: "config-pipe", Err: err}
	}
	w.Close()

	p.cmd = cmd
	return p, nil
}

func (s *linuxSession) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	if !s.userns {
		if err := s.refuseUnisolated(); err != nil {
			return nil, err
		}
		return s.execPlain(ctx, req)
	}

	start := time.Now()
	p, err := s.prepare(req)
	if err != nil {
		return nil, err
	}
	defer p.cleanup()

	res, err := s.run(ctx, p.cmd, req.Pty)
	if err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)

	if p.overlay != nil {
		diff, derr := ComputeDiff(p.overlay.Upper)
		if derr != nil {
			slog.Warn("fs diff failed", "world_id", s.handle.ID, "error", derr)
		} else {
			res.FsDiff = diff
			if req.SpanID != "" {
				s.mu.Lock()
				s.diffs[req.SpanID] = diff
				s.mu.Unlock()
			}
		}
	}
	return res, nil
}

// Start launches an interactive PTY execution. The returned Proc owns the
// PTY master; closing it tears the execution down.
func (s *linuxSession) Start(ctx context.Context, req ExecRequest) (Proc, error) {
	var cmd *exec.Cmd
	var cleanup func()
	if s.userns {
		p, err := s.prepare(req)
		if err != nil {
			return nil, err
		}
		cmd = p.cmd
		cleanup = p.cleanup
	} else {
		if err := s.refuseUnisolated(); err != nil {
			return nil, err
		}
		cmd = exec.Command("/bin/sh", "-c", req.Cmd)
		cmd.Dir = req.Cwd
		if cmd.Dir == "" {
			cmd.Dir = s.spec.ProjectDir
		}
		cmd.Env = s.buildEnv(req.Env)
		cleanup = func() {}
	}

	f, err := pty.Start(cmd)
	if err != nil {
		cleanup()
		return nil, &SetupError{Stage: "clone", Err: err}
	}

	proc := &linuxProc{cmd: cmd, pty: f, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		cleanup()
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

type linuxProc struct {
	cmd  *exec.Cmd
	pty  *os.File
	done chan struct{}
	once sync.Once
}

func (p *linuxProc) Read(b []byte) (int, error)  { return p.pty.Read(b) }
func (p *linuxProc) Write(b []byte) (int, error) { return p.pty.Write(b) }

func (p *linuxProc) Resize(rows, cols uint16) error {
	return pty.Setsize(p.pty, &pty.Winsize{Rows: rows, Cols: cols})
}

func (p *linuxProc) Done() <-chan struct{} { return p.done }

func (p *linuxProc) ExitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

func (p *linuxProc) Close() error {
	var err error
	p.once.Do(func() {
		err = p.pty.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(syscall.SIGTERM)
		}
	})
	return err
}

// run starts the prepared command and waits for it, honoring ctx
// cancellation. PTY executions get a host-side pty pair; its master drains
// into stdout.
func (s *linuxSession) run(ctx context.Context, cmd *exec.Cmd, usePty bool) (*ExecResult, error) {
	var stdout, stderr bytes.Buffer

	if usePty {
		f, err := pty.Start(cmd)
		if err != nil {
			return nil, &SetupError{Stage: "clone", Err: err}
		}
		done := make(chan struct{})
		go func() {
			_, _ = io.Copy(&stdout, f)
			close(done)
		}()
		err = s.wait(ctx, cmd)
		f.Close()
		<-done
		return buildResult(cmd, &stdout, &stderr, err)
	}

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, &SetupError{Stage: "clone", Err: err}
	}
	err := s.wait(ctx, cmd)
	return buildResult(cmd, &stdout, &stderr, err)
}

func (s *linuxSession) wait(ctx context.Context, cmd *exec.Cmd) error {
	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()
	select {
	case err := <-waitErr:
		return err
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return ctx.Err()
	}
}

func buildResult(cmd *exec.Cmd, stdout, stderr *bytes.Buffer, waitErr error) (*ExecResult, error) {
	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); !ok {
			return nil, waitErr
		}
	}
	res := &ExecResult{
		Exit:   cmd.ProcessState.ExitCode(),
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}
	if ru, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage); ok && ru != nil {
		res.PeakRSSBytes = uint64(ru.Maxrss) * 1024
	}
	return res, nil
}

// refuseUnisolated rejects plain-exec fallback for commands whose decision
// requires an isolated world. Degrading those to host execution would discard
// the restriction silently; the container backend serves such hosts instead.
func (s *linuxSession) refuseUnisolated() error {
	if s.spec.AlwaysIsolate {
		return &SetupError{
			Stage: "isolation",
			Err:   errors.New("user namespaces unavailable and the command requires an isolated world"),
		}
	}
	return nil
}

// execPlain runs the command without namespaces. Used only when the handle
// already carries the degradation warning.
func (s *linuxSession) execPlain(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	start := time.Now()
	cmd := exec.Command("/bin/sh", "-c", req.Cmd)
	cmd.Dir = req.Cwd
	if cmd.Dir == "" {
		cmd.Dir = s.spec.ProjectDir
	}
	cmd.Env = s.buildEnv(req.Env)
	res, err := s.run(ctx, cmd, req.Pty)
	if err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (s *linuxSession) buildEnv(reqEnv map[string]string) []string {
	merged := map[string]string{
		"PATH": "/usr/local/bin:/usr/bin:/bin:/usr/sbin:/sbin",
		"HOME": "/root",
		"TERM": "xterm-256color",
	}
	s.mu.Lock()
	for k, v := range s.spec.Env {
		merged[k] = v
	}
	s.mu.Unlock()
	for k, v := range reqEnv {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

func (s *linuxSession) Close() error {
	if s.cgroupFD >= 0 {
		_ = unix.Close(s.cgroupFD)
		s.cgroupFD = -1
	}
	if s.cgroupDir != "" {
		_ = os.Remove(s.cgroupDir)
	}
	dir := filepath.Join(worldRoot(), s.handle.ID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove world dir: %w", err)
	}
	slog.Info("world closed", "world_id", s.handle.ID)
	return nil
}

// usernsAvailable probes whether unprivileged user namespaces can be created.
func usernsAvailable() bool {
	if os.Geteuid() == 0 {
		return true
	}
	if b, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone"); err == nil {
		return strings.TrimSpace(string(b)) != "0"
	}
	if b, err := os.ReadFile("/proc/sys/user/max_user_namespaces"); err == nil {
		return strings.TrimSpace(string(b)) != "0"
	}
	return true
}

// seccompLogAvailable reports whether the kernel knows SECCOMP_RET_LOG.
func seccompLogAvailable() bool {
	b, err := os.ReadFile("/proc/sys/kernel/seccomp/actions_avail")
	if err != nil {
		return false
	}
	for _, f := range strings.Fields(string(b)) {
		if f == "log" {
			return true
		}
	}
	return false
}
