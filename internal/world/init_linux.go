//go:build linux

package world

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"golang.org/x/sys/unix"
)

// initConfig travels from the parent to the re-exec child over a pipe. It
// carries everything the child needs to assemble its namespace world before
// exec'ing the user command.
type initConfig struct {
	WorldID         string         `json:"world_id"`
	Hostname        string         `json:"hostname"`
	RootDir         string         `json:"root_dir"`
	ProjectDir      string         `json:"project_dir"`
	ProjectWritable bool           `json:"project_writable"`
	Overlay         *overlayConfig `json:"overlay,omitempty"`
	IsolateNetwork  bool           `json:"isolate_network"`
	ResolvConf      string         `json:"resolv_conf,omitempty"`
	TightenSeccomp  bool           `json:"tighten_seccomp"`
	SeccompLog      bool           `json:"seccomp_log"`
	Cwd             string         `json:"cwd"`
	Env             []string       `json:"env"`
	Argv            []string       `json:"argv"`
	ScopeFD         int            `json:"scope_fd"`
}

type overlayConfig struct {
	Upper string `json:"upper"`
	Work  string `json:"work"`
}

// roBinds are host trees made visible read-only inside the world. Missing
// entries are skipped (not every distro has /lib64).
var roBinds = []string{"/usr", "/bin", "/sbin", "/lib", "/lib64", "/etc"}

// MaybeWorldInit must be the first call in main. When the process was
// re-exec'd as a world init helper it assembles the world and execs the
// command, never returning; otherwise it returns false and main continues.
func MaybeWorldInit() bool {
	fdStr := os.Getenv(initEnvKey)
	if fdStr == "" {
		return false
	}
	os.Exit(worldInit(fdStr))
	return true
}

func worldInit(fdStr string) int {
	// Mount, prctl, and seccomp are per-thread. This thread execs or exits,
	// so it stays locked.
	runtime.LockOSThread()

	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worldbox-init: bad config fd %q: %v\n", fdStr, err)
		return 1
	}
	pipe := os.NewFile(uintptr(fd), "init-config")
	var cfg initConfig
	if err := json.NewDecoder(pipe).Decode(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "worldbox-init: decode config: %v\n", err)
		return 1
	}
	pipe.Close()

	if err := assembleWorld(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "worldbox-init: %v\n", err)
		return 1
	}

	env := cfg.Env
	if cfg.ScopeFD >= 0 {
		env = append(env, fmt.Sprintf("WORLDBOX_SCOPE_TOKEN_FILE=/proc/self/fd/%d", cfg.ScopeFD))
	}
	_ = os.Unsetenv(initEnvKey)
	if err := unix.Exec(cfg.Argv[0], cfg.Argv, env); err != nil {
		fmt.Fprintf(os.Stderr, "worldbox-init: exec %s: %v\n", cfg.Argv[0], err)
		return 127
	}
	return 0
}

// assembleWorld performs the ordered construction inside the fresh
// namespaces: mount propagation, bind mounts, overlay, /dev, pivot_root,
// /proc, hostname, hardening, seccomp.
func assembleWorld(cfg *initConfig) error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return &SetupError{Stage: "mounts-private", Err: err}
	}

	root := cfg.RootDir
	if err := unix.Mount("tmpfs", root, "tmpfs", 0, "mode=0755"); err != nil {
		return &SetupError{Stage: "rootfs", Err: err}
	}

	for _, src := range roBinds {
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := bindReadOnly(src, filepath.Join(root, src)); err != nil {
			return &SetupError{Stage: "binds", Err: fmt.Errorf("%s: %w", src, err)}
		}
	}

	if err := mountProject(cfg, root); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o777); err != nil {
		return &SetupError{Stage: "tmp", Err: err}
	}
	if err := unix.Mount("tmpfs", filepath.Join(root, "tmp"), "tmpfs", 0, "mode=1777"); err != nil {
		return &SetupError{Stage: "tmp", Err: err}
	}

	if err := setupDev(root); err != nil {
		return &SetupError{Stage: "dev", Err: err}
	}

	if cfg.IsolateNetwork && cfg.ResolvConf != "" {
		target := filepath.Join(root, "etc", "resolv.conf")
		if err := unix.Mount(cfg.ResolvConf, target, "", unix.MS_BIND, ""); err != nil {
			return &SetupError{Stage: "resolv", Err: err}
		}
	}

	if err := pivotInto(root); err != nil {
		return &SetupError{Stage: "pivot", Err: err}
	}

	if err := os.MkdirAll("/proc", 0o555); err != nil {
		return &SetupError{Stage: "proc", Err: err}
	}
	if err := unix.Mount("proc", "/proc", "proc", 0, ""); err != nil {
		return &SetupError{Stage: "proc", Err: err}
	}

	if err := unix.Sethostname([]byte(cfg.Hostname)); err != nil {
		return &SetupError{Stage: "hostname", Err: err}
	}

	if err := hardenInit(); err != nil {
		return &SetupError{Stage: "harden", Err: err}
	}

	if err := applySeccomp(cfg.TightenSeccomp, cfg.SeccompLog); err != nil {
		return &SetupError{Stage: "seccomp", Err: err}
	}

	cwd := cfg.Cwd
	if err := os.MkdirAll(cwd, 0o755); err != nil && !os.IsExist(err) {
		return &SetupError{Stage: "cwd", Err: err}
	}
	if err := os.Chdir(cwd); err != nil {
		return &SetupError{Stage: "cwd", Err: err}
	}
	return nil
}

// mountProject makes the project tree visible at its host path inside the
// world. Overlay mode mounts overlayfs so writes land in the upper dir; plain
// mode bind-mounts, read-only when the filesystem posture demands it.
func mountProject(cfg *initConfig, root string) error {
	target := filepath.Join(root, cfg.ProjectDir)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return &SetupError{Stage: "project", Err: err}
	}

	if cfg.Overlay != nil {
		opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s",
			cfg.ProjectDir, cfg.Overlay.Upper, cfg.Overlay.Work)
		if err := unix.Mount("overlay", target, "overlay", 0, opts); err != nil {
			return &SetupError{Stage: "overlay", Err: err}
		}
		return nil
	}

	if cfg.ProjectWritable {
		if err := unix.Mount(cfg.ProjectDir, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return &SetupError{Stage: "project", Err: err}
		}
		return nil
	}
	if err := bindReadOnly(cfg.ProjectDir, target); err != nil {
		return &SetupError{Stage: "project", Err: err}
	}
	return nil
}

// bindReadOnly needs two mounts: MS_RDONLY is ignored on the initial bind, so
// a remount pass sets it.
func bindReadOnly(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	if err := unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return err
	}
	return unix.Mount("", dst, "",
		unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY|unix.MS_REC, "")
}

// setupDev populates a minimal /dev. Device nodes cannot be created inside an
// unprivileged user namespace, so the host's nodes are bind-mounted over
// empty placeholder files.
func setupDev(root string) error {
	dev := filepath.Join(root, "dev")
	if err := os.MkdirAll(dev, 0o755); err != nil {
		return err
	}
	for _, name := range []string{"null", "zero", "urandom", "tty"} {
		src := "/dev/" + name
		dst := filepath.Join(dev, name)
		f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY, 0o666)
		if err != nil {
			return err
		}
		f.Close()
		if err := unix.Mount(src, dst, "", unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("bind %s: %w", src, err)
		}
	}
	return nil
}

// pivotInto swaps the root to dir and detaches the old root so no host path
// stays reachable.
func pivotInto(dir string) error {
	old := filepath.Join(dir, ".oldroot")
	if err := os.MkdirAll(old, 0o700); err != nil {
		return err
	}
	if err := unix.PivotRoot(dir, old); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := os.Chdir("/"); err != nil {
		return err
	}
	if err := unix.Unmount("/.oldroot", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detach old root: %w", err)
	}
	return os.Remove("/.oldroot")
}

// hardenInit locks the process down before seccomp: no new privileges and no
// ptrace attachment or core dumps.
func hardenInit() error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(PR_SET_NO_NEW_PRIVS): %w", err)
	}
	if err := unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(PR_SET_DUMPABLE): %w", err)
	}
	rl := unix.Rlimit{Cur: 0, Max: 0}
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &rl); err != nil {
		return fmt.Errorf("setrlimit(RLIMIT_CORE): %w", err)
	}
	return nil
}
