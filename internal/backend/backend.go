// Package backend selects where worlds run: directly on a Linux host, in
// Docker containers when namespaces are unavailable, or inside a Lima VM on
// macOS.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/worldbox/worldbox/internal/world"
)

// Backend produces and tracks world sessions.
type Backend interface {
	Name() string
	EnsureStarted(spec world.Spec) (world.Session, error)
	Get(id string) (world.Session, bool)
	Close() error
}

// Select picks a backend. "auto" resolves per platform: Linux hosts run
// worlds locally, macOS goes through a Lima VM. Docker must be asked for
// explicitly or via WORLDBOX_BACKEND.
func Select(ctx context.Context, kind string) (Backend, error) {
	if kind == "" || kind == "auto" {
		kind = os.Getenv("WORLDBOX_BACKEND")
	}
	if kind == "" || kind == "auto" {
		switch runtime.GOOS {
		case "linux":
			kind = "local"
		case "darwin":
			kind = "lima"
		default:
			return nil, fmt.Errorf("no world backend for %s", runtime.GOOS)
		}
	}

	switch kind {
	case "local":
		return NewLocal(), nil
	case "docker":
		return NewDocker(ctx)
	case "lima":
		return NewLima(ctx)
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}

// SelectWithFallback tries the preferred backend and falls back to Docker
// when local world construction is impossible on this host.
func SelectWithFallback(ctx context.Context, kind string) (Backend, error) {
	b, err := Select(ctx, kind)
	if err == nil {
		return b, nil
	}
	if kind != "" && kind != "auto" {
		return nil, err
	}
	slog.Warn("preferred backend unavailable, trying docker", "error", err)
	return NewDocker(ctx)
}
