// Package transport connects the gateway to a world agent. Three carriers
// are tried in a fixed order: vsock into the VM, a Unix socket forwarded
// over SSH, and loopback TCP as the last resort. The working carrier is
// cached for the VM's lifetime.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/mdlayher/vsock"
)

// Carrier endpoints.
const (
	VsockCID  = 2
	VsockPort = 1024
	TCPAddr   = "127.0.0.1:7788"
)

// UDSPath is the SSH-forwarded agent socket.
func UDSPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/root"
	}
	return filepath.Join(home, ".worldbox", "sock", "agent.sock")
}

// Kind names a carrier.
type Kind string

const (
	KindVsock Kind = "vsock"
	KindUDS   Kind = "uds"
	KindTCP   Kind = "tcp"
)

type dialFunc func(ctx context.Context) (net.Conn, error)

type carrier struct {
	kind Kind
	dial dialFunc
}

func defaultCarriers() []carrier {
	return []carrier{
		{KindVsock, func(ctx context.Context) (net.Conn, error) {
			return vsock.Dial(VsockCID, VsockPort, nil)
		}},
		{KindUDS, func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", UDSPath())
		}},
		{KindTCP, func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", TCPAddr)
		}},
	}
}

// Dialer negotiates and caches a carrier. One Dialer serves one VM
// lifecycle; Reset discards the cache when the VM restarts.
type Dialer struct {
	mu       sync.Mutex
	carriers []carrier
	selected Kind
	warned   bool
}

// NewDialer creates a Dialer over the standard carrier chain.
func NewDialer() *Dialer {
	return &Dialer{carriers: defaultCarriers()}
}

// Dial returns a connection over the cached carrier, negotiating on first
// use. When earlier carriers fail, one consolidated warning describes the
// whole downgrade rather than one line per hop.
func (d *Dialer) Dial(ctx context.Context) (net.Conn, Kind, error) {
	d.mu.Lock()
	selected := d.selected
	d.mu.Unlock()

	if selected != "" {
		for _, c := range d.carriers {
			if c.kind != selected {
				continue
			}
			conn, err := c.dial(ctx)
			if err != nil {
				// Cached carrier died with the VM; renegotiate.
				d.Reset()
				return d.Dial(ctx)
			}
			return conn, c.kind, nil
		}
	}

	var failures []string
	for _, c := range d.carriers {
		conn, err := c.dial(ctx)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", c.kind, err))
			continue
		}
		d.mu.Lock()
		d.selected = c.kind
		warned := d.warned
		if len(failures) > 0 {
			d.warned = true
		}
		d.mu.Unlock()
		if len(failures) > 0 && !warned {
			slog.Warn("agent transport degraded",
				"selected", string(c.kind),
				"failed", strings.Join(failures, "; "))
		}
		return conn, c.kind, nil
	}
	return nil, "", fmt.Errorf("no agent transport reachable: %s", strings.Join(failures, "; "))
}

// Selected returns the cached carrier, empty before first successful dial.
func (d *Dialer) Selected() Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selected
}

// Reset clears the cached carrier, forcing renegotiation on the next Dial.
func (d *Dialer) Reset() {
	d.mu.Lock()
	d.selected = ""
	d.warned = false
	d.mu.Unlock()
}

// OpenSession wraps a negotiated connection in a yamux client session so
// multiple logical streams share one carrier connection.
func (d *Dialer) OpenSession(ctx context.Context) (*yamux.Session, Kind, error) {
	conn, kind, err := d.Dial(ctx)
	if err != nil {
		return nil, "", err
	}
	cfg := yamux.DefaultConfig()
	cfg.KeepAliveInterval = 30 * time.Second
	cfg.LogOutput = nil
	cfg.Logger = slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn)
	sess, err := yamux.Client(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("yamux client: %w", err)
	}
	return sess, kind, nil
}

// ServeMux wraps an accepted connection in a yamux server session.
func ServeMux(conn net.Conn) (*yamux.Session, error) {
	cfg := yamux.DefaultConfig()
	cfg.KeepAliveInterval = 30 * time.Second
	cfg.LogOutput = nil
	cfg.Logger = slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn)
	sess, err := yamux.Server(conn, cfg)
	if err != nil {
		return nil, fmt.Errorf("yamux server: %w", err)
	}
	return sess, nil
}
