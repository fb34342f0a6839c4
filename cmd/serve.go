package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/worldbox/worldbox/internal/agentapi"
	"github.com/worldbox/worldbox/internal/backend"
	"github.com/worldbox/worldbox/internal/broker"
	"github.com/worldbox/worldbox/internal/logx"
	"github.com/worldbox/worldbox/internal/netfilter"
	"github.com/worldbox/worldbox/internal/policy"
	"github.com/worldbox/worldbox/internal/trace"
	"github.com/worldbox/worldbox/internal/transport"
	"github.com/worldbox/worldbox/internal/world"
)

var (
	serveAddr    string
	backendKind  string
	projectDir   string
	policyPath   string
	traceDBPath  string
	policyMode   string
	imageVersion string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway daemon",
	Long:  `Start the gateway that receives agent requests over HTTP, evaluates them against the live policy, and dispatches allowed commands into worlds.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, closeLogs, err := logx.Init("worldbox")
		if err != nil {
			return err
		}
		defer closeLogs()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		gw, err := buildGateway(ctx, "http")
		if err != nil {
			return err
		}
		defer gw.Close()

		// A path-shaped addr means a Unix socket; anything else is TCP.
		network := "tcp"
		if strings.ContainsRune(serveAddr, '/') {
			network = "unix"
			if err := os.MkdirAll(filepath.Dir(serveAddr), 0o700); err != nil {
				return err
			}
			_ = os.Remove(serveAddr)
		}
		ln, err := transport.Listen(network, serveAddr)
		if err != nil {
			return err
		}
		httpServer := &http.Server{Handler: gw.svc.Router()}

		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			sig := <-sigCh
			slog.Info("shutting down", "signal", sig.String())
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutCancel()
			_ = httpServer.Shutdown(shutCtx)
			cancel()
		}()

		slog.Info("gateway listening",
			"addr", ln.Addr().String(),
			"backend", gw.backend.Name(),
			"policy_id", gw.policy.ID,
			"policy_commit", gw.policy.Commit,
			"mode", string(gw.broker.Mode()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

// gateway bundles everything one daemon instance owns.
type gateway struct {
	policy     *policy.Policy
	policyFile string
	projectDir string
	broker     *broker.Broker
	backend    backend.Backend
	store      *trace.Store
	svc        *agentapi.Service
	resolver   *netfilter.Resolver
}

func (g *gateway) Close() {
	if g.store != nil {
		g.store.Close()
	}
	if g.backend != nil {
		g.backend.Close()
	}
}

// buildGateway assembles policy, broker, backend, span store, and service.
// It also starts the policy watcher and, when the policy confines egress to
// an allowlist, the domain resolver feeding the packet filter.
func buildGateway(ctx context.Context, transportName string) (*gateway, error) {
	dir := projectDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		dir = wd
	}

	var p *policy.Policy
	var src string
	var err error
	if policyPath != "" {
		p, err = policy.Load(policyPath)
		src = policyPath
	} else {
		p, src, err = policy.FindForCwd(dir)
	}
	if err != nil {
		return nil, err
	}

	b := broker.New(policy.NewHolder(p))
	b.SetOnReload(func(*policy.Policy) { agentapi.PolicyReloaded() })
	if policyMode != "" {
		b.SetMode(policy.Mode(policyMode))
	}
	if src != "" {
		go func() {
			if err := b.Watch(ctx, src); err != nil && ctx.Err() == nil {
				slog.Warn("policy watcher stopped", "path", src, "error", err)
			}
		}()
	}

	be, err := backend.SelectWithFallback(ctx, backendKind)
	if err != nil {
		return nil, fmt.Errorf("backend: %w", err)
	}

	dbPath := traceDBPath
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "/root"
		}
		dbPath = filepath.Join(home, ".worldbox", "trace.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		be.Close()
		return nil, err
	}
	store, err := trace.OpenStore(dbPath)
	if err != nil {
		be.Close()
		return nil, fmt.Errorf("trace store: %w", err)
	}

	svc := agentapi.NewService(agentapi.Config{
		Version:      version,
		ProjectDir:   dir,
		ImageVersion: imageVersion,
		Transport:    transportName,
	}, b, be, store)

	g := &gateway{
		policy: p, policyFile: src, projectDir: dir, broker: b,
		backend: be, store: store, svc: svc,
	}

	// Domain-allowlisted egress needs the packet filter and its resolver. A
	// filter that cannot be installed would silently leave the network open,
	// so failure here is fatal.
	if p.World.IsolateNetwork && len(p.NetAllowed) > 0 && be.Name() == "local" {
		r := netfilter.NewResolver(p.NetAllowed, world.CgroupPath())
		if err := r.Start(ctx); err != nil {
			g.Close()
			return nil, fmt.Errorf("egress filter: %w", err)
		}
		go r.Run(ctx)
		b.SetOnReload(func(np *policy.Policy) {
			agentapi.PolicyReloaded()
			r.SetDomains(np.NetAllowed)
		})
		g.resolver = r
	}

	return g, nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.PersistentFlags().StringVar(&projectDir, "project-dir", "", "Project directory (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&policyPath, "policy", "", "Policy file (default: nearest .worldbox/policy.yaml)")
	rootCmd.PersistentFlags().StringVar(&traceDBPath, "trace-db", "", "Span database path (default: ~/.worldbox/trace.db)")
	rootCmd.PersistentFlags().StringVar(&policyMode, "mode", "", "Override policy mode: disabled, observe, or enforce")
	rootCmd.PersistentFlags().StringVar(&backendKind, "backend", "auto", "World backend: auto, local, docker, or lima")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:7787", "Gateway listen address (host:port, or a unix socket path)")
	serveCmd.Flags().StringVar(&imageVersion, "image-version", "dev", "World image version recorded in spans")
}
