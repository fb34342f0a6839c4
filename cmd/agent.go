package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mdlayher/vsock"
	"github.com/spf13/cobra"

	"github.com/worldbox/worldbox/internal/logx"
	"github.com/worldbox/worldbox/internal/transport"
)

var agentListen string

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the world agent daemon",
	Long: `Start the agent that runs inside the VM (or directly on a Linux host)
and serves the execution API to the gateway over vsock, a Unix socket, or
loopback TCP. Each accepted connection is multiplexed so one carrier serves
many concurrent requests.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, closeLogs, err := logx.Init("worldbox-agent")
		if err != nil {
			return err
		}
		defer closeLogs()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		gw, err := buildGateway(ctx, agentListen)
		if err != nil {
			return err
		}
		defer gw.Close()

		ln, err := agentListener()
		if err != nil {
			return err
		}
		defer ln.Close()

		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			sig := <-sigCh
			slog.Info("agent shutting down", "signal", sig.String())
			ln.Close()
			cancel()
		}()

		handler := gw.svc.Router()
		slog.Info("agent listening", "carrier", agentListen, "addr", ln.Addr().String())
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				slog.Warn("accept failed", "error", err)
				continue
			}
			go serveConn(conn, handler)
		}
	},
}

// serveConn multiplexes one carrier connection and serves HTTP over its
// logical streams.
func serveConn(conn net.Conn, handler http.Handler) {
	mux, err := transport.ServeMux(conn)
	if err != nil {
		slog.Warn("mux negotiation failed", "error", err)
		conn.Close()
		return
	}
	srv := &http.Server{Handler: handler}
	if err := srv.Serve(mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Debug("carrier session closed", "error", err)
	}
}

// agentListener binds the carrier named by --listen. A socket handed down by
// the supervisor wins over a direct bind for every carrier, so systemd can
// activate the agent on vsock and unix sockets as well as TCP.
func agentListener() (net.Listener, error) {
	if ln := transport.Activated(); ln != nil {
		return ln, nil
	}
	switch agentListen {
	case "vsock":
		return vsock.Listen(transport.VsockPort, nil)
	case "uds":
		path := transport.UDSPath()
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
		// A previous run's socket file blocks the bind.
		_ = os.Remove(path)
		return net.Listen("unix", path)
	case "tcp":
		return net.Listen("tcp", transport.TCPAddr)
	default:
		return nil, fmt.Errorf("unknown carrier %q (vsock, uds, or tcp)", agentListen)
	}
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.Flags().StringVar(&agentListen, "listen", "vsock", "Carrier to listen on: vsock, uds, or tcp")
}
