package transport

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

// systemd socket activation protocol: fds start at 3, LISTEN_PID names the
// intended recipient.
const listenFdsStart = 3

// Listen returns the socket-activated listener when the supervisor passed
// one, otherwise it binds addr directly. A LISTEN_PID meant for another
// process is ignored, not an error.
func Listen(network, addr string) (net.Listener, error) {
	if ln := Activated(); ln != nil {
		return ln, nil
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}
	return ln, nil
}

// Activated returns the listener the supervisor passed over the socket
// activation environment, or nil when there is none. The caller decides how
// to bind when no socket was activated, so carriers net.Listen cannot serve
// (vsock, unix) stay activation-aware too.
func Activated() net.Listener {
	files := activationFiles(os.Getpid(), os.Getenv("LISTEN_PID"),
		os.Getenv("LISTEN_FDS"), os.Getenv("LISTEN_FDNAMES"))
	if len(files) == 0 {
		return nil
	}
	// One listener is all this daemon asks its supervisor for; extras are
	// a unit misconfiguration.
	if len(files) > 1 {
		slog.Warn("multiple activated sockets passed, using the first", "count", len(files))
		for _, f := range files[1:] {
			f.Close()
		}
	}
	ln, err := net.FileListener(files[0])
	files[0].Close()
	if err != nil {
		slog.Warn("activated socket unusable, binding directly", "error", err)
		return nil
	}
	slog.Info("using socket-activated listener", "addr", ln.Addr())
	return ln
}

// activationFiles parses the activation environment. Split out so the
// protocol rules are testable without a supervisor.
func activationFiles(pid int, listenPid, listenFds, fdNames string) []*os.File {
	if listenPid == "" || listenFds == "" {
		return nil
	}
	wantPid, err := strconv.Atoi(listenPid)
	if err != nil || wantPid != pid {
		return nil
	}
	n, err := strconv.Atoi(listenFds)
	if err != nil || n <= 0 {
		return nil
	}

	names := strings.Split(fdNames, ":")
	files := make([]*os.File, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("activated-%d", i)
		if i < len(names) && names[i] != "" {
			name = names[i]
		}
		files = append(files, os.NewFile(uintptr(listenFdsStart+i), name))
	}
	return files
}
