//go:build linux

package world

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// sealedScopeFD places scope-token material in a sealed memfd. The token is
// readable only through the inherited descriptor: it never touches the
// environment, the filesystem, or /proc cmdline, and the seals make it
// immutable after creation.
func sealedScopeFD(token []byte) (*os.File, error) {
	fd, err := unix.MemfdCreate("scope-token", unix.MFD_ALLOW_SEALING|unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	f := os.NewFile(uintptr(fd), "scope-token")
	if _, err := f.Write(token); err != nil {
		f.Close()
		return nil, fmt.Errorf("write token: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return nil, err
	}
	seals := unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_WRITE | unix.F_SEAL_SEAL
	if _, err := unix.FcntlInt(f.Fd(), unix.F_ADD_SEALS, seals); err != nil {
		f.Close()
		return nil, fmt.Errorf("seal token: %w", err)
	}
	return f, nil
}
