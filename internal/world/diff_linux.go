//go:build linux

package world

import (
	"io/fs"
	"syscall"
)

// isWhiteout reports whether an upper-layer entry is an overlayfs whiteout:
// a character device with device number 0/0 marking a deletion of the
// corresponding lower-layer path.
func isWhiteout(path string, d fs.DirEntry) bool {
	if d.Type()&fs.ModeCharDevice == 0 {
		return false
	}
	info, err := d.Info()
	if err != nil {
		return false
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return stat.Rdev == 0
}
