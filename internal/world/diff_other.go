//go:build !linux

package world

import "io/fs"

func isWhiteout(path string, d fs.DirEntry) bool {
	return false
}
