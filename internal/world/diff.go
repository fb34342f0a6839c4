package world

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// Diff bounds. Beyond either limit the diff switches to summary mode so a
// large dependency install cannot produce an unbounded trace record.
const (
	maxTrackedDirs = 100
	maxFileList    = 1000
	maxWalkDepth   = 3
)

// FsDiff is the filesystem delta produced by one execution against an
// overlay. When truncated, TreeHash is always present.
type FsDiff struct {
	Writes    []string `json:"writes"`
	Mods      []string `json:"mods"`
	Deletes   []string `json:"deletes"`
	Truncated bool     `json:"truncated,omitempty"`
	TreeHash  string   `json:"tree_hash,omitempty"`
	Summary   string   `json:"summary,omitempty"`
}

// Empty reports whether the diff records no changes.
func (d *FsDiff) Empty() bool {
	return len(d.Writes) == 0 && len(d.Mods) == 0 && len(d.Deletes) == 0
}

// TotalChanges returns the number of recorded entries.
func (d *FsDiff) TotalChanges() int {
	return len(d.Writes) + len(d.Mods) + len(d.Deletes)
}

// ComputeDiff walks an overlay upper directory with bounded depth and size
// and classifies its entries. Overlayfs represents deletions as character
// devices ("whiteouts") in the upper layer; everything else in upper is a
// write or modification of the lower tree.
func ComputeDiff(upper string) (*FsDiff, error) {
	diff := &FsDiff{
		Writes:  []string{},
		Mods:    []string{},
		Deletes: []string{},
	}
	dirCount := 0
	overflow := false

	err := filepath.WalkDir(upper, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == upper {
			return nil
		}
		rel, relErr := filepath.Rel(upper, path)
		if relErr != nil {
			return relErr
		}
		if depth(rel) > maxWalkDepth {
			overflow = true
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		switch {
		case d.IsDir():
			dirCount++
			if dirCount > maxTrackedDirs {
				overflow = true
				return fs.SkipDir
			}
			diff.Writes = append(diff.Writes, rel)
		case isWhiteout(path, d):
			diff.Deletes = append(diff.Deletes, rel)
		default:
			if len(diff.Writes) >= maxFileList {
				overflow = true
				return nil
			}
			diff.Writes = append(diff.Writes, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk upper dir: %w", err)
	}

	if overflow || dirCount > maxTrackedDirs || len(diff.Writes) >= maxFileList {
		diff.Truncated = true
		hash, hashErr := HashTree(upper)
		if hashErr != nil {
			return nil, hashErr
		}
		diff.TreeHash = hash
		files, _ := countFiles(upper)
		diff.Summary = fmt.Sprintf("%d dirs, %d files (truncated, see tree_hash)", dirCount, files)
		if len(diff.Writes) > maxFileList {
			diff.Writes = diff.Writes[:maxFileList]
		}
	}

	return diff, nil
}

// HashTree computes a content-addressed hash over every path and file body
// under dir, in walk order. Unreadable files contribute only their path.
func HashTree(dir string) (string, error) {
	hasher := blake3.New()

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		hasher.Write([]byte(rel))
		if d.Type().IsRegular() {
			f, openErr := os.Open(path)
			if openErr != nil {
				return nil
			}
			_, _ = io.Copy(hasher, f)
			f.Close()
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("hash tree: %w", err)
	}

	return "blake3:" + hex.EncodeToString(hasher.Sum(nil)), nil
}

func countFiles(dir string) (int, error) {
	count := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			count++
		}
		return nil
	})
	return count, err
}

func depth(rel string) int {
	return strings.Count(rel, string(filepath.Separator)) + 1
}
