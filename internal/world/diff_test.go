package world

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestComputeDiffSmallTree(t *testing.T) {
	upper := t.TempDir()
	writeFile(t, filepath.Join(upper, "main.go"), "package main\n")
	writeFile(t, filepath.Join(upper, "pkg", "util.go"), "package pkg\n")

	diff, err := ComputeDiff(upper)
	if err != nil {
		t.Fatal(err)
	}
	if diff.Truncated {
		t.Error("small tree marked truncated")
	}
	if diff.TreeHash != "" {
		t.Error("small tree carries a tree hash")
	}
	if got := diff.TotalChanges(); got != 3 { // pkg dir + 2 files
		t.Errorf("TotalChanges = %d, want 3", got)
	}
}

func TestComputeDiffEmptyUpper(t *testing.T) {
	diff, err := ComputeDiff(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if !diff.Empty() {
		t.Errorf("empty upper produced changes: %+v", diff)
	}
}

func TestComputeDiffTruncatesLargeFileList(t *testing.T) {
	upper := t.TempDir()
	for i := 0; i < maxFileList+50; i++ {
		writeFile(t, filepath.Join(upper, fmt.Sprintf("f%04d.txt", i)), "x")
	}

	diff, err := ComputeDiff(upper)
	if err != nil {
		t.Fatal(err)
	}
	if !diff.Truncated {
		t.Fatal("large file list not truncated")
	}
	if diff.TreeHash == "" || !strings.HasPrefix(diff.TreeHash, "blake3:") {
		t.Errorf("truncated diff tree hash = %q", diff.TreeHash)
	}
	if diff.Summary == "" {
		t.Error("truncated diff has no summary")
	}
	if len(diff.Writes) > maxFileList {
		t.Errorf("writes list not bounded: %d entries", len(diff.Writes))
	}
}

func TestComputeDiffTruncatesManyDirs(t *testing.T) {
	upper := t.TempDir()
	for i := 0; i < maxTrackedDirs+10; i++ {
		if err := os.MkdirAll(filepath.Join(upper, fmt.Sprintf("d%03d", i)), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	diff, err := ComputeDiff(upper)
	if err != nil {
		t.Fatal(err)
	}
	if !diff.Truncated {
		t.Error("dir explosion not truncated")
	}
	if diff.TreeHash == "" {
		t.Error("truncated diff missing tree hash")
	}
}

func TestComputeDiffDepthBound(t *testing.T) {
	upper := t.TempDir()
	deep := filepath.Join(upper, "a", "b", "c", "d", "e")
	writeFile(t, filepath.Join(deep, "buried.txt"), "x")

	diff, err := ComputeDiff(upper)
	if err != nil {
		t.Fatal(err)
	}
	for _, w := range diff.Writes {
		if depth(w) > maxWalkDepth {
			t.Errorf("entry %q exceeds walk depth", w)
		}
	}
	if !diff.Truncated {
		t.Error("deep tree not marked truncated")
	}
}

func TestHashTreeDeterministic(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "alpha")
	writeFile(t, filepath.Join(dir, "sub", "b.txt"), "beta")

	h1, err := HashTree(dir)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := HashTree(dir)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("hash not deterministic: %s vs %s", h1, h2)
	}
	if !strings.HasPrefix(h1, "blake3:") {
		t.Errorf("hash missing prefix: %s", h1)
	}

	writeFile(t, filepath.Join(dir, "a.txt"), "changed")
	h3, err := HashTree(dir)
	if err != nil {
		t.Fatal(err)
	}
	if h3 == h1 {
		t.Error("hash unchanged after content change")
	}
}
