//go:build linux

package world

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const cgroupCPUPeriod = 100000

// setupCgroup creates a cgroup v2 leaf for the world and applies CPU and
// memory limits. It returns a directory fd suitable for clone-into-cgroup.
// Every failure is a degradation, never fatal: the warning lands on the
// handle and the world runs unlimited.
func setupCgroup(id string, lim Limits) (fd int, dir string, warn string) {
	dir = filepath.Join(cgroupRoot(), id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return -1, "", fmt.Sprintf("cgroup unavailable: %v", err)
	}

	if lim.CPU != "" {
		if quota, err := cpuQuota(lim.CPU); err != nil {
			cleanupCgroup(dir)
			return -1, "", fmt.Sprintf("cgroup cpu limit %q: %v", lim.CPU, err)
		} else if err := os.WriteFile(filepath.Join(dir, "cpu.max"),
			[]byte(fmt.Sprintf("%d %d", quota, cgroupCPUPeriod)), 0o644); err != nil {
			cleanupCgroup(dir)
			return -1, "", fmt.Sprintf("cgroup cpu.max: %v", err)
		}
	}

	if lim.Memory != "" {
		bytes, err := parseByteSize(lim.Memory)
		if err != nil {
			cleanupCgroup(dir)
			return -1, "", fmt.Sprintf("cgroup memory limit %q: %v", lim.Memory, err)
		}
		if err := os.WriteFile(filepath.Join(dir, "memory.max"),
			[]byte(strconv.FormatInt(bytes, 10)), 0o644); err != nil {
			cleanupCgroup(dir)
			return -1, "", fmt.Sprintf("cgroup memory.max: %v", err)
		}
	}

	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		cleanupCgroup(dir)
		return -1, "", fmt.Sprintf("cgroup open: %v", err)
	}
	return fd, dir, ""
}

func cleanupCgroup(dir string) {
	_ = os.Remove(dir)
}

// cpuQuota converts a core count like "2" or "0.5" into a cpu.max quota
// against the fixed period.
func cpuQuota(cpus string) (int64, error) {
	f, err := strconv.ParseFloat(cpus, 64)
	if err != nil {
		return 0, err
	}
	if f <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return int64(math.Round(f * cgroupCPUPeriod)), nil
}

// parseByteSize parses sizes like "2Gi", "512Mi", "1024" into bytes.
func parseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	units := []struct {
		suffix string
		mult   int64
	}{
		{"Ki", 1 << 10}, {"Mi", 1 << 20}, {"Gi", 1 << 30}, {"Ti", 1 << 40},
		{"K", 1000}, {"M", 1000 * 1000}, {"G", 1000 * 1000 * 1000},
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			n, err := strconv.ParseFloat(strings.TrimSuffix(s, u.suffix), 64)
			if err != nil {
				return 0, err
			}
			return int64(n * float64(u.mult)), nil
		}
	}
	return strconv.ParseInt(s, 10, 64)
}
