//go:build linux

package world

import "testing"

func TestCPUQuota(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		err  bool
	}{
		{"2", 200000, false},
		{"0.5", 50000, false},
		{"1.5", 150000, false},
		{"0", 0, true},
		{"-1", 0, true},
		{"abc", 0, true},
	}
	for _, c := range cases {
		got, err := cpuQuota(c.in)
		if c.err {
			if err == nil {
				t.Errorf("cpuQuota(%q) accepted", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("cpuQuota(%q): %v", c.in, err)
		} else if got != c.want {
			t.Errorf("cpuQuota(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseByteSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"2Gi", 2 << 30},
		{"512Mi", 512 << 20},
		{"1Ki", 1024},
		{"1000", 1000},
		{"1G", 1000000000},
	}
	for _, c := range cases {
		got, err := parseByteSize(c.in)
		if err != nil {
			t.Errorf("parseByteSize(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("parseByteSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
	if _, err := parseByteSize("lots"); err == nil {
		t.Error("parseByteSize accepted garbage")
	}
}
