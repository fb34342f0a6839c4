//go:build linux

package world

import (
	"fmt"
	"runtime"
	"syscall"
	"unsafe"
)

// Raw BPF seccomp, no cgo. The filter is default-allow: the worlds observe or
// refuse a short list of kernel surfaces rather than whitelisting syscalls.
const (
	bpfLD  = 0x00
	bpfJMP = 0x05
	bpfRET = 0x06
	bpfW   = 0x00
	bpfABS = 0x20
	bpfJEQ = 0x10
	bpfK   = 0x00

	seccompModeFilter = 2
	seccompRetAllow   = 0x7fff0000
	seccompRetLog     = 0x7ffc0000
	seccompRetErrno   = 0x00050000

	auditArchX86_64  = 0xc000003e
	auditArchAarch64 = 0xc00000b7

	seccompDataArchOffset = 4
)

type sockFilter struct {
	code uint16
	jt   uint8
	jf   uint8
	k    uint32
}

type sockFprog struct {
	len    uint16
	_      [6]byte
	filter unsafe.Pointer
}

// watchedSyscalls holds the per-architecture numbers of the syscalls the
// worlds care about.
type watchedSyscalls struct {
	auditArch     uint32
	mount         uint32
	umount2       uint32
	pivotRoot     uint32
	keyctl        uint32
	perfEventOpen uint32
	bpf           uint32
}

func watchedSyscallsFor(goarch string) (watchedSyscalls, error) {
	switch goarch {
	case "amd64":
		return watchedSyscalls{
			auditArch:     auditArchX86_64,
			mount:         165,
			umount2:       166,
			pivotRoot:     155,
			keyctl:        250,
			perfEventOpen: 298,
			bpf:           321,
		}, nil
	case "arm64":
		return watchedSyscalls{
			auditArch:     auditArchAarch64,
			mount:         40,
			umount2:       39,
			pivotRoot:     41,
			keyctl:        219,
			perfEventOpen: 241,
			bpf:           280,
		}, nil
	default:
		return watchedSyscalls{}, fmt.Errorf("unsupported architecture for seccomp: %s", goarch)
	}
}

// filterEntry maps a syscall number to its non-allow verdict.
type filterEntry struct {
	nr   uint32
	deny bool // true → EPERM, false → LOG
}

// filterEntries returns the watched syscalls and their verdicts. Baseline
// worlds only log; isolated worlds refuse the mount-surface calls outright.
// When the kernel lacks the log action, log entries are dropped rather than
// upgraded to denials.
func filterEntries(sc watchedSyscalls, tighten, logAvail bool) []filterEntry {
	var entries []filterEntry
	add := func(nr uint32, deny bool) {
		if !deny && !logAvail {
			return
		}
		entries = append(entries, filterEntry{nr: nr, deny: deny})
	}
	add(sc.mount, tighten)
	add(sc.umount2, tighten)
	add(sc.pivotRoot, tighten)
	add(sc.bpf, tighten)
	add(sc.keyctl, false)
	add(sc.perfEventOpen, false)
	return entries
}

// buildFilter lays out the program:
//
//	[0]        load arch
//	[1]        arch mismatch → allow (default-allow posture)
//	[2]        load syscall nr
//	[3..3+n-1] one JEQ per watched syscall → its verdict
//	[3+n]      allow
//	[3+n+1]    log
//	[3+n+2]    eperm
func buildFilter(entries []filterEntry, arch uint32) []sockFilter {
	n := len(entries)
	allowIdx := 3 + n
	logIdx := allowIdx + 1
	epermIdx := allowIdx + 2

	filter := make([]sockFilter, 0, epermIdx+1)
	filter = append(filter, sockFilter{code: bpfLD | bpfW | bpfABS, k: seccompDataArchOffset})
	filter = append(filter, sockFilter{code: bpfJMP | bpfJEQ | bpfK, jt: 0, jf: uint8(allowIdx - 2), k: arch})
	filter = append(filter, sockFilter{code: bpfLD | bpfW | bpfABS, k: 0})
	for i, e := range entries {
		idx := 3 + i
		target := logIdx
		if e.deny {
			target = epermIdx
		}
		filter = append(filter, sockFilter{code: bpfJMP | bpfJEQ | bpfK, jt: uint8(target - idx - 1), jf: 0, k: e.nr})
	}
	filter = append(filter, sockFilter{code: bpfRET | bpfK, k: seccompRetAllow})
	filter = append(filter, sockFilter{code: bpfRET | bpfK, k: seccompRetLog})
	filter = append(filter, sockFilter{code: bpfRET | bpfK, k: seccompRetErrno | uint32(syscall.EPERM)})
	return filter
}

// applySeccomp installs the filter on the calling thread (and, via exec, the
// whole world process tree). A filter with nothing to watch is skipped.
func applySeccomp(tighten, logAvail bool) error {
	sc, err := watchedSyscallsFor(runtime.GOARCH)
	if err != nil {
		return err
	}
	entries := filterEntries(sc, tighten, logAvail)
	if len(entries) == 0 {
		return nil
	}
	filter := buildFilter(entries, sc.auditArch)

	prog := sockFprog{
		len:    uint16(len(filter)),
		filter: unsafe.Pointer(&filter[0]),
	}
	_, _, errno := syscall.Syscall(
		syscall.SYS_PRCTL,
		syscall.PR_SET_SECCOMP,
		uintptr(seccompModeFilter),
		uintptr(unsafe.Pointer(&prog)),
	)
	if errno != 0 {
		return fmt.Errorf("seccomp: %w", errno)
	}
	return nil
}
