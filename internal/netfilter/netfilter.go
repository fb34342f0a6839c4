// Package netfilter keeps the kernel egress allowlist in sync with a set of
// allowed domains. Resolution runs on the host; enforcement is an nftables
// set matched against the world's cgroup.
package netfilter

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

const (
	tableName = "worldbox"
	setName   = "allowed_ips"
)

// nftRunner executes an nft script. Swapped in tests.
type nftRunner func(ctx context.Context, script string) error

func runNft(ctx context.Context, script string) error {
	cmd := exec.CommandContext(ctx, "nft", "-f", "-")
	cmd.Stdin = strings.NewReader(script)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("nft: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// ensureScript builds the idempotent table/chain skeleton. The egress chain
// matches only sockets created under cgroupPath, so host traffic is never
// touched. The cgroupv2 match compares the socket's level-N ancestor against
// the named path, so level must equal the path's component count or the rule
// never fires. IPv6 from worlds is dropped outright: the allowlist is v4-only
// and a v6 side door would bypass it.
func ensureScript(cgroupPath string) string {
	level := strings.Count(cgroupPath, "/") + 1
	var b strings.Builder
	fmt.Fprintf(&b, "table inet %s {\n", tableName)
	fmt.Fprintf(&b, "  set %s {\n    type ipv4_addr\n    flags interval\n  }\n", setName)
	b.WriteString("  chain egress {\n")
	b.WriteString("    type filter hook output priority 0; policy accept;\n")
	fmt.Fprintf(&b, "    socket cgroupv2 level %d \"%s\" jump world-egress\n", level, cgroupPath)
	b.WriteString("  }\n")
	b.WriteString("  chain world-egress {\n")
	b.WriteString("    ct state established,related accept\n")
	b.WriteString("    oif lo accept\n")
	b.WriteString("    udp dport 53 ip daddr 127.0.0.53 accept\n")
	fmt.Fprintf(&b, "    ip daddr @%s accept\n", setName)
	b.WriteString("    meta nfproto ipv6 drop\n")
	b.WriteString("    drop\n")
	b.WriteString("  }\n")
	b.WriteString("}\n")
	return b.String()
}

// updateScript replaces the set contents in one transaction: nft -f applies
// the whole script atomically, so readers never observe an empty set between
// the flush and the add.
func updateScript(ips []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "flush set inet %s %s\n", tableName, setName)
	if len(ips) > 0 {
		fmt.Fprintf(&b, "add element inet %s %s { %s }\n", tableName, setName, strings.Join(ips, ", "))
	}
	return b.String()
}

// teardownScript removes the whole table.
func teardownScript() string {
	return fmt.Sprintf("delete table inet %s\n", tableName)
}
