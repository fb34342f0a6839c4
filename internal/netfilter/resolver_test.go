package netfilter

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/worldbox/worldbox/internal/world"
)

func collectRunner(scripts *[]string) nftRunner {
	return func(ctx context.Context, script string) error {
		*scripts = append(*scripts, script)
		return nil
	}
}

func staticLookup(table map[string][]string) lookupFunc {
	return func(ctx context.Context, domain string) ([]net.IP, error) {
		addrs, ok := table[domain]
		if !ok {
			return nil, errors.New("no such host")
		}
		ips := make([]net.IP, len(addrs))
		for i, a := range addrs {
			ips[i] = net.ParseIP(a)
		}
		return ips, nil
	}
}

func TestRefreshMergesDomains(t *testing.T) {
	var scripts []string
	r := NewResolver([]string{"github.com", "pypi.org"}, "worldbox/wld_test")
	r.run = collectRunner(&scripts)
	r.lookup = staticLookup(map[string][]string{
		"github.com": {"140.82.112.3"},
		"pypi.org":   {"151.101.0.223", "151.101.64.223"},
	})

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 1 {
		t.Fatalf("runner called %d times, want 1", len(scripts))
	}
	for _, ip := range []string{"140.82.112.3", "151.101.0.223", "151.101.64.223"} {
		if !strings.Contains(scripts[0], ip) {
			t.Errorf("update script missing %s:\n%s", ip, scripts[0])
		}
	}
}

func TestRefreshSurvivesPartialFailure(t *testing.T) {
	var scripts []string
	r := NewResolver([]string{"github.com", "broken.invalid"}, "worldbox/wld_test")
	r.run = collectRunner(&scripts)
	r.lookup = staticLookup(map[string][]string{
		"github.com": {"140.82.112.3"},
	})

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh aborted on single-domain failure: %v", err)
	}
	if !strings.Contains(scripts[0], "140.82.112.3") {
		t.Errorf("healthy domain dropped:\n%s", scripts[0])
	}

	got := r.ResolvedDomains()
	if len(got) != 1 || got[0] != "github.com" {
		t.Errorf("ResolvedDomains = %v", got)
	}
}

func TestRefreshKeepsAddressesForTTL(t *testing.T) {
	var scripts []string
	r := NewResolver([]string{"github.com"}, "worldbox/wld_test")
	r.run = collectRunner(&scripts)
	r.lookup = staticLookup(map[string][]string{
		"github.com": {"140.82.112.3"},
	})

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Resolution starts failing; the previous address must survive.
	r.lookup = staticLookup(nil)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	last := scripts[len(scripts)-1]
	if !strings.Contains(last, "140.82.112.3") {
		t.Errorf("address dropped before TTL:\n%s", last)
	}
}

func TestUpdateScriptFlushThenAdd(t *testing.T) {
	s := updateScript([]string{"1.2.3.4", "5.6.7.8"})
	flushIdx := strings.Index(s, "flush set inet worldbox allowed_ips")
	addIdx := strings.Index(s, "add element inet worldbox allowed_ips")
	if flushIdx < 0 || addIdx < 0 {
		t.Fatalf("script missing flush or add:\n%s", s)
	}
	if flushIdx > addIdx {
		t.Error("add precedes flush")
	}

	empty := updateScript(nil)
	if strings.Contains(empty, "add element") {
		t.Errorf("empty update still adds elements:\n%s", empty)
	}
	if !strings.Contains(empty, "flush set") {
		t.Errorf("empty update does not flush:\n%s", empty)
	}
}

func TestEnsureScriptShape(t *testing.T) {
	s := ensureScript("worldbox/wld_abc")
	for _, want := range []string{
		"table inet worldbox",
		"set allowed_ips",
		"type ipv4_addr",
		"socket cgroupv2 level 2 \"worldbox/wld_abc\"",
		"meta nfproto ipv6 drop",
		"udp dport 53 ip daddr 127.0.0.53 accept",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("ensure script missing %q:\n%s", want, s)
		}
	}
}

func TestEnsureScriptLevelMatchesPathDepth(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{world.CgroupPath(), "socket cgroupv2 level 1 \"" + world.CgroupPath() + "\""},
		{"worldbox/wld_abc", "socket cgroupv2 level 2 \"worldbox/wld_abc\""},
		{"a/b/c", "socket cgroupv2 level 3 \"a/b/c\""},
	}
	for _, c := range cases {
		s := ensureScript(c.path)
		if !strings.Contains(s, c.want) {
			t.Errorf("ensureScript(%q) missing %q:\n%s", c.path, c.want, s)
		}
	}
}

func TestStartFailureIsFatal(t *testing.T) {
	r := NewResolver([]string{"github.com"}, "worldbox/wld_test")
	r.run = func(ctx context.Context, script string) error {
		return errors.New("nft not found")
	}
	if err := r.Start(context.Background()); err == nil {
		t.Error("Start succeeded with failing nft")
	}
}
