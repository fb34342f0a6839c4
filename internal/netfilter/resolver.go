package netfilter

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"
)

const (
	refreshInterval = 60 * time.Second
	addressTTL      = 300 * time.Second
)

// lookupFunc resolves a domain to addresses. Swapped in tests.
type lookupFunc func(ctx context.Context, domain string) ([]net.IP, error)

func lookupHost(ctx context.Context, domain string) ([]net.IP, error) {
	return net.DefaultResolver.LookupIP(ctx, "ip4", domain)
}

// Resolver maintains the allowed-IP set for a list of domains. Addresses stay
// in the set for a TTL past their last successful resolution, so a transient
// DNS failure does not cut off a host the world is mid-download from.
type Resolver struct {
	mu      sync.Mutex
	domains []string
	// addrs maps IP string → expiry.
	addrs map[string]time.Time
	// resolved maps domain → last successful resolution, for scope reporting.
	resolved map[string]time.Time

	lookup lookupFunc
	run    nftRunner
	cgroup string
	ready  bool
}

// NewResolver creates a Resolver enforcing for sockets under cgroupPath.
func NewResolver(domains []string, cgroupPath string) *Resolver {
	return &Resolver{
		domains:  append([]string(nil), domains...),
		addrs:    make(map[string]time.Time),
		resolved: make(map[string]time.Time),
		lookup:   lookupHost,
		run:      runNft,
		cgroup:   cgroupPath,
	}
}

// Start installs the table skeleton and performs the first refresh. A world
// with network isolation cannot come up without its filter, so failure here
// is fatal to world construction.
func (r *Resolver) Start(ctx context.Context) error {
	if err := r.run(ctx, ensureScript(r.cgroup)); err != nil {
		return err
	}
	r.mu.Lock()
	r.ready = true
	r.mu.Unlock()
	return r.Refresh(ctx)
}

// Run refreshes the set until ctx is cancelled, then tears the table down.
func (r *Resolver) Run(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.teardown()
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				slog.Warn("egress refresh failed", "error", err)
			}
		}
	}
}

// SetDomains replaces the domain list; the next refresh picks it up.
func (r *Resolver) SetDomains(domains []string) {
	r.mu.Lock()
	r.domains = append([]string(nil), domains...)
	r.mu.Unlock()
}

// Refresh resolves every domain and pushes the merged address set to the
// kernel. One domain failing does not abort the others: its previous
// addresses simply age out over the TTL.
func (r *Resolver) Refresh(ctx context.Context) error {
	r.mu.Lock()
	domains := append([]string(nil), r.domains...)
	r.mu.Unlock()

	now := time.Now()
	fresh := make(map[string][]net.IP, len(domains))
	for _, d := range domains {
		ips, err := r.lookup(ctx, d)
		if err != nil {
			slog.Warn("domain resolution failed", "domain", d, "error", err)
			continue
		}
		fresh[d] = ips
	}

	r.mu.Lock()
	for d, ips := range fresh {
		r.resolved[d] = now
		for _, ip := range ips {
			r.addrs[ip.String()] = now.Add(addressTTL)
		}
	}
	for ip, expiry := range r.addrs {
		if expiry.Before(now) {
			delete(r.addrs, ip)
		}
	}
	ips := make([]string, 0, len(r.addrs))
	for ip := range r.addrs {
		ips = append(ips, ip)
	}
	r.mu.Unlock()
	sort.Strings(ips)

	return r.run(ctx, updateScript(ips))
}

// ResolvedDomains reports the domains with at least one successful
// resolution, for best-effort scope accounting.
func (r *Resolver) ResolvedDomains() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.resolved))
	for d := range r.resolved {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (r *Resolver) teardown() {
	r.mu.Lock()
	ready := r.ready
	r.ready = false
	r.mu.Unlock()
	if !ready {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.run(ctx, teardownScript()); err != nil {
		slog.Warn("egress teardown failed", "error", err)
	}
}
