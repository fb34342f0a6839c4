package broker

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/worldbox/worldbox/internal/policy"
)

// ApprovalScope controls how long an interactive approval is honored.
type ApprovalScope int

const (
	// ApproveOnce covers only the triggering execution.
	ApproveOnce ApprovalScope = iota
	// ApproveSession caches the answer for one hour.
	ApproveSession
	// ApproveAlways caches the answer until the policy changes.
	ApproveAlways
)

const sessionApprovalTTL = time.Hour

type approvalStatus int

const (
	approvalUnknown approvalStatus = iota
	approvalApproved
	approvalDenied
)

type approvalEntry struct {
	status    approvalStatus
	expiresAt time.Time // zero means never
}

// approvalCache stores answers keyed by (policy id, cwd prefix, command
// pattern). The broker clears it wholesale on every policy reload.
type approvalCache struct {
	entries map[string]approvalEntry
	now     func() time.Time
}

func newApprovalCache() *approvalCache {
	return &approvalCache{
		entries: make(map[string]approvalEntry),
		now:     time.Now,
	}
}

// approvalKey derives the cache key from the identifying triple. The cwd is
// reduced to a short prefix so approvals hold across subdirectories of the
// same project, and the command is reduced to its leading words so argument
// noise does not defeat caching.
func approvalKey(policyID, cwd, cmd string) string {
	return policyID + "\x00" + cwdPrefix(cwd) + "\x00" + commandPattern(cmd)
}

func cwdPrefix(cwd string) string {
	parts := strings.Split(filepath.Clean(cwd), string(filepath.Separator))
	if len(parts) > 4 {
		parts = parts[:4]
	}
	return strings.Join(parts, string(filepath.Separator))
}

// commandPattern extracts the program plus first argument, which is the same
// granularity the isolation and deny lists use ("pip install", "git push").
func commandPattern(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) > 2 {
		fields = fields[:2]
	}
	return strings.Join(fields, " ")
}

func (c *approvalCache) check(key, cmd string) approvalStatus {
	if entry, ok := c.entries[key]; ok {
		if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
			delete(c.entries, key)
			return approvalUnknown
		}
		return entry.status
	}

	// Wildcard entries added via "always allow pattern" answers.
	for pattern, entry := range c.entries {
		if !strings.Contains(pattern, "*") {
			continue
		}
		if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
			continue
		}
		if policy.MatchesPattern(cmd, patternTail(pattern)) {
			return entry.status
		}
	}
	return approvalUnknown
}

func patternTail(key string) string {
	if i := strings.LastIndex(key, "\x00"); i >= 0 {
		return key[i+1:]
	}
	return key
}

func (c *approvalCache) add(key string, status approvalStatus, scope ApprovalScope) {
	entry := approvalEntry{status: status}
	switch scope {
	case ApproveOnce:
		// Expires immediately; only the in-flight evaluation sees it.
		entry.expiresAt = c.now()
	case ApproveSession:
		entry.expiresAt = c.now().Add(sessionApprovalTTL)
	case ApproveAlways:
		// zero expiresAt: held until the next policy reload clears the cache
	}
	c.entries[key] = entry
}

func (c *approvalCache) clear() {
	c.entries = make(map[string]approvalEntry)
}
