// Package shim implements the in-jail helper library: a cooperating
// program inside the jail links this package (or is preloaded via the
// STEMJAIL_LIB_SHIM_PATH mechanism) to ask the monitor for additional
// access without restarting, and to cache the verdicts so repeat
// faults don't re-query the monitor.
package shim

import (
	"strings"
	"sync"

	"github.com/stemjail/stemjail/internal/policy"
)

// ShimPathEnv names the environment variable the portal sets before
// execve so the sandboxed process can locate the preloaded shim
// library.
const ShimPathEnv = "STEMJAIL_LIB_SHIM_PATH"

// AccessCache holds prefix-closed sets of granted and exactly-denied
// FileAccess entries, consulted before issuing a new AccessRequest.
type AccessCache struct {
	mu      sync.Mutex
	granted []policy.FileAccess
	denied  map[policy.FileAccess]bool
}

func NewAccessCache() *AccessCache {
	return &AccessCache{denied: map[policy.FileAccess]bool{}}
}

// covers reports whether want is covered by some granted entry, using
// prefix closure: a granted entry for a directory covers any path
// under it with equal or lesser write requirement.
func covers(have policy.FileAccess, want policy.FileAccess) bool {
	if want.Write && !have.Write {
		return false
	}
	return want.Path == have.Path || strings.HasPrefix(want.Path, have.Path+"/")
}

// Allowed reports whether want is already known-granted without
// contacting the monitor.
func (c *AccessCache) Allowed(want policy.FileAccess) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range c.granted {
		if covers(g, want) {
			return true
		}
	}
	return false
}

// Denied reports whether want was already exactly refused.
func (c *AccessCache) Denied(want policy.FileAccess) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.denied[want]
}

// RecordGranted inserts newly granted entries, deduplicating any that
// are already prefix-covered by an existing entry.
func (c *AccessCache) RecordGranted(entries []policy.FileAccess) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		redundant := false
		for _, g := range c.granted {
			if covers(g, e) {
				redundant = true
				break
			}
		}
		if !redundant {
			c.granted = append(c.granted, e)
		}
	}
}

// RecordDenied inserts a permanent negative cache entry.
func (c *AccessCache) RecordDenied(want policy.FileAccess) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.denied[want] = true
}
