package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/fzhlian/codexbridge/internal/protocol"
)

// TemplateCache keeps recently created command envelopes so they can be
// retried, cancelled with an owner check, and walked during reference
// resolution. Bounded by TTL and entry count; part of the engine's process
// state, constructed at boot and dropped at shutdown.
type TemplateCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]templateEntry
}

type templateEntry struct {
	env      protocol.CommandEnvelope
	storedAt time.Time
}

// NewTemplateCache creates a cache holding at most max envelopes for at
// most ttl each.
func NewTemplateCache(ttl time.Duration, max int) *TemplateCache {
	return &TemplateCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]templateEntry),
	}
}

// Put stores env, evicting expired entries and then the oldest ones if the
// cache is over capacity.
func (c *TemplateCache) Put(env protocol.CommandEnvelope) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, e := range c.entries {
		if now.Sub(e.storedAt) > c.ttl {
			delete(c.entries, id)
		}
	}
	c.entries[env.CommandID] = templateEntry{env: env, storedAt: now}

	if c.max > 0 && len(c.entries) > c.max {
		ids := make([]string, 0, len(c.entries))
		for id := range c.entries {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			return c.entries[ids[i]].storedAt.Before(c.entries[ids[j]].storedAt)
		})
		for _, id := range ids[:len(c.entries)-c.max] {
			delete(c.entries, id)
		}
	}
}

// Get returns the cached envelope for commandID if present and unexpired.
func (c *TemplateCache) Get(commandID string) (protocol.CommandEnvelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[commandID]
	if !ok || time.Since(e.storedAt) > c.ttl {
		return protocol.CommandEnvelope{}, false
	}
	return e.env, true
}
