package sigcache

import (
	"context"
	"sync"
	"time"

	"github.com/vypdev/vaultstadio-sub008/internal/delta"
)

type memEntry struct {
	sig      *delta.Signature
	expireAt time.Time
}

// Memory is an in-process cache for single-node deployments. A zero ttl
// keeps entries until the process exits; maxEntries bounds its size.
type Memory struct {
	mu         sync.Mutex
	entries    map[Key]memEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

func NewMemory(ttl time.Duration, maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &Memory{entries: map[Key]memEntry{}, ttl: ttl, maxEntries: maxEntries, now: time.Now}
}

func (c *Memory) Get(_ context.Context, key Key) (*delta.Signature, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expireAt.IsZero() && !c.now().Before(e.expireAt) {
		delete(c.entries, key)
		return nil, false
	}
	sig := *e.sig
	return &sig, true
}

func (c *Memory) Put(_ context.Context, key Key, sig *delta.Signature) {
	if sig == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxEntries {
		c.evict()
	}
	e := memEntry{sig: sig}
	if c.ttl > 0 {
		e.expireAt = c.now().Add(c.ttl)
	}
	c.entries[key] = e
}

// evict drops expired entries, or an arbitrary one when none have expired.
func (c *Memory) evict() {
	now := c.now()
	for k, e := range c.entries {
		if !e.expireAt.IsZero() && !now.Before(e.expireAt) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.maxEntries {
		return
	}
	for k := range c.entries {
		delete(c.entries, k)
		return
	}
}

func (c *Memory) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
