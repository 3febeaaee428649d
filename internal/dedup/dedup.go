// Package dedup provides the bounded outbound-delivery dedup window: a
// self-evicting cache keyed by a hash of recipient and payload, so an
// overlapping poller instance or a retry cannot double-send the same
// message within the window.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// DefaultWindow is how long an identical (recipient, payload) pair is suppressed.
const DefaultWindow = 2 * time.Minute

// Key derives the cache key for a delivery from its recipient and canonical payload.
func Key(identity string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(identity))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Cache records recent deliveries for a bounded window.
type Cache interface {
	// Suppress reports whether the key was already recorded within the
	// window, recording it otherwise. The check and the record are one
	// operation so two concurrent callers cannot both pass.
	Suppress(ctx context.Context, key string) (bool, error)

	// Release forgets a recorded key. Callers that record a key ahead of an
	// attempt use it to roll back when the attempt fails, so the retry is
	// not suppressed.
	Release(ctx context.Context, key string) error
}

// MemoryCache is an in-process Cache with lazy expiry. Expired entries are
// swept on access so the map stays bounded by the traffic of one window.
type MemoryCache struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]time.Time
	// lastSweep tracks when the full sweep last ran.
	lastSweep time.Time
	now       func() time.Time
}

// NewMemoryCache creates a MemoryCache with the given window.
func NewMemoryCache(window time.Duration) *MemoryCache {
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemoryCache{
		window:  window,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Suppress implements Cache.
func (c *MemoryCache) Suppress(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Sub(c.lastSweep) >= c.window {
		for k, at := range c.entries {
			if now.Sub(at) >= c.window {
				delete(c.entries, k)
			}
		}
		c.lastSweep = now
	}

	if at, ok := c.entries[key]; ok && now.Sub(at) < c.window {
		return true, nil
	}
	c.entries[key] = now
	return false, nil
}

// Release implements Cache.
func (c *MemoryCache) Release(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// Len returns the current number of live entries, for tests and diagnostics.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	now := c.now()
	for _, at := range c.entries {
		if now.Sub(at) < c.window {
			n++
		}
	}
	return n
}
