package keycache

import (
	"context"
	"sync"
	"time"
)

type memoryCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	der       []byte
	expiresAt time.Time
}

// NewMemory builds an in-process key cache with the given default ttl.
func NewMemory(ttl time.Duration) KeyCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &memoryCache{ttl: ttl, entries: make(map[string]memoryEntry)}
}

func (c *memoryCache) Lookup(_ context.Context, kid string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[kid]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, kid)
		return nil, false, nil
	}
	der := make([]byte, len(entry.der))
	copy(der, entry.der)
	return der, true, nil
}

func (c *memoryCache) Store(_ context.Context, kid string, der []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	stored := make([]byte, len(der))
	copy(stored, der)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[kid] = memoryEntry{der: stored, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (c *memoryCache) Close(context.Context) error { return nil }
