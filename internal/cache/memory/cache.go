// Package memory provides an in-process TTL cache for search results.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/book-relay/internal/relay"
)

type entry struct {
	records   []relay.SearchResultRecord
	expiresAt time.Time
}

// Cache is a write-once TTL map. A Set for a key with a live entry is ignored.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	clock   relay.Clock
	entries map[string]entry
}

// New creates a Cache whose entries live for ttl.
func New(ttl time.Duration, clock relay.Clock) *Cache {
	return &Cache{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]entry),
	}
}

// Get returns a copy of the cached records for key.
func (c *Cache) Get(_ context.Context, key string) ([]relay.SearchResultRecord, bool, error) {
	now := c.clock.Now()
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !now.Before(e.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && !now.Before(cur.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false, nil
	}
	return clone(e.records), true, nil
}

// Set stores records under key unless a live entry already exists.
func (c *Cache) Set(_ context.Context, key string, records []relay.SearchResultRecord) error {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[key]; ok && now.Before(cur.expiresAt) {
		return nil
	}
	c.entries[key] = entry{records: clone(records), expiresAt: now.Add(c.ttl)}
	return nil
}

// Len reports the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func clone(in []relay.SearchResultRecord) []relay.SearchResultRecord {
	out := make([]relay.SearchResultRecord, len(in))
	copy(out, in)
	return out
}
