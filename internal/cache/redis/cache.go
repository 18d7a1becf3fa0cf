// Package rediscache stores search results in Redis with a fixed TTL.
package rediscache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/book-relay/internal/relay"
)

// Cache writes each key once (SET NX) so entries never change while live.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New wraps client. Keys are stored as <prefix>:search:<sha256(query)>.
func New(client *redis.Client, prefix string, ttl time.Duration) *Cache {
	if prefix == "" {
		prefix = "bookrelay"
	}
	return &Cache{client: client, prefix: prefix, ttl: ttl}
}

// Get returns the cached records for key.
func (c *Cache) Get(ctx context.Context, key string) ([]relay.SearchResultRecord, bool, error) {
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var records []relay.SearchResultRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, false, fmt.Errorf("decode cached records: %w", err)
	}
	return records, true, nil
}

// Set stores records unless the key already holds a live entry.
func (c *Cache) Set(ctx context.Context, key string, records []relay.SearchResultRecord) error {
	if records == nil {
		records = []relay.SearchResultRecord{}
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	if err := c.client.SetNX(ctx, c.key(key), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	return nil
}

func (c *Cache) key(query string) string {
	sum := sha256.Sum256([]byte(query))
	return c.prefix + ":search:" + hex.EncodeToString(sum[:])
}
