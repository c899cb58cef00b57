// Package idempotency provides the fixed-capacity result cache that makes
// repeated operations no-ops returning their original result.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity is the process-wide cache size.
const DefaultCapacity = 10_000

// Cache is a fixed-capacity LRU of idempotency key → result with O(1)
// lookup and least-recent eviction.
type Cache[V any] struct {
	lru *lru.Cache[string, V]
}

// New builds a cache with the given capacity; capacity <= 0 uses
// DefaultCapacity.
func New[V any](capacity int) (*Cache[V], error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	inner, err := lru.New[string, V](capacity)
	if err != nil {
		return nil, fmt.Errorf("idempotency: %w", err)
	}
	return &Cache[V]{lru: inner}, nil
}

// MustNew is New for wiring paths where the capacity is a constant.
func MustNew[V any](capacity int) *Cache[V] {
	c, err := New[V](capacity)
	if err != nil {
		panic(err)
	}
	return c
}

// Get returns the cached result for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	return c.lru.Get(key)
}

// Put records the result for key.
func (c *Cache[V]) Put(key string, result V) {
	c.lru.Add(key, result)
}

// Remove forgets the result for key, if present. Used when an operation
// is explicitly reversed and must be re-appliable.
func (c *Cache[V]) Remove(key string) {
	c.lru.Remove(key)
}

// Len returns the number of cached results.
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

// Key derives a stable cache key from an operation name and its argument
// parts (trace id, operation, args hash).
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
