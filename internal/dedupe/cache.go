// ABOUTME: TTL and size bounded cache of seen keys for dropping duplicate frames
// ABOUTME: Backed by hashicorp's expirable LRU; guards permission answers from double delivery

package dedupe

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultTTL is how long a permission answer is remembered.
const DefaultTTL = 5 * time.Minute

// DefaultSize bounds the number of remembered keys.
const DefaultSize = 10_000

// Cache remembers keys for a fixed TTL. When full, the least recently
// marked key is evicted first.
type Cache struct {
	// mu makes CheckAndMark atomic; the LRU locks each call on its own.
	mu  sync.Mutex
	lru *expirable.LRU[string, struct{}]
}

// New creates a cache holding up to maxSize keys for ttl each.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{lru: expirable.NewLRU[string, struct{}](maxSize, nil, ttl)}
}

// Check reports whether key was marked within the TTL.
func (c *Cache) Check(key string) bool {
	_, ok := c.lru.Peek(key)
	return ok
}

// Mark records key, refreshing its TTL if already present.
func (c *Cache) Mark(key string) {
	c.lru.Add(key, struct{}{})
}

// CheckAndMark atomically reports whether key was already seen and marks it
// if not. It returns true for duplicates.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lru.Peek(key); ok {
		return true
	}
	c.lru.Add(key, struct{}{})
	return false
}

// Len returns the number of remembered keys, including expired ones not
// yet purged.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// PermissionKey identifies one permission answer.
func PermissionKey(sessionID, requestID string) string {
	return sessionID + "\x00" + requestID
}
