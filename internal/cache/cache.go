// Package cache keeps assistant replies keyed by the exact history that produced them.
package cache

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"sync"
	"time"

	"PakningChat/internal/session"
)

// CachedResponse represents a cached API response
type CachedResponse struct {
	Response  string
	Timestamp time.Time
}

// GenerateCacheKey generates a cache key from the model, the sampling parameters and the messages.
// Lengths are mixed in so that role/content boundaries cannot collide.
func GenerateCacheKey(model string, temperature float64, maxTokens int, messages []session.Message) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(temperature, 'f', -1, 64)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(maxTokens)))
	for _, msg := range messages {
		fmt.Fprintf(h, "\x00%d:%s%d:", len(msg.Role), msg.Role, len(msg.Content))
		h.Write([]byte(msg.Content))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Cache is a TTL map. A zero TTL keeps entries forever.
type Cache struct {
	mu      sync.Mutex
	entries map[string]CachedResponse
	ttl     time.Duration
	now     func() time.Time
}

// New returns an empty cache
func New(ttl time.Duration) *Cache {
	return &Cache{entries: make(map[string]CachedResponse), ttl: ttl, now: time.Now}
}

// Get returns a live entry
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.ttl > 0 && c.now().Sub(e.Timestamp) > c.ttl {
		delete(c.entries, key)
		return "", false
	}
	return e.Response, true
}

// Put stores a reply
func (c *Cache) Put(key, response string) {
	c.mu.Lock()
	c.entries[key] = CachedResponse{Response: response, Timestamp: c.now()}
	c.mu.Unlock()
}

// Len returns the number of entries, expired ones included until they are next read
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
