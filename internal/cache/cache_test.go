package cache

import (
	"testing"
	"time"

	"PakningChat/internal/session"

	"github.com/stretchr/testify/assert"
)

func TestGenerateCacheKey(t *testing.T) {
	a := []session.Message{{Role: "user", Content: "ab"}}
	b := []session.Message{{Role: "usera", Content: "b"}}

	assert.Equal(t, GenerateCacheKey("m", 0.7, 10, a), GenerateCacheKey("m", 0.7, 10, a))
	assert.NotEqual(t, GenerateCacheKey("m", 0.7, 10, a), GenerateCacheKey("m", 0.7, 10, b))
	assert.NotEqual(t, GenerateCacheKey("m", 0.7, 10, a), GenerateCacheKey("m", 0.8, 10, a))
	assert.NotEqual(t, GenerateCacheKey("m", 0.7, 10, a), GenerateCacheKey("n", 0.7, 10, a))
	assert.Len(t, GenerateCacheKey("m", 0, 0, nil), 64)
}

func TestCacheTTL(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(time.Minute)
	c.now = func() time.Time { return now }

	c.Put("k", "v")
	got, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", got)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestCacheNoTTL(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(0)
	c.now = func() time.Time { return now }
	c.Put("k", "v")
	now = now.Add(24 * time.Hour)
	_, ok := c.Get("k")
	assert.True(t, ok)
}
