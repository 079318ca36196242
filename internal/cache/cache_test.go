package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drallgood/reading-activity-sync/internal/logger"
)

func TestMemoryCache(t *testing.T) {
	c := NewMemoryCache[string, int64](logger.Nop())

	_, ok := c.Get("dune-herbert")
	assert.False(t, ok)

	c.Set("dune-herbert", 42, 0)
	c.Set("circe-miller", 7, time.Hour)

	v, ok := c.Get("dune-herbert")
	require.True(t, ok)
	assert.Equal(t, int64(42), v)
	assert.Equal(t, 2, c.Len())

	c.Delete("dune-herbert")
	_, ok = c.Get("dune-herbert")
	assert.False(t, ok)

	c.Clear()
	assert.Zero(t, c.Len())
}

func TestMemoryCacheExpiry(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCache[string, string](nil).(*memoryCache[string, string])
	c.now = func() time.Time { return now }

	c.Set("k", "v", time.Minute)
	_, ok := c.Get("k")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, c.Len(), "expired entries are dropped on read")
}

func TestWithTTL(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	inner := NewMemoryCache[int, string](nil)
	inner.(*memoryCache[int, string]).now = func() time.Time { return now }

	c := WithTTL(inner, time.Minute)
	c.Set(1, "one", 0)

	now = now.Add(30 * time.Second)
	_, ok := c.Get(1)
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, ok = c.Get(1)
	assert.False(t, ok, "wrapper TTL overrides the per-call value")
}
