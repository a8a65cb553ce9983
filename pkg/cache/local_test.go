package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocalTier_SetGet(t *testing.T) {
	tier := newLocalTier(10)
	tier.Set("a", "1", time.Minute)

	value, ok := tier.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", value)

	_, ok = tier.Get("missing")
	assert.False(t, ok)
}

func TestLocalTier_ExpiryRemovesEntry(t *testing.T) {
	tier := newLocalTier(10)
	tier.Set("a", "1", 10*time.Millisecond)

	time.Sleep(20 * time.Millisecond)

	_, ok := tier.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, tier.Len())
}

func TestLocalTier_EvictsOldestInsertedFirst(t *testing.T) {
	tier := newLocalTier(3)
	tier.Set("a", "1", time.Minute)
	tier.Set("b", "2", time.Minute)
	tier.Set("c", "3", time.Minute)

	tier.Set("d", "4", time.Minute)

	_, ok := tier.Get("a")
	assert.False(t, ok, "oldest entry should have been evicted")
	for _, key := range []string{"b", "c", "d"} {
		_, ok := tier.Get(key)
		assert.True(t, ok, "entry %s should survive", key)
	}
	assert.Equal(t, 3, tier.Len())
}

func TestLocalTier_OverwriteRefreshesInsertionOrder(t *testing.T) {
	tier := newLocalTier(2)
	tier.Set("a", "1", time.Minute)
	tier.Set("b", "2", time.Minute)

	// Overwriting "a" makes it the newest entry, so "b" is evicted next.
	tier.Set("a", "1b", time.Minute)
	tier.Set("c", "3", time.Minute)

	value, ok := tier.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1b", value)
	_, ok = tier.Get("b")
	assert.False(t, ok)
}

func TestLocalTier_DeleteByPrefix(t *testing.T) {
	tier := newLocalTier(10)
	tier.Set("cache:users:1", "a", time.Minute)
	tier.Set("cache:users:2", "b", time.Minute)
	tier.Set("cache:orders:1", "c", time.Minute)

	tier.DeleteByPrefix("cache:users:")

	_, ok := tier.Get("cache:users:1")
	assert.False(t, ok)
	_, ok = tier.Get("cache:users:2")
	assert.False(t, ok)
	_, ok = tier.Get("cache:orders:1")
	assert.True(t, ok)
}

func TestLocalTier_Clear(t *testing.T) {
	tier := newLocalTier(10)
	tier.Set("a", "1", time.Minute)
	tier.Set("b", "2", time.Minute)

	tier.Clear()

	assert.Equal(t, 0, tier.Len())
	_, ok := tier.Get("a")
	assert.False(t, ok)
}
