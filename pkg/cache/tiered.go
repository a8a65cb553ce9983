package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/edgeward/edgeward/pkg/common"
	"github.com/edgeward/edgeward/pkg/infra/counterstore"
	"github.com/edgeward/edgeward/pkg/stats"
)

type Config struct {
	// LocalTTL bounds how long a local copy may outlive a shared-tier
	// write from another process. It also bounds local staleness: there
	// is no cross-process invalidation for the local tier.
	LocalTTL        time.Duration
	LocalMaxEntries int
	// SharedTTL is the default TTL used when Set is called with a zero
	// TTL.
	SharedTTL time.Duration
}

// TieredCache is a two-level read-through cache: an in-process bounded
// tier in front of the shared counter store. The shared tier is the
// source of truth; the local tier only trims round trips.
type TieredCache struct {
	store  counterstore.Store
	local  *localTier
	config Config
	stats  *stats.Recorder
	logger *logrus.Logger
	group  singleflight.Group
}

func NewTieredCache(store counterstore.Store, config Config, recorder *stats.Recorder, logger *logrus.Logger) *TieredCache {
	if config.LocalTTL <= 0 {
		config.LocalTTL = common.DefaultLocalCacheTTL
	}
	if config.LocalMaxEntries <= 0 {
		config.LocalMaxEntries = common.DefaultLocalCacheSize
	}
	if config.SharedTTL <= 0 {
		config.SharedTTL = common.DefaultSharedCacheTTL
	}
	return &TieredCache{
		store:  store,
		local:  newLocalTier(config.LocalMaxEntries),
		config: config,
		stats:  recorder,
		logger: logger,
	}
}

// Get checks the local tier, then the shared tier. A shared hit
// populates the local tier with a TTL capped by the shared entry's
// remaining lifetime, so a local copy never outlives the shared one.
// Shared-tier errors are treated as misses.
func (c *TieredCache) Get(ctx context.Context, key string) (string, bool) {
	if value, ok := c.local.Get(key); ok {
		c.stats.RecordHit(common.ScopeCacheLocal)
		return value, true
	}
	c.stats.RecordMiss(common.ScopeCacheLocal)

	value, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("shared cache read failed, treating as miss")
		c.stats.RecordError(common.ScopeCacheShared)
		return "", false
	}
	if !found {
		c.stats.RecordMiss(common.ScopeCacheShared)
		return "", false
	}

	c.stats.RecordHit(common.ScopeCacheShared)
	c.local.Set(key, value, c.localPopulateTTL(ctx, key))
	return value, true
}

// Set writes through both tiers. The local write always succeeds; a
// shared-tier failure is logged and absorbed since this process already
// holds the value.
func (c *TieredCache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.SharedTTL
	}
	c.local.Set(key, value, minDuration(c.config.LocalTTL, ttl))

	if err := c.store.Set(ctx, key, value, ttl); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("shared cache write failed")
		c.stats.RecordError(common.ScopeCacheShared)
	}
}

// Delete removes the key from the local tier synchronously and from the
// shared tier.
func (c *TieredCache) Delete(ctx context.Context, key string) error {
	c.local.Delete(key)
	return c.store.Delete(ctx, key)
}

// DeleteByPrefix enumerates matching shared keys before deleting them;
// the shared store has no native prefix-delete primitive.
func (c *TieredCache) DeleteByPrefix(ctx context.Context, prefix string) error {
	c.local.DeleteByPrefix(prefix)

	keys, err := c.store.Keys(ctx, prefix+"*")
	if err != nil {
		return err
	}
	return c.store.Delete(ctx, keys...)
}

// GetOrFetch returns the cached value or runs fetch on a miss, writing
// the result through both tiers. Concurrent misses on the same key are
// coalesced into a single fetch.
func (c *TieredCache) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) (string, error)) (string, error) {
	if value, ok := c.Get(ctx, key); ok {
		return value, nil
	}

	value, err, _ := c.group.Do(key, func() (interface{}, error) {
		if value, ok := c.Get(ctx, key); ok {
			return value, nil
		}
		fetched, err := fetch(ctx)
		if err != nil {
			return "", err
		}
		c.Set(ctx, key, fetched, ttl)
		return fetched, nil
	})
	if err != nil {
		return "", err
	}
	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("unexpected cached value type %T for key %s", value, key)
	}
	return str, nil
}

// LocalLen reports the local tier's entry count.
func (c *TieredCache) LocalLen() int {
	return c.local.Len()
}

// ClearLocal drops every local entry. The shared tier is untouched.
func (c *TieredCache) ClearLocal() {
	c.local.Clear()
}

func (c *TieredCache) localPopulateTTL(ctx context.Context, key string) time.Duration {
	remaining, err := c.store.TTL(ctx, key)
	if err != nil || remaining <= 0 {
		return c.config.LocalTTL
	}
	return minDuration(c.config.LocalTTL, remaining)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
