package common

import "time"

const (
	DefaultLocalCacheTTL  = 60 * time.Second
	DefaultSharedCacheTTL = 5 * time.Minute
	DefaultLocalCacheSize = 1024

	DefaultStoreTimeout = 250 * time.Millisecond

	DefaultProbeInterval    = 30 * time.Second
	DefaultFailureThreshold = 3
	DefaultMaxAttempts      = 3

	DefaultBurstWindow = 10 * time.Second

	CacheKeyPrefix     = "cache:"
	RateLimitKeyPrefix = "ratelimit:"

	ScopeCacheLocal  = "cache_local"
	ScopeCacheShared = "cache_shared"
	ScopeRateLimit   = "ratelimit"
	ScopeProvider    = "provider"
)
