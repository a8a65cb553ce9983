package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgeward/edgeward/pkg/cache"
	"github.com/edgeward/edgeward/pkg/common"
	"github.com/edgeward/edgeward/pkg/providerpool"
	"github.com/edgeward/edgeward/pkg/ratelimit"
	"github.com/edgeward/edgeward/pkg/stats"
)

// RateLimitExceededError is surfaced to the caller on rejection; this
// layer never retries it. RetryAfter carries enough structure for the
// host to build its own response.
type RateLimitExceededError struct {
	Identity   string
	Tier       string
	Limit      int
	RetryAfter time.Time
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (tier %s, limit %d), retry after %s",
		e.Identity, e.Tier, e.Limit, e.RetryAfter.Format(time.RFC3339))
}

// Service is the request admission path: rate limiter first, then the
// tiered cache, then the provider pool on a miss. Hosts construct one
// Service and pass it to consumers explicitly.
type Service struct {
	limiter *ratelimit.Limiter
	cache   *cache.TieredCache
	pool    *providerpool.Pool
	stats   *stats.Recorder
	logger  *logrus.Logger
}

func NewService(
	limiter *ratelimit.Limiter,
	tieredCache *cache.TieredCache,
	pool *providerpool.Pool,
	recorder *stats.Recorder,
	logger *logrus.Logger,
) *Service {
	return &Service{
		limiter: limiter,
		cache:   tieredCache,
		pool:    pool,
		stats:   recorder,
		logger:  logger,
	}
}

// Fetch admits one request for the identity and serves the resource,
// from cache when possible, otherwise from the best available provider.
func (s *Service) Fetch(ctx context.Context, identity, tier, key string, ttl time.Duration, req *providerpool.Request) (string, error) {
	res, err := s.limiter.Check(ctx, identity, tier)
	if err != nil {
		return "", err
	}
	if !res.Allowed {
		s.stats.RecordMiss(common.ScopeRateLimit)
		return "", &RateLimitExceededError{
			Identity:   identity,
			Tier:       res.Tier,
			Limit:      res.Limit,
			RetryAfter: res.RetryAfter,
		}
	}
	s.stats.RecordHit(common.ScopeRateLimit)

	return s.cache.GetOrFetch(ctx, common.CacheKeyPrefix+key, ttl, func(ctx context.Context) (string, error) {
		resp, execErr := s.pool.Execute(ctx, req)
		if execErr != nil {
			return "", execErr
		}
		return string(resp.Body), nil
	})
}

// Invalidate drops the cached resources under prefix and broadcasts the
// paths to every healthy provider. A partial broadcast failure is
// returned but the invalidation counts as done when at least one
// provider acknowledged it.
func (s *Service) Invalidate(ctx context.Context, prefix string, paths []string) error {
	if err := s.cache.DeleteByPrefix(ctx, common.CacheKeyPrefix+prefix); err != nil {
		return err
	}
	return s.pool.Invalidate(ctx, paths)
}

// Stats exposes the recorder for the host's observability surface.
func (s *Service) Stats() *stats.Recorder {
	return s.stats
}

// Pool exposes the provider pool for the host's admin surface.
func (s *Service) Pool() *providerpool.Pool {
	return s.pool
}
