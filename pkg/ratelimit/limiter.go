package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/edgeward/edgeward/pkg/common"
	"github.com/edgeward/edgeward/pkg/infra/prometheus"
)

type Mode string

const (
	ModeFixedWindow   Mode = "fixed_window"
	ModeSlidingWindow Mode = "sliding_window"
)

const (
	fixedKeyPattern   = "ratelimit:fixed:%s:%d"
	slidingKeyPattern = "ratelimit:sliding:%s"
	burstKeyPattern   = "ratelimit:burst:%s:%d"
)

// TierLimit is the admission budget for one subscription tier.
type TierLimit struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
	// Burst caps requests inside the short burst window. Zero disables
	// the burst check for the tier.
	Burst int `mapstructure:"burst"`
}

type Config struct {
	Mode        Mode
	Tiers       map[string]TierLimit
	BurstWindow time.Duration
	// FailOpen selects the behavior when the counter store is
	// unreachable: allow (true) or reject (false). There is no default;
	// hosts must choose.
	FailOpen bool
}

// Result is the outcome of a single admission check.
type Result struct {
	Allowed   bool
	Tier      string
	Limit     int
	Remaining int
	// RetryAfter is set on rejections: the earliest instant at which a
	// retry can succeed.
	RetryAfter time.Time
	// FailedOpen reports that the store was unreachable and the
	// configured policy decided the outcome.
	FailedOpen bool
}

type Opts struct {
	TimeProvider func() time.Time
	UuidProvider func() uuid.UUID
}

// Limiter admits or rejects requests per identity against the counter
// store. All counting happens in the shared store so every process
// instance sees the same windows.
type Limiter struct {
	redis        *redis.Client
	config       Config
	logger       *logrus.Logger
	timeProvider func() time.Time
	uuidProvider func() uuid.UUID
}

func NewLimiter(redisClient *redis.Client, config Config, logger *logrus.Logger, opts *Opts) *Limiter {
	timeProvider := time.Now
	uuidProvider := uuid.New
	if opts != nil && opts.TimeProvider != nil {
		timeProvider = opts.TimeProvider
	}
	if opts != nil && opts.UuidProvider != nil {
		uuidProvider = opts.UuidProvider
	}
	if config.Mode == "" {
		config.Mode = ModeFixedWindow
	}
	if config.BurstWindow <= 0 {
		config.BurstWindow = common.DefaultBurstWindow
	}

	return &Limiter{
		redis:        redisClient,
		config:       config,
		logger:       logger,
		timeProvider: timeProvider,
		uuidProvider: uuidProvider,
	}
}

// Check admits a request for the identity under its tier's budget.
// Unknown tiers fall back to the most restrictive configured tier.
func (l *Limiter) Check(ctx context.Context, identity, tier string) (Result, error) {
	tierLimit, resolved, err := l.resolveTier(tier)
	if err != nil {
		return Result{}, err
	}

	if tierLimit.Burst > 0 {
		res, err := l.checkCounter(ctx, burstKeyPattern, identity, tierLimit.Burst, l.config.BurstWindow)
		if err != nil {
			return l.applyFailPolicy(identity, resolved, tierLimit, err), nil
		}
		if !res.Allowed {
			res.Tier = resolved
			prometheus.RateLimitRejectedTotal.WithLabelValues(resolved).Inc()
			return res, nil
		}
	}

	res, err := l.checkWindow(ctx, identity, tierLimit.Limit, tierLimit.Window)
	if err != nil {
		return l.applyFailPolicy(identity, resolved, tierLimit, err), nil
	}
	res.Tier = resolved
	if !res.Allowed {
		prometheus.RateLimitRejectedTotal.WithLabelValues(resolved).Inc()
	}
	return res, nil
}

// CheckLimit runs one admission check with an explicit budget, bypassing
// the tier table. Store errors are returned unfiltered; the fail policy
// only applies to Check.
func (l *Limiter) CheckLimit(ctx context.Context, identity string, limit int, window time.Duration) (Result, error) {
	return l.checkWindow(ctx, identity, limit, window)
}

func (l *Limiter) checkWindow(ctx context.Context, identity string, limit int, window time.Duration) (Result, error) {
	switch l.config.Mode {
	case ModeSlidingWindow:
		return l.checkSliding(ctx, identity, limit, window)
	default:
		return l.checkFixed(ctx, identity, limit, window)
	}
}

// checkFixed counts against the current fixed window. The increment is
// applied before the limit comparison, so a rejected request still
// consumes one slot of the window it was rejected in.
func (l *Limiter) checkFixed(ctx context.Context, identity string, limit int, window time.Duration) (Result, error) {
	return l.checkCounter(ctx, fixedKeyPattern, identity, limit, window)
}

func (l *Limiter) checkCounter(ctx context.Context, keyPattern, identity string, limit int, window time.Duration) (Result, error) {
	now := l.timeProvider()
	// Bucket in milliseconds so sub-second windows divide cleanly.
	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1
	}
	bucket := now.UnixMilli() / windowMs
	key := fmt.Sprintf(keyPattern, identity, bucket)

	ctx, cancel := context.WithTimeout(ctx, common.DefaultStoreTimeout)
	defer cancel()

	pipe := l.redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("failed to execute fixed window pipeline: %w", err)
	}

	count := incr.Val()
	if count > int64(limit) {
		nextWindow := time.UnixMilli((bucket + 1) * windowMs)
		return Result{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			RetryAfter: nextWindow,
		}, nil
	}

	return Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - int(count),
	}, nil
}

// checkSliding compares the cardinality of the identity's timestamp set
// against the limit. At or over the limit the request is rejected
// without recording a timestamp.
func (l *Limiter) checkSliding(ctx context.Context, identity string, limit int, window time.Duration) (Result, error) {
	now := l.timeProvider()
	key := fmt.Sprintf(slidingKeyPattern, identity)
	windowStart := now.Add(-window).UnixMilli()

	ctx, cancel := context.WithTimeout(ctx, common.DefaultStoreTimeout)
	defer cancel()

	pipe := l.redis.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart, 10))
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("failed to execute sliding window pipeline: %w", err)
	}

	count := card.Val()
	if count >= int64(limit) {
		retryAfter := now.Add(window)
		oldest, err := l.redis.ZRangeWithScores(ctx, key, 0, 0).Result()
		if err == nil && len(oldest) > 0 {
			retryAfter = time.UnixMilli(int64(oldest[0].Score)).Add(window)
		}
		return Result{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			RetryAfter: retryAfter,
		}, nil
	}

	member := fmt.Sprintf("%d:%s", now.UnixMilli(), l.uuidProvider().String())
	addPipe := l.redis.TxPipeline()
	addPipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: member,
	})
	addPipe.Expire(ctx, key, window)
	if _, err := addPipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("failed to record sliding window entry: %w", err)
	}

	return Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - int(count) - 1,
	}, nil
}

// Reset clears every window kind for the identity. Administrative use
// only; normal expiry happens through key TTLs.
func (l *Limiter) Reset(ctx context.Context, identity string) error {
	patterns := []string{
		fmt.Sprintf("ratelimit:fixed:%s:*", identity),
		fmt.Sprintf("ratelimit:burst:%s:*", identity),
		fmt.Sprintf(slidingKeyPattern, identity),
	}
	for _, pattern := range patterns {
		var cursor uint64
		for {
			keys, nextCursor, err := l.redis.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return fmt.Errorf("error scanning rate limit keys: %w", err)
			}
			if len(keys) > 0 {
				if err := l.redis.Del(ctx, keys...).Err(); err != nil {
					return fmt.Errorf("error deleting rate limit keys: %w", err)
				}
			}
			cursor = nextCursor
			if cursor == 0 {
				break
			}
		}
	}
	return nil
}

func (l *Limiter) applyFailPolicy(identity, tier string, tierLimit TierLimit, cause error) Result {
	l.logger.WithFields(logrus.Fields{
		"identity":  identity,
		"tier":      tier,
		"fail_open": l.config.FailOpen,
	}).WithError(cause).Warn("counter store unreachable, applying fail policy")

	if l.config.FailOpen {
		return Result{
			Allowed:    true,
			Tier:       tier,
			Limit:      tierLimit.Limit,
			Remaining:  0,
			FailedOpen: true,
		}
	}
	return Result{
		Allowed:    false,
		Tier:       tier,
		Limit:      tierLimit.Limit,
		RetryAfter: l.timeProvider().Add(tierLimit.Window),
		FailedOpen: true,
	}
}

func (l *Limiter) resolveTier(tier string) (TierLimit, string, error) {
	if limit, ok := l.config.Tiers[tier]; ok {
		return limit, tier, nil
	}
	// Fall back to the most restrictive configured tier.
	var (
		strictest     TierLimit
		strictestName string
		found         bool
	)
	for name, limit := range l.config.Tiers {
		if !found || limit.Limit < strictest.Limit {
			strictest = limit
			strictestName = name
			found = true
		}
	}
	if !found {
		return TierLimit{}, "", fmt.Errorf("no rate limit tiers configured")
	}
	return strictest, strictestName, nil
}
