package admission_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeward/edgeward/pkg/admission"
	"github.com/edgeward/edgeward/pkg/cache"
	"github.com/edgeward/edgeward/pkg/common"
	"github.com/edgeward/edgeward/pkg/providerpool"
	"github.com/edgeward/edgeward/pkg/ratelimit"
	"github.com/edgeward/edgeward/pkg/stats"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]memEntry
}

type memEntry struct {
	value string
	ttl   time.Duration
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]memEntry)}
}

func (s *memStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data[key]
	if !ok {
		return "", false, nil
	}
	return entry.value, true, nil
}

func (s *memStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = memEntry{value: value, ttl: ttl}
	return nil
}

func (s *memStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.data, key)
	}
	return nil
}

func (s *memStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data[key]
	if !ok {
		return -2 * time.Second, nil
	}
	return entry.ttl, nil
}

func (s *memStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var keys []string
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *memStore) Ping(ctx context.Context) error { return nil }
func (s *memStore) Client() *redis.Client          { return nil }
func (s *memStore) Close() error                   { return nil }

type originProvider struct {
	name      string
	execCalls atomic.Int32
	invCalls  atomic.Int32
	execErr   error
	invErr    error
}

func (p *originProvider) Name() string   { return p.name }
func (p *originProvider) Region() string { return "" }

func (p *originProvider) Execute(ctx context.Context, req *providerpool.Request) (*providerpool.Response, error) {
	p.execCalls.Add(1)
	if p.execErr != nil {
		return nil, p.execErr
	}
	return &providerpool.Response{StatusCode: 200, Body: []byte("origin:" + req.Path)}, nil
}

func (p *originProvider) HealthProbe(ctx context.Context) error { return nil }

func (p *originProvider) Invalidate(ctx context.Context, paths []string) error {
	p.invCalls.Add(1)
	return p.invErr
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type fixture struct {
	service  *admission.Service
	mock     redismock.ClientMock
	recorder *stats.Recorder
	provider *originProvider
	now      time.Time
}

func newFixture(t *testing.T, limit int) *fixture {
	t.Helper()

	redisClient, mock := redismock.NewClientMock()
	now := time.Unix(1740730500, 0)

	limiter := ratelimit.NewLimiter(redisClient, ratelimit.Config{
		Mode: ratelimit.ModeFixedWindow,
		Tiers: map[string]ratelimit.TierLimit{
			"basic": {Limit: limit, Window: time.Minute},
		},
		FailOpen: false,
	}, testLogger(), &ratelimit.Opts{
		TimeProvider: func() time.Time { return now },
	})

	recorder := stats.NewRecorder()
	tieredCache := cache.NewTieredCache(newMemStore(), cache.Config{
		LocalTTL:        time.Minute,
		LocalMaxEntries: 16,
		SharedTTL:       5 * time.Minute,
	}, recorder, testLogger())

	pool := providerpool.NewPool(providerpool.Config{
		FailureThreshold: 3,
		MaxAttempts:      3,
	}, testLogger(), recorder)
	provider := &originProvider{name: "origin"}
	require.NoError(t, pool.Register(provider))

	return &fixture{
		service:  admission.NewService(limiter, tieredCache, pool, recorder, testLogger()),
		mock:     mock,
		recorder: recorder,
		provider: provider,
		now:      now,
	}
}

func (f *fixture) expectAdmission(identity string, count int64) {
	bucket := f.now.UnixMilli() / 60000
	key := fmt.Sprintf("ratelimit:fixed:%s:%d", identity, bucket)
	f.mock.ExpectTxPipeline()
	f.mock.ExpectIncr(key).SetVal(count)
	f.mock.ExpectExpire(key, time.Minute).SetVal(true)
	f.mock.ExpectTxPipelineExec()
}

func TestService_FetchServesFromProviderThenCache(t *testing.T) {
	f := newFixture(t, 10)
	f.expectAdmission("clientA", 1)
	f.expectAdmission("clientA", 2)

	value, err := f.service.Fetch(context.Background(), "clientA", "basic", "assets/logo", time.Minute, &providerpool.Request{Path: "/assets/logo"})
	require.NoError(t, err)
	assert.Equal(t, "origin:/assets/logo", value)
	assert.Equal(t, int32(1), f.provider.execCalls.Load())

	// The second admitted request is a cache hit; the provider is not
	// consulted again.
	value, err = f.service.Fetch(context.Background(), "clientA", "basic", "assets/logo", time.Minute, &providerpool.Request{Path: "/assets/logo"})
	require.NoError(t, err)
	assert.Equal(t, "origin:/assets/logo", value)
	assert.Equal(t, int32(1), f.provider.execCalls.Load())

	assert.Equal(t, int64(2), f.recorder.Snapshot(common.ScopeRateLimit).Hits)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestService_FetchRejectedByRateLimiter(t *testing.T) {
	f := newFixture(t, 1)
	f.expectAdmission("clientA", 2)

	_, err := f.service.Fetch(context.Background(), "clientA", "basic", "k", time.Minute, &providerpool.Request{Path: "/k"})
	require.Error(t, err)

	var rejected *admission.RateLimitExceededError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "clientA", rejected.Identity)
	assert.Equal(t, "basic", rejected.Tier)
	assert.Equal(t, 1, rejected.Limit)
	assert.True(t, rejected.RetryAfter.After(f.now))

	// A rejected request never reaches the provider.
	assert.Equal(t, int32(0), f.provider.execCalls.Load())
	assert.Equal(t, int64(1), f.recorder.Snapshot(common.ScopeRateLimit).Misses)
}

func TestService_FetchPropagatesProviderFailure(t *testing.T) {
	f := newFixture(t, 10)
	f.expectAdmission("clientA", 1)
	f.provider.execErr = errors.New("origin down")

	_, err := f.service.Fetch(context.Background(), "clientA", "basic", "k", time.Minute, &providerpool.Request{Path: "/k"})
	require.Error(t, err)

	var execErr *providerpool.ExecuteError
	assert.ErrorAs(t, err, &execErr)
}

func TestService_InvalidateDropsCacheAndBroadcasts(t *testing.T) {
	f := newFixture(t, 10)
	f.expectAdmission("clientA", 1)
	f.expectAdmission("clientA", 2)

	_, err := f.service.Fetch(context.Background(), "clientA", "basic", "assets/logo", time.Minute, &providerpool.Request{Path: "/assets/logo"})
	require.NoError(t, err)

	require.NoError(t, f.service.Invalidate(context.Background(), "assets/", []string{"/assets/logo"}))
	assert.Equal(t, int32(1), f.provider.invCalls.Load())

	// The next fetch misses and goes back to the provider.
	_, err = f.service.Fetch(context.Background(), "clientA", "basic", "assets/logo", time.Minute, &providerpool.Request{Path: "/assets/logo"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.provider.execCalls.Load())
}

func TestService_InvalidateSurfacesBroadcastFailure(t *testing.T) {
	f := newFixture(t, 10)
	f.provider.invErr = errors.New("purge rejected")

	err := f.service.Invalidate(context.Background(), "assets/", []string{"/assets/logo"})
	require.Error(t, err)

	var invErr *providerpool.InvalidationError
	require.ErrorAs(t, err, &invErr)
	assert.False(t, invErr.Partial())
}
