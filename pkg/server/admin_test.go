package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeward/edgeward/pkg/admission"
	"github.com/edgeward/edgeward/pkg/cache"
	"github.com/edgeward/edgeward/pkg/config"
	"github.com/edgeward/edgeward/pkg/providerpool"
	"github.com/edgeward/edgeward/pkg/ratelimit"
	"github.com/edgeward/edgeward/pkg/stats"
)

type pingStore struct {
	pingErr error
}

func (s *pingStore) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, nil
}

func (s *pingStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return nil
}

func (s *pingStore) Delete(ctx context.Context, keys ...string) error { return nil }

func (s *pingStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return -2 * time.Second, nil
}

func (s *pingStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	return nil, nil
}

func (s *pingStore) Ping(ctx context.Context) error { return s.pingErr }
func (s *pingStore) Client() *redis.Client          { return nil }
func (s *pingStore) Close() error                   { return nil }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestAdminServer(t *testing.T, store *pingStore) *AdminServer {
	t.Helper()

	redisClient, _ := redismock.NewClientMock()
	logger := testLogger()
	recorder := stats.NewRecorder()

	limiter := ratelimit.NewLimiter(redisClient, ratelimit.Config{
		Mode: ratelimit.ModeFixedWindow,
		Tiers: map[string]ratelimit.TierLimit{
			"basic": {Limit: 10, Window: time.Minute},
		},
	}, logger, nil)

	tieredCache := cache.NewTieredCache(store, cache.Config{
		LocalTTL:        time.Minute,
		LocalMaxEntries: 16,
		SharedTTL:       5 * time.Minute,
	}, recorder, logger)

	pool := providerpool.NewPool(providerpool.Config{
		FailureThreshold: 3,
		MaxAttempts:      3,
	}, logger, recorder)

	service := admission.NewService(limiter, tieredCache, pool, recorder, logger)

	return NewAdminServer(&config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", AdminPort: 0},
	}, logger, service, store)
}

func TestAdminServer_HealthReportsStoreUp(t *testing.T) {
	server := newTestAdminServer(t, &pingStore{})

	resp, err := server.app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, 200, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "up", body["counter_store"])
}

func TestAdminServer_HealthReportsDegradedWhenStoreDown(t *testing.T) {
	server := newTestAdminServer(t, &pingStore{pingErr: errors.New("connection refused")})

	resp, err := server.app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, 503, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "down", body["counter_store"])
}

func TestAdminServer_Version(t *testing.T) {
	server := newTestAdminServer(t, &pingStore{})

	resp, err := server.app.Test(httptest.NewRequest("GET", "/version", nil))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, 200, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "app_name")
}
