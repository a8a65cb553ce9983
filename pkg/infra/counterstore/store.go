package counterstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// ErrUnavailable marks failures to reach the counter store (timeouts,
// connection errors). Callers apply their configured fail-open or
// fail-closed policy when they see it.
var ErrUnavailable = errors.New("counter store unavailable")

//go:generate mockery --name=Store --dir=. --output=./mocks --filename=store_mock.go --case=underscore --with-expecter
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
	Client() *redis.Client
	Close() error
}

type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	TLS      bool
	// Timeout bounds every individual store call.
	Timeout time.Duration
}

type store struct {
	redisClient *redis.Client
	timeout     time.Duration
}

func NewStore(config Config, logger *logrus.Logger) (Store, error) {
	options := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	}
	if config.TLS {
		options.TLSConfig = &tls.Config{
			InsecureSkipVerify: true, // #nosec G402
		}
	}
	redisClient := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.WithFields(logrus.Fields{
			"host":  config.Host,
			"port":  config.Port,
			"error": err.Error(),
		}).Error("failed to connect to counter store")
		return nil, fmt.Errorf("failed to connect to counter store: %w", err)
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}

	logger.WithFields(logrus.Fields{
		"host": config.Host,
		"port": config.Port,
	}).Info("counter store connected successfully")

	return &store{
		redisClient: redisClient,
		timeout:     timeout,
	}, nil
}

// NewStoreWithClient wraps an existing redis client. Used by tests and by
// hosts that manage the connection themselves.
func NewStoreWithClient(redisClient *redis.Client, timeout time.Duration) Store {
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &store{
		redisClient: redisClient,
		timeout:     timeout,
	}
}

func (s *store) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	val, err := s.redisClient.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, classify(err)
	}
	return val, true, nil
}

func (s *store) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.redisClient.Set(ctx, key, value, ttl).Err(); err != nil {
		return classify(err)
	}
	return nil
}

func (s *store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.redisClient.Del(ctx, keys...).Err(); err != nil {
		return classify(err)
	}
	return nil
}

func (s *store) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ttl, err := s.redisClient.TTL(ctx, key).Result()
	if err != nil {
		return 0, classify(err)
	}
	return ttl, nil
}

// Keys enumerates matching keys with SCAN. The store has no native
// prefix-delete primitive, so prefix invalidation enumerates first.
func (s *store) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		scanCtx, cancel := context.WithTimeout(ctx, s.timeout)
		batch, nextCursor, err := s.redisClient.Scan(scanCtx, cursor, pattern, 100).Result()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("error scanning keys: %w", classify(err))
		}
		keys = append(keys, batch...)
		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func (s *store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.redisClient.Ping(ctx).Err(); err != nil {
		return classify(err)
	}
	return nil
}

func (s *store) Client() *redis.Client {
	return s.redisClient
}

func (s *store) Close() error {
	return s.redisClient.Close()
}

func classify(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
