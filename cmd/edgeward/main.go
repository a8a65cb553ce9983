package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/edgeward/edgeward/pkg/admission"
	"github.com/edgeward/edgeward/pkg/cache"
	"github.com/edgeward/edgeward/pkg/config"
	"github.com/edgeward/edgeward/pkg/infra/counterstore"
	"github.com/edgeward/edgeward/pkg/infra/httpx"
	"github.com/edgeward/edgeward/pkg/infra/prometheus"
	"github.com/edgeward/edgeward/pkg/infra/providers/factory"
	"github.com/edgeward/edgeward/pkg/providerpool"
	"github.com/edgeward/edgeward/pkg/ratelimit"
	"github.com/edgeward/edgeward/pkg/server"
	"github.com/edgeward/edgeward/pkg/stats"
	"github.com/edgeward/edgeward/pkg/version"
)

func main() {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Println("no .env file found, using system environment variables")
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config"
	}
	if err := config.Load(configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.GetConfig()

	logger := newLogger(cfg.Server.LogLevel)
	logger.WithFields(logrus.Fields{
		"version": version.Version,
		"app":     version.AppName,
	}).Info("starting")

	if cfg.Server.MetricsEnabled {
		prometheus.Initialize()
	}

	store, err := counterstore.NewStore(counterstore.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TLS:      cfg.Redis.TLS,
		Timeout:  cfg.Redis.Timeout,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize counter store")
	}
	defer func() { _ = store.Close() }()

	recorder := stats.NewRecorder()

	limiter := ratelimit.NewLimiter(store.Client(), ratelimit.Config{
		Mode:        ratelimit.Mode(cfg.RateLimit.Mode),
		Tiers:       buildTiers(cfg.RateLimit.Tiers),
		BurstWindow: cfg.RateLimit.BurstWindow,
		FailOpen:    cfg.FailOpen(),
	}, logger, nil)

	tieredCache := cache.NewTieredCache(store, cache.Config{
		LocalTTL:        cfg.Cache.LocalTTL,
		LocalMaxEntries: cfg.Cache.LocalMaxEntries,
		SharedTTL:       cfg.Cache.SharedTTL,
	}, recorder, logger)

	pool := providerpool.NewPool(providerpool.Config{
		FailureThreshold: cfg.Pool.FailureThreshold,
		MaxAttempts:      cfg.Pool.MaxAttempts,
	}, logger, recorder)

	httpClient := httpx.NewFastHTTPClient(httpx.FastHTTPClientConfig{
		Timeout:            cfg.Outbound.Timeout,
		InsecureSkipVerify: cfg.Outbound.InsecureSkipVerify,
		MaxConnsPerHost:    cfg.Outbound.MaxConnsPerHost,
		UserAgent:          cfg.Outbound.UserAgent,
	})
	locator := factory.NewProviderLocator(httpClient, logger)
	for _, providerCfg := range cfg.Providers {
		provider, buildErr := locator.Build(providerCfg)
		if buildErr != nil {
			logger.WithError(buildErr).Fatal("failed to build provider")
		}
		if regErr := pool.Register(provider); regErr != nil {
			logger.WithError(regErr).Fatal("failed to register provider")
		}
	}

	prober := providerpool.NewProber(pool, cfg.Pool.ProbeInterval, logger)
	prober.Start()

	service := admission.NewService(limiter, tieredCache, pool, recorder, logger)

	adminServer := server.NewAdminServer(cfg, logger, service, store)
	go func() {
		if runErr := adminServer.Run(); runErr != nil {
			logger.WithError(runErr).Fatal("admin server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	if shutdownErr := adminServer.Shutdown(); shutdownErr != nil {
		logger.WithError(shutdownErr).Error("admin server shutdown failed")
	}
	prober.Stop()
	logger.Info("shutdown complete")
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}

func buildTiers(tiers map[string]config.TierConfig) map[string]ratelimit.TierLimit {
	out := make(map[string]ratelimit.TierLimit, len(tiers))
	for name, tier := range tiers {
		out[name] = ratelimit.TierLimit{
			Limit:  tier.Limit,
			Window: tier.Window,
			Burst:  tier.Burst,
		}
	}
	return out
}
