package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/edgeward/edgeward/pkg/admission"
	"github.com/edgeward/edgeward/pkg/config"
	"github.com/edgeward/edgeward/pkg/infra/counterstore"
	"github.com/edgeward/edgeward/pkg/infra/prometheus"
	"github.com/edgeward/edgeward/pkg/providerpool"
	"github.com/edgeward/edgeward/pkg/version"
)

// AdminServer exposes the operational surface of the admission layer:
// health, stats, provider state, manual invalidation and metrics. It
// never serves cached content itself.
type AdminServer struct {
	config  *config.Config
	logger  *logrus.Logger
	app     *fiber.App
	service *admission.Service
	store   counterstore.Store
}

func NewAdminServer(cfg *config.Config, logger *logrus.Logger, service *admission.Service, store counterstore.Store) *AdminServer {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		IdleTimeout:           120 * time.Second,
	})
	app.Use(recover.New())

	s := &AdminServer{
		config:  cfg,
		logger:  logger,
		app:     app,
		service: service,
		store:   store,
	}
	s.buildRoutes()
	return s
}

func (s *AdminServer) buildRoutes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/version", s.handleVersion)
	s.app.Get("/stats", s.handleStats)
	s.app.Get("/providers", s.handleProviders)
	s.app.Post("/invalidate", s.handleInvalidate)
	s.app.Delete("/stats/:scope", s.handleStatsReset)

	if s.config.Server.MetricsEnabled {
		metricsHandler := fasthttpadaptor.NewFastHTTPHandler(
			promhttp.HandlerFor(prometheus.Registry(), promhttp.HandlerOpts{}),
		)
		s.app.Get("/metrics", func(c *fiber.Ctx) error {
			metricsHandler(c.Context())
			return nil
		})
	}
}

func (s *AdminServer) handleHealth(c *fiber.Ctx) error {
	status := "healthy"
	storeStatus := "up"
	code := fiber.StatusOK
	if err := s.store.Ping(c.Context()); err != nil {
		status = "degraded"
		storeStatus = "down"
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status":        status,
		"counter_store": storeStatus,
		"time":          time.Now().Format(time.RFC3339),
	})
}

func (s *AdminServer) handleVersion(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(version.GetInfo())
}

func (s *AdminServer) handleStats(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(s.service.Stats().SnapshotAll())
}

func (s *AdminServer) handleStatsReset(c *fiber.Ctx) error {
	scope := c.Params("scope")
	s.service.Stats().Reset(scope)
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *AdminServer) handleProviders(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(s.service.Pool().Records())
}

type invalidateRequest struct {
	Prefix string   `json:"prefix"`
	Paths  []string `json:"paths"`
}

func (s *AdminServer) handleInvalidate(c *fiber.Ctx) error {
	var req invalidateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	err := s.service.Invalidate(c.Context(), req.Prefix, req.Paths)
	if err == nil {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "invalidated"})
	}

	var invErr *providerpool.InvalidationError
	if errors.As(err, &invErr) && invErr.Partial() {
		failed := make([]string, len(invErr.Failed))
		for i, attempt := range invErr.Failed {
			failed[i] = attempt.Error()
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":    "partially invalidated",
			"succeeded": invErr.Succeeded,
			"failed":    failed,
		})
	}

	s.logger.WithError(err).Error("invalidation failed")
	return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
}

func (s *AdminServer) Run() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.AdminPort)
	s.logger.WithField("addr", addr).Info("admin server listening")
	if err := s.app.Listen(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown() error {
	return s.app.Shutdown()
}
