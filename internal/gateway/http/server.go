package http

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/conduitmcp/conduit/internal/engine"
	"github.com/conduitmcp/conduit/internal/version"
	"github.com/conduitmcp/conduit/pkg/types"
)

// Server represents the HTTP API server
type Server struct {
	app      *fiber.App
	engine   *engine.Engine
	config   types.GatewayConfig
	handlers *Handler
}

// NewServer creates a new HTTP server
func NewServer(eng *engine.Engine, config types.GatewayConfig) *Server {
	app := fiber.New(fiber.Config{
		ServerHeader: "Conduit",
		AppName:      "Conduit " + version.Version,
		ReadTimeout:  parseTimeout(config.ReadTimeout, 30*time.Second),
		WriteTimeout: parseTimeout(config.WriteTimeout, 30*time.Second),
		BodyLimit:    10 * 1024 * 1024, // 10MB
	})

	s := &Server{
		app:      app,
		engine:   eng,
		config:   config,
		handlers: NewHandler(eng),
	}

	s.setupRoutes()

	return s
}

func parseTimeout(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.app.Use(RequestIDMiddleware())
	s.app.Use(RecoveryMiddleware())
	s.app.Use(CORSMiddleware())
	s.app.Use(LoggingMiddleware())

	// Root
	s.app.Get("/", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"name":    "Conduit",
			"version": version.Version,
			"status":  "running",
		})
	})

	// Metrics endpoint (Prometheus)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// API v1 routes
	api := s.app.Group("/api/v1")

	// Catalog
	api.Get("/catalog", s.handlers.GetCatalog)

	// Servers
	api.Get("/servers", s.handlers.ListServers)
	api.Get("/servers/:id/health", s.handlers.GetServerHealth)
	api.Post("/servers/:id/reconnect", s.handlers.ReconnectServer)

	// Tools and routing
	api.Post("/tools/call", s.handlers.CallTool)
	api.Post("/query", s.handlers.Query)
	api.Get("/search", s.handlers.Search)

	// Stats
	api.Get("/stats", s.handlers.GetStats)
	api.Get("/stats/calls", s.handlers.ListCallEvents)

	// Health & Readiness
	api.Get("/health", s.handlers.HealthCheck)
	api.Get("/ready", s.handlers.ReadinessProbe)
	api.Get("/alive", s.handlers.LivenessProbe)

	log.Info().Msg("HTTP routes configured")
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	log.Info().
		Str("addr", addr).
		Msg("Starting HTTP API server")

	go func() {
		if err := s.app.Listen(addr); err != nil {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	return nil
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping HTTP server")

	if err := s.app.ShutdownWithContext(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
		return err
	}

	log.Info().Msg("HTTP server stopped")
	return nil
}
