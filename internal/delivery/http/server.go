package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"go.uber.org/zap"

	"github.com/tile-engine/internal/config"
	"github.com/tile-engine/internal/delivery/http/handler"
	"github.com/tile-engine/internal/delivery/http/middleware"
	"github.com/tile-engine/internal/pkg/errors"
	"github.com/tile-engine/internal/pkg/utils"
)

// HealthChecker reports readiness of a backing store.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Server - Fiber-based HTTP server
type Server struct {
	app    *fiber.App
	config *config.Config
	logger *zap.Logger

	// Handlers
	tileHandler  *handler.TileHandler
	adminHandler *handler.AdminHandler

	db    HealthChecker
	cache HealthChecker
}

// NewServer - create a new HTTP server
func NewServer(
	cfg *config.Config,
	logger *zap.Logger,
	tileHandler *handler.TileHandler,
	adminHandler *handler.AdminHandler,
	db HealthChecker,
	cache HealthChecker,
) *Server {
	app := fiber.New(fiber.Config{
		AppName:      "Tile Engine",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorHandler: customErrorHandler(logger),
	})

	s := &Server{
		app:          app,
		config:       cfg,
		logger:       logger,
		tileHandler:  tileHandler,
		adminHandler: adminHandler,
		db:           db,
		cache:        cache,
	}

	s.setupMiddlewares()
	s.setupRoutes()

	return s
}

// setupMiddlewares - middleware configuration
func (s *Server) setupMiddlewares() {
	s.app.Use(middleware.Recovery())
	s.app.Use(middleware.Logger(s.logger))
	s.app.Use(middleware.CORS())
	s.app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))
}

// setupRoutes - route configuration
func (s *Server) setupRoutes() {
	api := s.app.Group("/api/v1")

	// Health check
	api.Get("/health", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		status := "healthy"
		code := fiber.StatusOK
		if err := s.db.Health(ctx); err != nil {
			status = "database unavailable"
			code = fiber.StatusServiceUnavailable
		} else if err := s.cache.Health(ctx); err != nil {
			// Degraded, not down: serving works without the cache.
			status = "cache unavailable"
		}

		return c.Status(code).JSON(fiber.Map{
			"status": status,
			"time":   time.Now(),
		})
	})

	api.Get("/datasets", s.adminHandler.GetDatasets)
	api.Get("/stats", s.adminHandler.GetStats)

	tiles := api.Group("/tiles/:dataset")
	tiles.Get("/:z/:x/:y.pbf", s.tileHandler.GetTile)
	tiles.Post("/batch", s.tileHandler.GetTileBatch)
	tiles.Get("/filtered/:z/:x/:y.pbf", s.tileHandler.GetFilteredTile)
}

// Start - run the server
func (s *Server) Start() error {
	addr := s.config.GetServerAddr()
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown - graceful shutdown
func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down HTTP server")
	return s.app.Shutdown()
}

func customErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return c.Status(fiberErr.Code).JSON(fiber.Map{"error": fiberErr.Message})
		}

		logger.Error("Unhandled request error",
			zap.String("path", c.Path()),
			zap.Error(err))
		return utils.SendError(c, errors.ErrInternalServer)
	}
}
