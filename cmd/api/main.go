package main

// @title Tile Engine API
// @version 1.0.0
// @description Vector-tile serving engine for Toronto open-data extracts.
// @description Serves precomputed, quadkey-partitioned MVT tiles for parking
// @description tickets, red light cameras and speed cameras, with a Redis
// @description blob cache in front of the rarely-changing low zoom levels.

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tile-engine/internal/config"
	httpDelivery "github.com/tile-engine/internal/delivery/http"
	"github.com/tile-engine/internal/delivery/http/handler"
	"github.com/tile-engine/internal/geometry"
	"github.com/tile-engine/internal/pkg/logger"
	"github.com/tile-engine/internal/repository/cache"
	"github.com/tile-engine/internal/repository/postgres"
	"github.com/tile-engine/internal/usecase"
	"github.com/tile-engine/internal/worker/rebuild"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. Initialize logger
	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer log.Sync()

	log.Info("Starting Tile Engine")
	log.Info("Configuration loaded",
		zap.String("env", cfg.Server.Env),
		zap.String("server_addr", cfg.GetServerAddr()),
		zap.Int("quadkey_zoom", cfg.Tiling.QuadkeyZoom),
		zap.Int("prefix_length", cfg.Tiling.PrefixLength),
	)

	// 3. Connect to PostgreSQL
	db, err := postgres.New(&cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Failed to close PostgreSQL connection", zap.Error(err))
		}
	}()

	// 4. Connect to Redis
	redisClient, err := cache.NewRedis(&cfg.Redis, log)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Error("Failed to close Redis connection", zap.Error(err))
		}
	}()

	// 5. Health checks
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.Health(ctx); err != nil {
		log.Fatal("PostgreSQL health check failed", zap.Error(err))
	}
	if err := redisClient.Health(ctx); err != nil {
		log.Fatal("Redis health check failed", zap.Error(err))
	}
	log.Info("All connections healthy")

	// 6. Wire repositories and usecases
	engine := geometry.NewOrbEngine()
	schemaRepo := postgres.NewSchemaRepository(db)
	tileRepo := postgres.NewTileRepository(db)
	cacheRepo := cache.NewCacheRepository(redisClient)

	materializer := usecase.NewMaterializeUseCase(tileRepo, engine, log, cfg.Tiling, cfg.Rebuild.InsertBatch)
	schemaUC := usecase.NewSchemaUseCase(schemaRepo, tileRepo, materializer, engine, log, cfg.Tiling, cfg.Rebuild.InsertBatch)
	tileUC := usecase.NewTileUseCase(tileRepo, cacheRepo, engine, log, cfg.Tiling, cfg.Cache)

	// 7. Ensure derived columns on start (cheap when already complete; tile
	// table rebuilds stay out-of-band behind cmd/maintenance or the worker).
	ensureCtx, ensureCancel := context.WithTimeout(context.Background(), 10*time.Minute)
	if _, err := schemaUC.Ensure(ensureCtx, false); err != nil {
		ensureCancel()
		log.Fatal("Schema ensure failed", zap.Error(err))
	}
	ensureCancel()

	// 8. Optional periodic rebuild worker. Runs on its own one-connection
	// session per tick, never on the serving pool above.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var rebuildWorker *rebuild.RebuildWorker
	if cfg.Rebuild.Enabled {
		rebuildWorker = rebuild.NewRebuildWorker(cfg, log)
		go rebuildWorker.Run(workerCtx)
	}

	// 9. HTTP server
	tileHandler := handler.NewTileHandler(tileUC, log)
	adminHandler := handler.NewAdminHandler(tileUC, log)
	server := httpDelivery.NewServer(cfg, log, tileHandler, adminHandler, db, redisClient)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 10. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutdown signal received")
	if rebuildWorker != nil {
		rebuildWorker.Stop()
	}
	if err := server.Shutdown(); err != nil {
		log.Error("Failed to shut down HTTP server", zap.Error(err))
	}
	log.Info("Tile Engine stopped")
}
