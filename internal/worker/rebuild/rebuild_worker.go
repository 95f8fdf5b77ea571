// Package rebuild runs the periodic out-of-band tile table rebuild. It is the
// background alternative to the maintenance command; disabled by default.
package rebuild

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tile-engine/internal/config"
	"github.com/tile-engine/internal/geometry"
	"github.com/tile-engine/internal/repository/postgres"
	"github.com/tile-engine/internal/usecase"
	"github.com/tile-engine/internal/worker"
)

type RebuildWorker struct {
	*worker.BaseWorker
	cfg    *config.Config
	logger *zap.Logger
}

func NewRebuildWorker(cfg *config.Config, logger *zap.Logger) *RebuildWorker {
	return &RebuildWorker{
		BaseWorker: worker.NewBaseWorker("tile-rebuild", logger),
		cfg:        cfg,
		logger:     logger,
	}
}

// Run blocks until Stop, re-running ensure(include_tile_tables) on the
// configured interval. Rebuilds run minutes-long; readers keep seeing the
// pre-rebuild tables until each swap completes.
func (w *RebuildWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Rebuild.Interval)
	defer ticker.Stop()

	w.logger.Info("Rebuild worker started",
		zap.Duration("interval", w.cfg.Rebuild.Interval))

	for {
		select {
		case <-w.StopChan():
			w.logger.Info("Rebuild worker stopped")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// runOnce opens its own one-connection session for the rebuild. Session
// settings from TuneSession stay on that connection and are discarded with
// it; the serving pool is never touched.
func (w *RebuildWorker) runOnce(ctx context.Context) {
	db, err := postgres.NewSession(&w.cfg.Database, w.logger)
	if err != nil {
		w.logger.Error("Failed to open rebuild session", zap.Error(err))
		return
	}
	defer db.Close()

	engine := geometry.NewOrbEngine()
	schemaRepo := postgres.NewSchemaRepository(db)
	tileRepo := postgres.NewTileRepository(db)
	materializer := usecase.NewMaterializeUseCase(tileRepo, engine, w.logger, w.cfg.Tiling, w.cfg.Rebuild.InsertBatch)
	schemaUC := usecase.NewSchemaUseCase(schemaRepo, tileRepo, materializer, engine, w.logger, w.cfg.Tiling, w.cfg.Rebuild.InsertBatch)

	if err := schemaUC.TuneSession(ctx, w.cfg.Rebuild); err != nil {
		w.logger.Error("Failed to tune session for rebuild", zap.Error(err))
		return
	}

	report, err := schemaUC.Ensure(ctx, true)
	if err != nil {
		// An interrupted repopulation needs a forced re-run; the next tick
		// truncates and repopulates from scratch.
		w.logger.Error("Scheduled rebuild failed", zap.Error(err))
		return
	}

	for _, ds := range report.Datasets {
		w.logger.Info("Dataset rebuilt",
			zap.String("run_id", report.RunID),
			zap.String("dataset", ds.Dataset),
			zap.Int64("fragments", ds.Fragments),
			zap.Duration("duration", ds.Duration))
	}
}
