package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/tile-engine/internal/config"
	"github.com/tile-engine/internal/domain"
	"github.com/tile-engine/internal/domain/repository"
	"github.com/tile-engine/internal/geometry"
	"github.com/tile-engine/internal/quadkey"
)

// SchemaUseCase owns ensure(): derived base-table columns and, on request,
// the partitioned tile tables. Schema state is recomputed fresh on every call
// and never cached across calls.
type SchemaUseCase struct {
	schemaRepo    repository.SchemaRepository
	tileRepo      repository.TileRepository
	materializer  *MaterializeUseCase
	engine        geometry.Engine
	logger        *zap.Logger
	tiling        config.TilingConfig
	backfillBatch int
}

func NewSchemaUseCase(
	schemaRepo repository.SchemaRepository,
	tileRepo repository.TileRepository,
	materializer *MaterializeUseCase,
	engine geometry.Engine,
	logger *zap.Logger,
	tiling config.TilingConfig,
	backfillBatch int,
) *SchemaUseCase {
	if backfillBatch == 0 {
		backfillBatch = 500
	}
	return &SchemaUseCase{
		schemaRepo:    schemaRepo,
		tileRepo:      tileRepo,
		materializer:  materializer,
		engine:        engine,
		logger:        logger,
		tiling:        tiling,
		backfillBatch: backfillBatch,
	}
}

// Ensure is idempotent and safe to run on every process start. With
// includeTileTables it additionally truncates and repopulates every dataset's
// tile table; that half is a maintenance operation, never run on the request
// path. When the column check passes for a dataset and includeTileTables is
// false, the call performs zero writes for it.
func (uc *SchemaUseCase) Ensure(ctx context.Context, includeTileTables bool) (*domain.EnsureReport, error) {
	report := &domain.EnsureReport{
		RunID:             uuid.NewString(),
		IncludeTileTables: includeTileTables,
	}
	start := time.Now()

	uc.logger.Info("Ensure started",
		zap.String("run_id", report.RunID),
		zap.Bool("include_tile_tables", includeTileTables))

	if err := uc.schemaRepo.EnsureCapabilities(ctx); err != nil {
		return nil, err
	}

	// SchemaState is rebuilt from the catalog here, per run.
	state := domain.SchemaState{Columns: make(map[string]domain.ColumnState)}
	for _, name := range domain.DatasetNames() {
		schema := domain.Datasets[name]
		columnState, err := uc.schemaRepo.ColumnState(ctx, schema)
		if err != nil {
			return nil, err
		}
		state.Columns[name] = *columnState
	}

	for _, name := range domain.DatasetNames() {
		schema := domain.Datasets[name]
		dsStart := time.Now()
		ds := domain.DatasetReport{Dataset: name}

		if !state.Columns[name].Complete() {
			uc.logger.Info("Rebuilding derived columns",
				zap.String("run_id", report.RunID),
				zap.String("dataset", name),
				zap.Int64("rows", state.Columns[name].RowCount))
			if err := uc.rebuildBaseTable(ctx, schema); err != nil {
				return nil, err
			}
			ds.ColumnsRebuilt = true
		}

		if includeTileTables {
			fragments, err := uc.rebuildTileTable(ctx, schema)
			if err != nil {
				return nil, err
			}
			ds.Fragments = fragments
		}

		ds.Duration = time.Since(dsStart)
		report.Datasets = append(report.Datasets, ds)
	}

	report.Duration = time.Since(start)
	uc.logger.Info("Ensure finished",
		zap.String("run_id", report.RunID),
		zap.Duration("duration", report.Duration))

	return report, nil
}

// rebuildBaseTable builds a shadow copy with the two derived columns, backfills
// them through the geometry engine and the quadkey codec, copies catalog
// artifacts, then atomically swaps. A failure before the swap leaves the
// original untouched.
func (uc *SchemaUseCase) rebuildBaseTable(ctx context.Context, schema domain.DatasetSchema) error {
	shadow, err := uc.schemaRepo.CreateShadowTable(ctx, schema)
	if err != nil {
		return err
	}

	err = uc.schemaRepo.ShadowGeometries(ctx, shadow, schema, uc.backfillBatch,
		func(rows []repository.RawGeometry) error {
			values := make([]repository.DerivedValues, 0, len(rows))
			for _, row := range rows {
				g, err := geojson.UnmarshalGeometry(row.GeoJSON)
				if err != nil {
					uc.logger.Warn("Skipping row with unparseable geometry",
						zap.String("table", schema.Table),
						zap.Int64("id", row.ID),
						zap.Error(err))
					continue
				}

				projected := uc.engine.Project(g.Geometry())
				raw, err := geojson.NewGeometry(projected).MarshalJSON()
				if err != nil {
					return err
				}

				values = append(values, repository.DerivedValues{
					ID:               row.ID,
					ProjectedGeoJSON: raw,
					Prefix: quadkey.Prefix(row.CentroidLon, row.CentroidLat,
						uc.tiling.QuadkeyZoom, uc.tiling.PrefixLength),
				})
			}
			return uc.schemaRepo.UpdateDerivedValues(ctx, shadow, schema, values)
		})
	if err != nil {
		return err
	}

	if err := uc.schemaRepo.CopyTableArtifacts(ctx, schema.Table, shadow); err != nil {
		return err
	}
	if err := uc.schemaRepo.SwapTables(ctx, schema.Table, shadow); err != nil {
		return err
	}
	return uc.schemaRepo.Analyze(ctx, schema.Table)
}

// rebuildTileTable ensures the partitioned table and fully repopulates it.
// A crash mid-repopulation leaves it partially filled; operators re-run the
// maintenance command rather than trusting the column check to notice.
func (uc *SchemaUseCase) rebuildTileTable(ctx context.Context, schema domain.DatasetSchema) (int64, error) {
	if err := uc.schemaRepo.EnsureTileTable(ctx, schema); err != nil {
		return 0, err
	}
	if err := uc.schemaRepo.TruncateTileTable(ctx, schema); err != nil {
		return 0, err
	}

	fragments, err := uc.materializer.MaterializeDataset(ctx, schema)
	if err != nil {
		return fragments, err
	}

	if err := uc.schemaRepo.RebuildTileIndexes(ctx, schema); err != nil {
		return fragments, err
	}
	if err := uc.schemaRepo.Analyze(ctx, schema.TileTable()); err != nil {
		return fragments, err
	}
	return fragments, nil
}

// TuneSession forwards bulk session tuning for the maintenance entry point.
func (uc *SchemaUseCase) TuneSession(ctx context.Context, rebuild config.RebuildConfig) error {
	return uc.schemaRepo.TuneSession(ctx, rebuild.WorkMem, rebuild.MaxParallelWorkers)
}
