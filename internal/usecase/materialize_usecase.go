package usecase

import (
	"context"
	"crypto/md5"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/tile-engine/internal/config"
	"github.com/tile-engine/internal/domain"
	"github.com/tile-engine/internal/domain/repository"
	"github.com/tile-engine/internal/geometry"
	"github.com/tile-engine/internal/pkg/utils"
	"github.com/tile-engine/internal/quadkey"
)

// MaterializeUseCase regenerates a dataset's precomputed tile fragments:
// aggregate source rows over the dedup key, derive a coarse and a fine
// zoom-scoped variant per feature, and write the fragments into the
// partitioned tile table.
type MaterializeUseCase struct {
	tileRepo    repository.TileRepository
	engine      geometry.Engine
	logger      *zap.Logger
	tiling      config.TilingConfig
	insertBatch int
}

func NewMaterializeUseCase(
	tileRepo repository.TileRepository,
	engine geometry.Engine,
	logger *zap.Logger,
	tiling config.TilingConfig,
	insertBatch int,
) *MaterializeUseCase {
	if insertBatch == 0 {
		insertBatch = 500
	}
	return &MaterializeUseCase{
		tileRepo:    tileRepo,
		engine:      engine,
		logger:      logger,
		tiling:      tiling,
		insertBatch: insertBatch,
	}
}

// AggregatedFeature is one displayed feature after dedup-key merging.
type AggregatedFeature struct {
	Key             string
	Geometry        orb.Geometry // WGS84, from the most recent source row
	TicketCount     int
	TotalFineAmount float64
	Label           string
	Status          string
	LastOccurred    time.Time
}

// MaterializeDataset fully regenerates the dataset's fragments. The caller is
// responsible for truncating the tile table first; fragments are append-only.
func (uc *MaterializeUseCase) MaterializeDataset(ctx context.Context, schema domain.DatasetSchema) (int64, error) {
	start := time.Now()

	groups := make(map[string]*AggregatedFeature)
	err := uc.tileRepo.SourceRows(ctx, schema, uc.insertBatch, func(rows []domain.SourceRow) error {
		MergeRows(schema, groups, rows)
		return nil
	})
	if err != nil {
		return 0, err
	}

	var written int64
	batch := make([]domain.TileFragment, 0, uc.insertBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := uc.tileRepo.InsertFragments(ctx, schema, batch); err != nil {
			return err
		}
		written += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	for _, feature := range groups {
		for _, f := range uc.FragmentsFor(schema.Name, feature) {
			batch = append(batch, f)
			if len(batch) >= uc.insertBatch {
				if err := flush(); err != nil {
					return written, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return written, err
	}

	uc.logger.Info("Dataset materialized",
		zap.String("dataset", schema.Name),
		zap.Int("features", len(groups)),
		zap.Int64("fragments", written),
		zap.Duration("duration", time.Since(start)))

	return written, nil
}

// MergeRows folds source rows into the aggregation map: counts and fines are
// summed over the identity key, label/status/geometry come from the most
// recent row.
func MergeRows(schema domain.DatasetSchema, groups map[string]*AggregatedFeature, rows []domain.SourceRow) {
	for _, row := range rows {
		if row.Geometry == nil {
			continue
		}
		key := row.DedupKey
		if key == "" {
			key = FallbackKey(schema.Name, row.ID)
		}

		agg, ok := groups[key]
		if !ok {
			agg = &AggregatedFeature{Key: key}
			groups[key] = agg
		}

		agg.TicketCount++
		agg.TotalFineAmount += row.FineAmount

		if agg.Geometry == nil || !row.OccurredAt.Before(agg.LastOccurred) {
			agg.Geometry = row.Geometry
			agg.Label = row.Label
			agg.Status = row.Status
			agg.LastOccurred = row.OccurredAt
		}
	}
}

// FallbackKey derives a deterministic per-record identity key for rows with
// no shared location identifier.
func FallbackKey(dataset string, id int64) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(fmt.Sprintf("%s:%d", dataset, id))))
}

// ZoomBands returns the coarse/fine split covering [0, max_zoom] with no gap.
func (uc *MaterializeUseCase) ZoomBands() []domain.ZoomBand {
	return []domain.ZoomBand{
		{MinZoom: 0, MaxZoom: uc.tiling.CoarseMaxZoom},
		{MinZoom: uc.tiling.CoarseMaxZoom + 1, MaxZoom: uc.tiling.MaxZoom},
	}
}

// FragmentsFor produces the feature's zoom-scoped fragments. Each fragment's
// prefix is recomputed from its own geometry: subdivision can shift a piece's
// centroid into a different bucket than its parent's.
func (uc *MaterializeUseCase) FragmentsFor(dataset string, feature *AggregatedFeature) []domain.TileFragment {
	if feature.Geometry == nil {
		return nil
	}

	projected := uc.engine.Project(feature.Geometry)

	var fragments []domain.TileFragment
	for _, band := range uc.ZoomBands() {
		tolerance := uc.toleranceFor(band)
		simplified := uc.engine.Simplify(projected, tolerance)
		if simplified == nil {
			continue
		}

		for _, piece := range uc.engine.Subdivide(simplified, uc.tiling.MaxFragmentVertices) {
			wgs := uc.engine.Unproject(piece)
			center := wgs.Bound().Center()
			prefix := quadkey.Prefix(center[0], center[1], uc.tiling.QuadkeyZoom, uc.tiling.PrefixLength)

			fragments = append(fragments, domain.TileFragment{
				Dataset:         dataset,
				FeatureKey:      feature.Key,
				Band:            band,
				Partition:       quadkey.PartitionKey(prefix),
				Prefix:          prefix,
				Geometry:        wgs,
				TicketCount:     feature.TicketCount,
				TotalFineAmount: feature.TotalFineAmount,
				Label:           feature.Label,
				Status:          feature.Status,
			})
		}
	}
	return fragments
}

// toleranceFor picks the simplification tolerance in projected meters: the
// coarse band uses the ground resolution of a low reference zoom, the fine
// band a near-lossless tolerance at max zoom.
func (uc *MaterializeUseCase) toleranceFor(band domain.ZoomBand) float64 {
	if band.MinZoom == 0 {
		return utils.GroundResolution(uc.tiling.CoarseSimplifyZoom)
	}
	return utils.GroundResolution(uc.tiling.MaxZoom)
}
