package usecase

import (
	"context"
	"crypto/md5"
	"fmt"
	"sync"

	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"go.uber.org/zap"

	"github.com/tile-engine/internal/config"
	"github.com/tile-engine/internal/domain"
	"github.com/tile-engine/internal/domain/repository"
	"github.com/tile-engine/internal/geometry"
	"github.com/tile-engine/internal/pkg/errors"
	"github.com/tile-engine/internal/quadkey"
)

// tileClipBuffer matches the MVT buffer share of the extent (256/4096), so
// clipped fragments keep enough margin for stroked rendering at tile edges.
const tileClipBuffer = 0.0625

// TileUseCase answers batched tile requests from the precomputed fragment
// tables, with a blob cache in front of the rarely-changing low zooms, and a
// slower direct-render path for filtered ad-hoc requests.
type TileUseCase struct {
	tileRepo  repository.TileRepository
	cacheRepo repository.CacheRepository
	engine    geometry.Engine
	logger    *zap.Logger
	tiling    config.TilingConfig
	cache     config.CacheConfig
}

func NewTileUseCase(
	tileRepo repository.TileRepository,
	cacheRepo repository.CacheRepository,
	engine geometry.Engine,
	logger *zap.Logger,
	tiling config.TilingConfig,
	cache config.CacheConfig,
) *TileUseCase {
	return &TileUseCase{
		tileRepo:  tileRepo,
		cacheRepo: cacheRepo,
		engine:    engine,
		logger:    logger,
		tiling:    tiling,
		cache:     cache,
	}
}

// FetchBatch resolves a batch of tile coordinates for one dataset. Results
// align with the input order; a nil entry means "no features here", which is
// a valid outcome, not an error. Batching is the primary scalability lever:
// prefer one call with many coordinates over many single-coordinate calls.
func (uc *TileUseCase) FetchBatch(ctx context.Context, dataset string, coords []domain.TileCoordinate) ([][]byte, error) {
	schema, ok := domain.Dataset(dataset)
	if !ok {
		return nil, errors.ErrUnknownDataset
	}
	if len(coords) == 0 {
		return nil, nil
	}
	if len(coords) > uc.tiling.MaxBatchCoords {
		return nil, errors.ErrBatchTooLarge
	}
	for _, c := range coords {
		if !c.Valid(uc.tiling.MaxZoom) {
			return nil, errors.ErrInvalidTileCoordinates
		}
	}

	results := make([][]byte, len(coords))
	errs := make([]error, len(coords))

	workers := uc.tiling.FetchWorkers
	if workers > len(coords) {
		workers = len(coords)
	}
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i], errs[i] = uc.fetchOne(ctx, schema, coords[i])
			}
		}()
	}
	for i := range coords {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// fetchOne serves a single coordinate: resolve the partition and prefix
// filters from the envelope centroid at the fixed quadkey zoom, probe the
// cache for low zooms, then render from the fragment table.
func (uc *TileUseCase) fetchOne(ctx context.Context, schema domain.DatasetSchema, c domain.TileCoordinate) ([]byte, error) {
	cacheable := c.Z <= uc.cache.CacheZoomMax

	// Cache failures degrade to direct render; caching is an optimization,
	// not a correctness dependency.
	if cacheable {
		cached, err := uc.cacheRepo.GetTile(ctx, schema.Name, c.Z, c.X, c.Y)
		if err != nil {
			uc.logger.Warn("Tile cache probe failed, rendering directly",
				zap.String("dataset", schema.Name),
				zap.Int("z", c.Z), zap.Int("x", c.X), zap.Int("y", c.Y),
				zap.Error(err))
		} else if cached != nil {
			return cached, nil
		}
	}

	tile := maptile.New(uint32(c.X), uint32(c.Y), maptile.Zoom(c.Z))
	center := tile.Bound().Center()

	// One fixed-zoom quadkey yields both filters: its leading digit selects
	// the partition, and truncated to the request's own zoom it gives the
	// within-partition prefix filter.
	key := quadkey.Encode(center[0], center[1], uc.tiling.QuadkeyZoom)
	prefix := key[:uc.tiling.PrefixLength]

	coarseLen := c.Z
	if coarseLen > uc.tiling.PrefixLength {
		coarseLen = uc.tiling.PrefixLength
	}

	fragments, err := uc.tileRepo.FragmentsForTile(ctx, schema, domain.FragmentQuery{
		Z:            c.Z,
		X:            c.X,
		Y:            c.Y,
		Partition:    quadkey.PartitionKey(prefix),
		CoarsePrefix: key[:coarseLen],
	})
	if err != nil {
		return nil, err
	}
	if len(fragments) == 0 {
		return nil, nil
	}

	payload, err := uc.encodeFragments(schema, tile, fragments)
	if err != nil {
		return nil, err
	}

	if cacheable && len(payload) > 0 {
		if err := uc.cacheRepo.SetTile(ctx, schema.Name, c.Z, c.X, c.Y, payload, uc.cache.TileCacheTTL); err != nil {
			uc.logger.Warn("Failed to cache tile",
				zap.String("dataset", schema.Name),
				zap.Int("z", c.Z), zap.Int("x", c.X), zap.Int("y", c.Y),
				zap.Error(err))
		}
	}

	return payload, nil
}

// encodeFragments clips each fragment to the buffered tile envelope and
// encodes the survivors as one MVT layer named after the dataset.
func (uc *TileUseCase) encodeFragments(schema domain.DatasetSchema, tile maptile.Tile,
	fragments []domain.TileFragment) ([]byte, error) {

	bound := tile.Bound(tileClipBuffer)

	features := make([]*geojson.Feature, 0, len(fragments))
	for _, f := range fragments {
		clipped := uc.engine.Clip(f.Geometry, bound)
		if clipped == nil {
			continue
		}
		feature := geojson.NewFeature(clipped)
		feature.Properties = f.Properties()
		features = append(features, feature)
	}
	if len(features) == 0 {
		return nil, nil
	}

	return uc.engine.EncodeTile(schema.Name, tile, features)
}

// FetchFiltered serves one ad-hoc date-filtered tile from the base table.
// This path skips the partition scheme and is explicitly slower; it exists
// for requests the precomputed fragments cannot answer.
func (uc *TileUseCase) FetchFiltered(ctx context.Context, dataset string,
	c domain.TileCoordinate, filter domain.TileFilter) ([]byte, error) {

	schema, ok := domain.Dataset(dataset)
	if !ok {
		return nil, errors.ErrUnknownDataset
	}
	if !c.Valid(uc.tiling.MaxZoom) {
		return nil, errors.ErrInvalidTileCoordinates
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, errors.ErrInvalidDateRange
	}

	cacheKey := uc.filteredCacheKey(schema.Name, c, filter)
	cached, err := uc.cacheRepo.Get(ctx, cacheKey)
	if err == nil && len(cached) > 0 {
		return cached, nil
	}

	tilePayload, err := uc.tileRepo.RenderBaseTile(ctx, schema, c.Z, c.X, c.Y, filter)
	if err != nil {
		return nil, err
	}

	if len(tilePayload) > 0 {
		if err := uc.cacheRepo.Set(ctx, cacheKey, tilePayload, uc.cache.FilteredCacheTTL); err != nil {
			uc.logger.Warn("Failed to cache filtered tile",
				zap.String("key", cacheKey), zap.Error(err))
		}
	}

	return tilePayload, nil
}

// filteredCacheKey hashes the filter parameters for a stable key.
func (uc *TileUseCase) filteredCacheKey(dataset string, c domain.TileCoordinate, filter domain.TileFilter) string {
	params := fmt.Sprintf("%s|%s", filter.From.Format("2006-01-02"), filter.To.Format("2006-01-02"))
	hash := fmt.Sprintf("%x", md5.Sum([]byte(params)))
	return fmt.Sprintf("tile:%s:filtered:%d:%d:%d:%s", dataset, c.Z, c.X, c.Y, hash)
}

// Stats reports per-dataset fragment counts for the admin surface.
func (uc *TileUseCase) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64, len(domain.Datasets))
	for name, schema := range domain.Datasets {
		n, err := uc.tileRepo.FragmentCount(ctx, schema)
		if err != nil {
			return nil, err
		}
		stats[name] = n
	}
	return stats, nil
}
