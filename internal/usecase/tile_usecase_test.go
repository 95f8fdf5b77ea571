package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tile-engine/internal/config"
	"github.com/tile-engine/internal/domain"
	"github.com/tile-engine/internal/geometry"
	apperrors "github.com/tile-engine/internal/pkg/errors"
	"github.com/tile-engine/internal/quadkey"
	"github.com/tile-engine/internal/usecase"
)

// MockCacheRepository is a mock of CacheRepository
type MockCacheRepository struct {
	mock.Mock
}

func (m *MockCacheRepository) Get(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockCacheRepository) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	args := m.Called(ctx, key, value, ttl)
	return args.Error(0)
}

func (m *MockCacheRepository) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockCacheRepository) GetTile(ctx context.Context, dataset string, z, x, y int) ([]byte, error) {
	args := m.Called(ctx, dataset, z, x, y)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockCacheRepository) SetTile(ctx context.Context, dataset string, z, x, y int, data []byte, ttl time.Duration) error {
	args := m.Called(ctx, dataset, z, x, y, data, ttl)
	return args.Error(0)
}

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		TileCacheTTL:     24 * time.Hour,
		CacheZoomMax:     12,
		FilteredCacheTTL: 5 * time.Minute,
	}
}

func newTileUseCase(tileRepo *MockTileRepository, cacheRepo *MockCacheRepository) *usecase.TileUseCase {
	return usecase.NewTileUseCase(tileRepo, cacheRepo, geometry.NewOrbEngine(),
		zap.NewNop(), testTilingConfig(), testCacheConfig())
}

// torontoCoord returns the tile containing downtown Toronto at zoom.
func torontoCoord(z int) domain.TileCoordinate {
	tile := maptile.At(orb.Point{-79.3832, 43.6532}, maptile.Zoom(z))
	return domain.TileCoordinate{Z: z, X: int(tile.X), Y: int(tile.Y)}
}

func torontoFragment(z int) domain.TileFragment {
	band := domain.ZoomBand{MinZoom: 0, MaxZoom: 11}
	if z > 11 {
		band = domain.ZoomBand{MinZoom: 12, MaxZoom: 18}
	}
	return domain.TileFragment{
		Dataset:         "parking_tickets",
		FeatureKey:      "KING ST W",
		Band:            band,
		Partition:       "0",
		Prefix:          "030213",
		Geometry:        orb.Point{-79.3832, 43.6532},
		TicketCount:     3,
		TotalFineAmount: 45,
		Label:           "KING ST W",
	}
}

func TestFetchBatch_Validation(t *testing.T) {
	uc := newTileUseCase(&MockTileRepository{}, &MockCacheRepository{})
	ctx := context.Background()

	t.Run("unknown dataset", func(t *testing.T) {
		_, err := uc.FetchBatch(ctx, "bike_lanes", []domain.TileCoordinate{torontoCoord(10)})
		assert.ErrorIs(t, err, apperrors.ErrUnknownDataset)
	})

	t.Run("batch too large", func(t *testing.T) {
		coords := make([]domain.TileCoordinate, 65)
		for i := range coords {
			coords[i] = torontoCoord(10)
		}
		_, err := uc.FetchBatch(ctx, "parking_tickets", coords)
		assert.ErrorIs(t, err, apperrors.ErrBatchTooLarge)
	})

	t.Run("invalid coordinate", func(t *testing.T) {
		for _, c := range []domain.TileCoordinate{
			{Z: -1, X: 0, Y: 0},
			{Z: 19, X: 0, Y: 0},
			{Z: 2, X: 4, Y: 0},
			{Z: 2, X: 0, Y: -1},
		} {
			_, err := uc.FetchBatch(ctx, "parking_tickets", []domain.TileCoordinate{c})
			assert.ErrorIs(t, err, apperrors.ErrInvalidTileCoordinates, "coord %+v", c)
		}
	})

	t.Run("empty batch", func(t *testing.T) {
		results, err := uc.FetchBatch(ctx, "parking_tickets", nil)
		assert.NoError(t, err)
		assert.Nil(t, results)
	})
}

func TestFetchBatch_CacheHitSkipsDatabase(t *testing.T) {
	tileRepo := &MockTileRepository{}
	cacheRepo := &MockCacheRepository{}
	uc := newTileUseCase(tileRepo, cacheRepo)
	ctx := context.Background()

	c := torontoCoord(10)
	cached := []byte("cached-tile-payload")
	cacheRepo.On("GetTile", ctx, "parking_tickets", c.Z, c.X, c.Y).Return(cached, nil)

	results, err := uc.FetchBatch(ctx, "parking_tickets", []domain.TileCoordinate{c})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, cached, results[0])

	tileRepo.AssertNotCalled(t, "FragmentsForTile", mock.Anything, mock.Anything, mock.Anything)
}

func TestFetchBatch_EmptyTileIsNilNotError(t *testing.T) {
	tileRepo := &MockTileRepository{}
	cacheRepo := &MockCacheRepository{}
	uc := newTileUseCase(tileRepo, cacheRepo)
	ctx := context.Background()

	c := torontoCoord(10)
	cacheRepo.On("GetTile", ctx, "parking_tickets", c.Z, c.X, c.Y).Return(nil, nil)
	tileRepo.On("FragmentsForTile", ctx, mock.Anything, mock.Anything).
		Return([]domain.TileFragment{}, nil)

	results, err := uc.FetchBatch(ctx, "parking_tickets", []domain.TileCoordinate{c})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Nil(t, results[0])

	// Nothing to cache for an empty tile.
	cacheRepo.AssertNotCalled(t, "SetTile",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestFetchBatch_CacheErrorDegradesToDirectRender(t *testing.T) {
	tileRepo := &MockTileRepository{}
	cacheRepo := &MockCacheRepository{}
	uc := newTileUseCase(tileRepo, cacheRepo)
	ctx := context.Background()

	c := torontoCoord(10)
	cacheRepo.On("GetTile", ctx, "parking_tickets", c.Z, c.X, c.Y).
		Return(nil, errors.New("redis down"))
	tileRepo.On("FragmentsForTile", ctx, mock.Anything, mock.Anything).
		Return([]domain.TileFragment{torontoFragment(c.Z)}, nil)
	cacheRepo.On("SetTile", ctx, "parking_tickets", c.Z, c.X, c.Y, mock.Anything, 24*time.Hour).
		Return(errors.New("redis still down"))

	// Both cache failures are swallowed; the tile is still served.
	results, err := uc.FetchBatch(ctx, "parking_tickets", []domain.TileCoordinate{c})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NotEmpty(t, results[0])
}

func TestFetchBatch_RendersAndCachesLowZoom(t *testing.T) {
	tileRepo := &MockTileRepository{}
	cacheRepo := &MockCacheRepository{}
	uc := newTileUseCase(tileRepo, cacheRepo)
	ctx := context.Background()

	c := torontoCoord(4)
	cacheRepo.On("GetTile", ctx, "parking_tickets", c.Z, c.X, c.Y).Return(nil, nil)

	var q domain.FragmentQuery
	tileRepo.On("FragmentsForTile", ctx, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			q = args.Get(2).(domain.FragmentQuery)
		}).
		Return([]domain.TileFragment{torontoFragment(c.Z)}, nil)
	cacheRepo.On("SetTile", ctx, "parking_tickets", c.Z, c.X, c.Y, mock.Anything, 24*time.Hour).
		Return(nil)

	results, err := uc.FetchBatch(ctx, "parking_tickets", []domain.TileCoordinate{c})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NotEmpty(t, results[0])

	// The query filters derive from one fixed-zoom quadkey of the tile
	// centroid: partition is its leading digit, the coarse prefix its
	// request-zoom truncation.
	tile := maptile.New(uint32(c.X), uint32(c.Y), maptile.Zoom(c.Z))
	center := tile.Bound().Center()
	want := quadkey.Prefix(center[0], center[1], 14, 6)
	assert.Equal(t, want[:1], q.Partition)
	assert.Len(t, q.CoarsePrefix, 4)
	assert.Equal(t, want[:4], q.CoarsePrefix)

	cacheRepo.AssertExpectations(t)
}

func TestFetchBatch_HighZoomSkipsCache(t *testing.T) {
	tileRepo := &MockTileRepository{}
	cacheRepo := &MockCacheRepository{}
	uc := newTileUseCase(tileRepo, cacheRepo)
	ctx := context.Background()

	c := torontoCoord(15)
	tileRepo.On("FragmentsForTile", ctx, mock.Anything, mock.Anything).
		Return([]domain.TileFragment{torontoFragment(c.Z)}, nil)

	results, err := uc.FetchBatch(ctx, "parking_tickets", []domain.TileCoordinate{c})
	require.NoError(t, err)
	assert.NotEmpty(t, results[0])

	cacheRepo.AssertNotCalled(t, "GetTile",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	cacheRepo.AssertNotCalled(t, "SetTile",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestFetchBatch_ResultsAlignWithInput(t *testing.T) {
	tileRepo := &MockTileRepository{}
	cacheRepo := &MockCacheRepository{}
	uc := newTileUseCase(tileRepo, cacheRepo)
	ctx := context.Background()

	occupied := torontoCoord(14)
	// A tile on the other side of the world stays empty.
	empty := domain.TileCoordinate{Z: 14, X: 100, Y: 100}

	tileRepo.On("FragmentsForTile", ctx, mock.Anything, mock.MatchedBy(func(q domain.FragmentQuery) bool {
		return q.X == occupied.X && q.Y == occupied.Y
	})).Return([]domain.TileFragment{torontoFragment(14)}, nil)
	tileRepo.On("FragmentsForTile", ctx, mock.Anything, mock.MatchedBy(func(q domain.FragmentQuery) bool {
		return q.X == empty.X && q.Y == empty.Y
	})).Return([]domain.TileFragment{}, nil)

	results, err := uc.FetchBatch(ctx, "parking_tickets",
		[]domain.TileCoordinate{empty, occupied, empty})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Nil(t, results[0])
	assert.NotEmpty(t, results[1])
	assert.Nil(t, results[2])
}

func TestFetchBatch_RepositoryErrorPropagates(t *testing.T) {
	tileRepo := &MockTileRepository{}
	cacheRepo := &MockCacheRepository{}
	uc := newTileUseCase(tileRepo, cacheRepo)
	ctx := context.Background()

	c := torontoCoord(15)
	tileRepo.On("FragmentsForTile", ctx, mock.Anything, mock.Anything).
		Return(nil, errors.New("connection refused"))

	_, err := uc.FetchBatch(ctx, "parking_tickets", []domain.TileCoordinate{c})
	assert.Error(t, err)
}

func TestFetchFiltered(t *testing.T) {
	ctx := context.Background()
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)

	t.Run("rejects inverted date range", func(t *testing.T) {
		uc := newTileUseCase(&MockTileRepository{}, &MockCacheRepository{})
		_, err := uc.FetchFiltered(ctx, "parking_tickets", torontoCoord(12),
			domain.TileFilter{From: to, To: from})
		assert.ErrorIs(t, err, apperrors.ErrInvalidDateRange)
	})

	t.Run("unknown dataset", func(t *testing.T) {
		uc := newTileUseCase(&MockTileRepository{}, &MockCacheRepository{})
		_, err := uc.FetchFiltered(ctx, "nope", torontoCoord(12), domain.TileFilter{})
		assert.ErrorIs(t, err, apperrors.ErrUnknownDataset)
	})

	t.Run("cache hit", func(t *testing.T) {
		tileRepo := &MockTileRepository{}
		cacheRepo := &MockCacheRepository{}
		uc := newTileUseCase(tileRepo, cacheRepo)

		cached := []byte("filtered-payload")
		cacheRepo.On("Get", ctx, mock.Anything).Return(cached, nil)

		result, err := uc.FetchFiltered(ctx, "parking_tickets", torontoCoord(12),
			domain.TileFilter{From: from, To: to})
		require.NoError(t, err)
		assert.Equal(t, cached, result)
		tileRepo.AssertNotCalled(t, "RenderBaseTile",
			mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("renders and caches on miss", func(t *testing.T) {
		tileRepo := &MockTileRepository{}
		cacheRepo := &MockCacheRepository{}
		uc := newTileUseCase(tileRepo, cacheRepo)

		c := torontoCoord(12)
		payload := []byte("rendered-mvt")
		cacheRepo.On("Get", ctx, mock.Anything).Return(nil, nil)
		tileRepo.On("RenderBaseTile", ctx, mock.Anything, c.Z, c.X, c.Y,
			domain.TileFilter{From: from, To: to}).Return(payload, nil)
		cacheRepo.On("Set", ctx, mock.Anything, payload, 5*time.Minute).Return(nil)

		result, err := uc.FetchFiltered(ctx, "parking_tickets", c,
			domain.TileFilter{From: from, To: to})
		require.NoError(t, err)
		assert.Equal(t, payload, result)
		cacheRepo.AssertExpectations(t)
	})
}

func TestStats(t *testing.T) {
	tileRepo := &MockTileRepository{}
	uc := newTileUseCase(tileRepo, &MockCacheRepository{})
	ctx := context.Background()

	for name, schema := range domain.Datasets {
		_ = name
		tileRepo.On("FragmentCount", ctx, schema).Return(int64(42), nil)
	}

	stats, err := uc.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, len(domain.Datasets))
	for _, n := range stats {
		assert.Equal(t, int64(42), n)
	}
}
