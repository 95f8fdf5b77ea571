package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/tile-engine/internal/domain"
	"github.com/tile-engine/internal/domain/repository"
	"github.com/tile-engine/internal/geometry"
	"github.com/tile-engine/internal/pkg/errors"
	"github.com/tile-engine/internal/quadkey"
	"github.com/tile-engine/internal/repository/postgres"
	"github.com/tile-engine/internal/repository/postgres/testhelpers"

	"github.com/paulmach/orb/geojson"
)

// SchemaRepositorySuite tests the schema repository against a real PostGIS
// database. The suite skips itself when no test database is reachable.
type SchemaRepositorySuite struct {
	suite.Suite
	testDB *testhelpers.TestDB
	repo   repository.SchemaRepository
	schema domain.DatasetSchema
	ctx    context.Context
}

func (s *SchemaRepositorySuite) SetupSuite() {
	s.testDB = testhelpers.SetupTestDB(s.T())
	db := postgres.NewDBForTest(s.testDB.DB, s.testDB.Logger)
	s.repo = postgres.NewSchemaRepository(db)
	s.schema = domain.Datasets["speed_cameras"]
	s.ctx = context.Background()

	s.resetBaseTable()
}

func (s *SchemaRepositorySuite) TearDownSuite() {
	if s.testDB != nil {
		s.dropTables()
		s.testDB.Close()
	}
}

func (s *SchemaRepositorySuite) dropTables() {
	for _, q := range []string{
		`DROP TABLE IF EXISTS speed_cameras`,
		`DROP TABLE IF EXISTS speed_cameras_rebuild`,
		`DROP TABLE IF EXISTS speed_cameras_old`,
		`DROP TABLE IF EXISTS tile_features_speed_cameras`,
	} {
		_, err := s.testDB.DB.ExecContext(s.ctx, q)
		s.Require().NoError(err)
	}
}

// resetBaseTable rebuilds the base fixture: two rows with geometry, one
// without, ids supplied by the (simulated) ETL.
func (s *SchemaRepositorySuite) resetBaseTable() {
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	s.dropTables()

	_, err := s.testDB.DB.ExecContext(s.ctx, `
		CREATE TABLE speed_cameras (
			id              bigint PRIMARY KEY,
			location_code   text NOT NULL,
			location        text,
			status          text,
			activation_date date,
			geom            geometry(Point, 4326)
		)`)
	s.Require().NoError(err)

	_, err = s.testDB.DB.ExecContext(s.ctx, `
		CREATE INDEX speed_cameras_geom_idx ON speed_cameras USING GIST (geom)`)
	s.Require().NoError(err)

	_, err = s.testDB.DB.ExecContext(s.ctx, `
		INSERT INTO speed_cameras (id, location_code, location, status, activation_date, geom) VALUES
		(1, 'C001', 'King St W', 'active', '2024-01-15', ST_SetSRID(ST_MakePoint(-79.3832, 43.6532), 4326)),
		(2, 'C002', 'Queen St E', 'active', '2024-02-01', ST_SetSRID(ST_MakePoint(-79.3500, 43.6600), 4326)),
		(3, 'C003', 'No geometry yet', 'planned', '2024-03-01', NULL)`)
	s.Require().NoError(err)
}

func (s *SchemaRepositorySuite) TestEnsureCapabilities() {
	s.NoError(s.repo.EnsureCapabilities(s.ctx))
}

// TestShadowRebuildFlow walks the whole derived-column rebuild: inspect,
// shadow, backfill, copy artifacts, swap, re-inspect.
func (s *SchemaRepositorySuite) TestShadowRebuildFlow() {
	s.resetBaseTable()

	state, err := s.repo.ColumnState(s.ctx, s.schema)
	s.Require().NoError(err)
	s.False(state.ProjectedExists)
	s.False(state.PrefixExists)
	s.False(state.Complete())
	s.Equal(int64(3), state.RowCount)
	s.Equal(int64(2), state.RowsWithGeometry)

	shadow, err := s.repo.CreateShadowTable(s.ctx, s.schema)
	s.Require().NoError(err)
	s.Equal("speed_cameras_rebuild", shadow)

	// Backfill the shadow the way the ensure usecase does.
	engine := geometry.NewOrbEngine()
	seen := 0
	err = s.repo.ShadowGeometries(s.ctx, shadow, s.schema, 1, func(rows []repository.RawGeometry) error {
		values := make([]repository.DerivedValues, 0, len(rows))
		for _, row := range rows {
			seen++
			g, err := geojson.UnmarshalGeometry(row.GeoJSON)
			s.Require().NoError(err)

			raw, err := geojson.NewGeometry(engine.Project(g.Geometry())).MarshalJSON()
			s.Require().NoError(err)

			values = append(values, repository.DerivedValues{
				ID:               row.ID,
				ProjectedGeoJSON: raw,
				Prefix:           quadkey.Prefix(row.CentroidLon, row.CentroidLat, 14, 6),
			})
		}
		return s.repo.UpdateDerivedValues(s.ctx, shadow, s.schema, values)
	})
	s.Require().NoError(err)
	s.Equal(2, seen, "the null-geometry row is not streamed")

	s.Require().NoError(s.repo.CopyTableArtifacts(s.ctx, s.schema.Table, shadow))
	s.Require().NoError(s.repo.SwapTables(s.ctx, s.schema.Table, shadow))
	s.Require().NoError(s.repo.Analyze(s.ctx, s.schema.Table))

	// After the swap the derived columns are present and fully populated.
	state, err = s.repo.ColumnState(s.ctx, s.schema)
	s.Require().NoError(err)
	s.True(state.Complete())
	s.Equal(int64(2), state.ProjectedPopulated)
	s.Equal(int64(2), state.PrefixPopulated)

	// The primary key and the spatial index survived the swap under their
	// original names; nothing shadow-derived or _new-suffixed remains.
	var pkName string
	s.Require().NoError(s.testDB.DB.Get(&pkName, `
		SELECT conname FROM pg_constraint
		WHERE conrelid = 'speed_cameras'::regclass AND contype = 'p'`))
	s.Equal("speed_cameras_pkey", pkName)

	var idx int
	s.Require().NoError(s.testDB.DB.Get(&idx, `
		SELECT COUNT(*) FROM pg_indexes
		WHERE tablename = 'speed_cameras' AND indexname = 'speed_cameras_geom_idx'`))
	s.Equal(1, idx)
	s.Equal(0, s.strayIndexCount())

	// Prefixes landed as 6-digit quadkey buckets.
	var prefix string
	s.Require().NoError(s.testDB.DB.Get(&prefix,
		`SELECT quadkey_prefix FROM speed_cameras WHERE id = 1`))
	s.Equal(quadkey.Prefix(-79.3832, 43.6532, 14, 6), prefix)

	// A second rebuild cycle keeps the same names instead of accumulating
	// rebuild-suffixed ones.
	shadow, err = s.repo.CreateShadowTable(s.ctx, s.schema)
	s.Require().NoError(err)
	s.Require().NoError(s.repo.CopyTableArtifacts(s.ctx, s.schema.Table, shadow))
	s.Require().NoError(s.repo.SwapTables(s.ctx, s.schema.Table, shadow))

	s.Require().NoError(s.testDB.DB.Get(&pkName, `
		SELECT conname FROM pg_constraint
		WHERE conrelid = 'speed_cameras'::regclass AND contype = 'p'`))
	s.Equal("speed_cameras_pkey", pkName)
	s.Equal(0, s.strayIndexCount())
}

func (s *SchemaRepositorySuite) strayIndexCount() int {
	var n int
	s.Require().NoError(s.testDB.DB.Get(&n, `
		SELECT COUNT(*) FROM pg_indexes
		WHERE tablename = 'speed_cameras'
		  AND (indexname LIKE '%_rebuild%' OR indexname LIKE '%_new')`))
	return n
}

func (s *SchemaRepositorySuite) TestEnsureTileTable_Idempotent() {
	s.Require().NoError(s.repo.EnsureTileTable(s.ctx, s.schema))
	s.Require().NoError(s.repo.EnsureTileTable(s.ctx, s.schema))

	// Parent plus four list partitions.
	var children int
	s.Require().NoError(s.testDB.DB.Get(&children, `
		SELECT COUNT(*) FROM pg_inherits
		WHERE inhparent = 'tile_features_speed_cameras'::regclass`))
	s.Equal(4, children)

	s.NoError(s.repo.TruncateTileTable(s.ctx, s.schema))
	s.NoError(s.repo.RebuildTileIndexes(s.ctx, s.schema))
}

func (s *SchemaRepositorySuite) TestTuneSession() {
	s.NoError(s.repo.TuneSession(s.ctx, "64MB", 2))

	// SET takes no bind parameters, so malformed values must be rejected
	// before interpolation.
	s.ErrorIs(s.repo.TuneSession(s.ctx, "64MB; DROP TABLE speed_cameras", 2), errors.ErrInvalidRequest)
	s.ErrorIs(s.repo.TuneSession(s.ctx, "64MB", -1), errors.ErrInvalidRequest)
}

// TestTuneSession_SettingsStickToMaintenanceSession runs TuneSession through a
// one-connection pool, the shape the maintenance command and the rebuild worker
// use, and checks the settings hold for later statements on that pool. On a
// multi-connection pool each SET could land on a different connection.
func TestTuneSession_SettingsStickToMaintenanceSession(t *testing.T) {
	testDB := testhelpers.SetupSingleConnTestDB(t)
	defer testDB.Close()

	repo := postgres.NewSchemaRepository(postgres.NewDBForTest(testDB.DB, testDB.Logger))
	ctx := context.Background()

	require.NoError(t, repo.TuneSession(ctx, "61MB", 3))

	var workMem string
	require.NoError(t, testDB.DB.Get(&workMem, `SHOW work_mem`))
	assert.Equal(t, "61MB", workMem)

	var maintenanceMem string
	require.NoError(t, testDB.DB.Get(&maintenanceMem, `SHOW maintenance_work_mem`))
	assert.Equal(t, "61MB", maintenanceMem)

	var workers string
	require.NoError(t, testDB.DB.Get(&workers, `SHOW max_parallel_workers_per_gather`))
	assert.Equal(t, "3", workers)
}

func TestSchemaRepositorySuite(t *testing.T) {
	suite.Run(t, new(SchemaRepositorySuite))
}
