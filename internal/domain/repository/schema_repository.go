package repository

import (
	"context"

	"github.com/tile-engine/internal/domain"
)

// RawGeometry is one base row's geometry handed to the codec during a
// derived-column backfill.
type RawGeometry struct {
	ID          int64
	GeoJSON     []byte
	CentroidLon float64
	CentroidLat float64
}

// DerivedValues carries the recomputed derived columns back for one row.
type DerivedValues struct {
	ID               int64
	ProjectedGeoJSON []byte
	Prefix           string
}

// SchemaRepository performs the catalog-level work behind ensure(). Every
// method is independently idempotent.
type SchemaRepository interface {
	// EnsureCapabilities verifies the geometry extension and the tile helper
	// functions are available.
	EnsureCapabilities(ctx context.Context) error

	// ColumnState inspects a base table's derived columns and their data.
	ColumnState(ctx context.Context, schema domain.DatasetSchema) (*domain.ColumnState, error)

	// CreateShadowTable builds the replacement table: all existing columns
	// plus the two derived columns, initially null. Returns the shadow name.
	// The original table is untouched until SwapTables.
	CreateShadowTable(ctx context.Context, schema domain.DatasetSchema) (string, error)

	// ShadowGeometries streams the shadow table's raw geometries in batches
	// for derived-column computation.
	ShadowGeometries(ctx context.Context, shadow string, schema domain.DatasetSchema,
		batchSize int, fn func(rows []RawGeometry) error) error

	// UpdateDerivedValues writes one batch of computed derived columns into
	// the shadow table.
	UpdateDerivedValues(ctx context.Context, shadow string, schema domain.DatasetSchema,
		values []DerivedValues) error

	// CopyTableArtifacts recreates the original's NOT NULL constraints,
	// defaults, primary key and secondary indexes on the shadow table.
	CopyTableArtifacts(ctx context.Context, original, shadow string) error

	// SwapTables atomically substitutes shadow for original: rename old out,
	// rename new in, drop old. This bounds write unavailability to the rename.
	SwapTables(ctx context.Context, original, shadow string) error

	// EnsureTileTable creates the dataset's parent tile table partitioned by
	// list on the partition digit, with four children and per-child spatial
	// indexes.
	EnsureTileTable(ctx context.Context, schema domain.DatasetSchema) error

	// TruncateTileTable empties the tile table before repopulation.
	TruncateTileTable(ctx context.Context, schema domain.DatasetSchema) error

	// RebuildTileIndexes recreates the supporting indexes after repopulation.
	RebuildTileIndexes(ctx context.Context, schema domain.DatasetSchema) error

	// Analyze refreshes planner statistics for a table.
	Analyze(ctx context.Context, table string) error

	// TuneSession raises the session limits for bulk maintenance work.
	TuneSession(ctx context.Context, workMem string, parallelWorkers int) error
}
