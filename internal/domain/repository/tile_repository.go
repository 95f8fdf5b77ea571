package repository

import (
	"context"

	"github.com/tile-engine/internal/domain"
)

// TileRepository reads base feature rows and reads/writes precomputed
// fragments. All fragment rows for a dataset live in the four list partitions
// of the dataset's tile table.
type TileRepository interface {
	// SourceRows streams the base rows with non-null geometry for
	// materialization, in batches, in primary-key order. Keyset pagination
	// over id keeps rows sharing a dedup key adjacent within a run.
	SourceRows(ctx context.Context, schema domain.DatasetSchema, batchSize int,
		fn func(rows []domain.SourceRow) error) error

	// InsertFragments appends one batch of fragments to the tile table.
	InsertFragments(ctx context.Context, schema domain.DatasetSchema,
		fragments []domain.TileFragment) error

	// FragmentsForTile selects fragments matching the partition, the coarse
	// prefix filter, the zoom band, and the tile envelope bbox.
	FragmentsForTile(ctx context.Context, schema domain.DatasetSchema,
		q domain.FragmentQuery) ([]domain.TileFragment, error)

	// RenderBaseTile renders an MVT payload directly from the base table,
	// bypassing the partition scheme. Used by ad-hoc filtered requests the
	// precomputed tables cannot answer; slower, no cross-request batching.
	RenderBaseTile(ctx context.Context, schema domain.DatasetSchema,
		z, x, y int, filter domain.TileFilter) ([]byte, error)

	// FragmentCount reports rows in the dataset's tile table.
	FragmentCount(ctx context.Context, schema domain.DatasetSchema) (int64, error)
}
