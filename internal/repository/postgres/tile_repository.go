package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/tile-engine/internal/domain"
	"github.com/tile-engine/internal/domain/repository"
	"github.com/tile-engine/internal/pkg/errors"
)

type tileRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewTileRepository creates the fragment read/write TileRepository
func NewTileRepository(db *DB) repository.TileRepository {
	return &tileRepository{
		db:     db.DB,
		logger: db.logger,
	}
}

// SourceRows streams base rows with non-null geometry in id order. Geometry
// comes over as GeoJSON so the caller stays free of the spatial dialect.
func (r *tileRepository) SourceRows(ctx context.Context, schema domain.DatasetSchema, batchSize int,
	fn func(rows []domain.SourceRow) error) error {

	dedupExpr := "''"
	if schema.DedupColumn != "" {
		dedupExpr = fmt.Sprintf("COALESCE(%s::text, '')", pq.QuoteIdentifier(schema.DedupColumn))
	}
	fineExpr := "0"
	if schema.FineColumn != "" {
		fineExpr = fmt.Sprintf("COALESCE(%s, 0)", pq.QuoteIdentifier(schema.FineColumn))
	}

	query := fmt.Sprintf(`
		SELECT %s,
		       %s,
		       ST_AsGeoJSON(%s),
		       %s,
		       COALESCE(%s::text, ''),
		       COALESCE(%s::text, ''),
		       %s
		FROM %s
		WHERE %s IS NOT NULL AND %s > $1
		ORDER BY %s
		LIMIT $2`,
		pq.QuoteIdentifier(schema.IDColumn),
		dedupExpr,
		pq.QuoteIdentifier(schema.GeometryColumn),
		fineExpr,
		pq.QuoteIdentifier(schema.LabelColumn),
		pq.QuoteIdentifier(schema.StatusColumn),
		pq.QuoteIdentifier(schema.TimestampColumn),
		pq.QuoteIdentifier(schema.Table),
		pq.QuoteIdentifier(schema.GeometryColumn),
		pq.QuoteIdentifier(schema.IDColumn),
		pq.QuoteIdentifier(schema.IDColumn),
	)

	var lastID int64 = -1
	for {
		rows, err := r.db.QueryContext(ctx, query, lastID, batchSize)
		if err != nil {
			r.logger.Error("Failed to stream source rows",
				zap.String("table", schema.Table), zap.Error(err))
			return errors.ErrDatabaseError
		}

		batch := make([]domain.SourceRow, 0, batchSize)
		for rows.Next() {
			var row domain.SourceRow
			var rawGeom []byte
			var occurredAt sql.NullTime

			if err := rows.Scan(&row.ID, &row.DedupKey, &rawGeom,
				&row.FineAmount, &row.Label, &row.Status, &occurredAt); err != nil {
				rows.Close()
				r.logger.Error("Failed to scan source row", zap.Error(err))
				return errors.ErrDatabaseError
			}
			if occurredAt.Valid {
				row.OccurredAt = occurredAt.Time
			}

			g, err := geojson.UnmarshalGeometry(rawGeom)
			if err != nil {
				r.logger.Warn("Skipping row with unparseable geometry",
					zap.Int64("id", row.ID), zap.Error(err))
				continue
			}
			row.Geometry = g.Geometry()
			batch = append(batch, row)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			r.logger.Error("Error iterating source rows", zap.Error(err))
			return errors.ErrDatabaseError
		}
		rows.Close()

		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		lastID = batch[len(batch)-1].ID
	}
}

// InsertFragments appends one batch via a multi-row VALUES insert. Fragment
// geometry arrives as WGS84 GeoJSON and is transformed to the stored SRID.
func (r *tileRepository) InsertFragments(ctx context.Context, schema domain.DatasetSchema,
	fragments []domain.TileFragment) error {

	if len(fragments) == 0 {
		return nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `INSERT INTO %s
		(dataset, feature_key, min_zoom, max_zoom, partition_key, quadkey_prefix,
		 geom, ticket_count, total_fine_amount, label, status) VALUES `,
		pq.QuoteIdentifier(schema.TileTable()))

	args := make([]interface{}, 0, len(fragments)*11)
	for i, f := range fragments {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 11
		fmt.Fprintf(&sb,
			"($%d, $%d, $%d, $%d, $%d, $%d, ST_Transform(ST_SetSRID(ST_GeomFromGeoJSON($%d), 4326), 3857), $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11)

		raw, err := geojson.NewGeometry(f.Geometry).MarshalJSON()
		if err != nil {
			r.logger.Error("Failed to marshal fragment geometry",
				zap.String("feature_key", f.FeatureKey), zap.Error(err))
			return errors.ErrDatabaseError
		}

		args = append(args,
			f.Dataset, f.FeatureKey, f.Band.MinZoom, f.Band.MaxZoom,
			f.Partition, f.Prefix, string(raw),
			f.TicketCount, f.TotalFineAmount, f.Label, f.Status)
	}

	if _, err := r.db.ExecContext(ctx, sb.String(), args...); err != nil {
		r.logger.Error("Failed to insert fragments",
			zap.String("table", schema.TileTable()),
			zap.Int("batch", len(fragments)),
			zap.Error(err))
		return errors.ErrDatabaseError
	}
	return nil
}

// FragmentsForTile selects candidates for one tile: partition equality routes
// to a single child, the prefix LIKE filter prunes within it, the zoom band
// must contain z and the geometry must intersect the tile envelope.
func (r *tileRepository) FragmentsForTile(ctx context.Context, schema domain.DatasetSchema,
	q domain.FragmentQuery) ([]domain.TileFragment, error) {

	query := fmt.Sprintf(`
		SELECT feature_key, min_zoom, max_zoom, partition_key, quadkey_prefix,
		       ticket_count, total_fine_amount, COALESCE(label, ''), COALESCE(status, ''),
		       ST_AsGeoJSON(ST_Transform(geom, 4326))
		FROM %s
		WHERE partition_key = $1
		  AND quadkey_prefix LIKE $2 || '%%'
		  AND min_zoom <= $3 AND max_zoom >= $3
		  AND geom && ST_TileEnvelope($3, $4, $5)`,
		pq.QuoteIdentifier(schema.TileTable()))

	rows, err := r.db.QueryContext(ctx, query,
		q.Partition, q.CoarsePrefix, q.Z, q.X, q.Y)
	if err != nil {
		r.logger.Error("Failed to query tile fragments",
			zap.String("dataset", schema.Name),
			zap.Int("z", q.Z), zap.Int("x", q.X), zap.Int("y", q.Y),
			zap.Error(err))
		return nil, errors.ErrDatabaseError
	}
	defer rows.Close()

	var fragments []domain.TileFragment
	for rows.Next() {
		var f domain.TileFragment
		var rawGeom []byte

		if err := rows.Scan(&f.FeatureKey, &f.Band.MinZoom, &f.Band.MaxZoom,
			&f.Partition, &f.Prefix, &f.TicketCount, &f.TotalFineAmount,
			&f.Label, &f.Status, &rawGeom); err != nil {
			r.logger.Error("Failed to scan fragment", zap.Error(err))
			continue
		}
		f.Dataset = schema.Name

		g, err := geojson.UnmarshalGeometry(rawGeom)
		if err != nil {
			r.logger.Warn("Skipping fragment with unparseable geometry",
				zap.String("feature_key", f.FeatureKey), zap.Error(err))
			continue
		}
		f.Geometry = g.Geometry()
		fragments = append(fragments, f)
	}

	if err := rows.Err(); err != nil {
		r.logger.Error("Error iterating fragments", zap.Error(err))
		return nil, errors.ErrDatabaseError
	}

	return fragments, nil
}

// RenderBaseTile renders directly from the base table with ST_AsMVT. This is
// the flexible path for filters the precomputed tables cannot answer; it skips
// the partition scheme entirely and costs more per request.
func (r *tileRepository) RenderBaseTile(ctx context.Context, schema domain.DatasetSchema,
	z, x, y int, filter domain.TileFilter) ([]byte, error) {

	fineExpr := "0"
	if schema.FineColumn != "" {
		fineExpr = fmt.Sprintf("COALESCE(%s, 0)", pq.QuoteIdentifier(schema.FineColumn))
	}

	conditions := ""
	args := []interface{}{z, x, y, MVTExtent, MVTBuffer}
	argIdx := 6
	if !filter.From.IsZero() {
		conditions += fmt.Sprintf(" AND %s >= $%d", pq.QuoteIdentifier(schema.TimestampColumn), argIdx)
		args = append(args, filter.From)
		argIdx++
	}
	if !filter.To.IsZero() {
		conditions += fmt.Sprintf(" AND %s <= $%d", pq.QuoteIdentifier(schema.TimestampColumn), argIdx)
		args = append(args, filter.To)
		argIdx++
	}

	query := fmt.Sprintf(`
		WITH bounds AS (
			SELECT ST_TileEnvelope($1, $2, $3) AS geom
		),
		mvt_geom AS (
			SELECT
				%s AS id,
				COALESCE(%s::text, '') AS label,
				COALESCE(%s::text, '') AS status,
				%s AS fine_amount,
				ST_AsMVTGeom(
					%s,
					bounds.geom,
					$4,
					$5,
					true
				) AS geom
			FROM %s, bounds
			WHERE %s && bounds.geom%s
		)
		SELECT ST_AsMVT(mvt_geom.*, '%s') AS tile
		FROM mvt_geom
		WHERE geom IS NOT NULL`,
		pq.QuoteIdentifier(schema.IDColumn),
		pq.QuoteIdentifier(schema.LabelColumn),
		pq.QuoteIdentifier(schema.StatusColumn),
		fineExpr,
		pq.QuoteIdentifier(schema.ProjectedColumn()),
		pq.QuoteIdentifier(schema.Table),
		pq.QuoteIdentifier(schema.ProjectedColumn()),
		conditions,
		schema.Name,
	)

	var tile []byte
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&tile)
	if err == sql.ErrNoRows {
		return []byte{}, nil // empty tile
	}
	if err != nil {
		r.logger.Error("Failed to render base tile",
			zap.String("dataset", schema.Name),
			zap.Int("z", z), zap.Int("x", x), zap.Int("y", y),
			zap.Error(err))
		return nil, errors.ErrDatabaseError
	}

	return tile, nil
}

func (r *tileRepository) FragmentCount(ctx context.Context, schema domain.DatasetSchema) (int64, error) {
	var n int64
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, pq.QuoteIdentifier(schema.TileTable()))
	if err := r.db.GetContext(ctx, &n, q); err != nil {
		r.logger.Error("Failed to count fragments",
			zap.String("table", schema.TileTable()), zap.Error(err))
		return 0, errors.ErrDatabaseError
	}
	return n, nil
}
