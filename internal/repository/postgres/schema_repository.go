package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/tile-engine/internal/domain"
	"github.com/tile-engine/internal/domain/repository"
	"github.com/tile-engine/internal/pkg/errors"
	"github.com/tile-engine/internal/quadkey"
)

type schemaRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewSchemaRepository creates the catalog-level SchemaRepository
func NewSchemaRepository(db *DB) repository.SchemaRepository {
	return &schemaRepository{
		db:     db.DB,
		logger: db.logger,
	}
}

// EnsureCapabilities verifies PostGIS and the tile helper functions are usable.
func (r *schemaRepository) EnsureCapabilities(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS postgis`); err != nil {
		r.logger.Error("Failed to ensure postgis extension", zap.Error(err))
		return errors.ErrDatabaseError
	}

	var version string
	if err := r.db.GetContext(ctx, &version, `SELECT PostGIS_Version()`); err != nil {
		r.logger.Error("PostGIS not available", zap.Error(err))
		return errors.ErrDatabaseError
	}

	// ST_TileEnvelope and ST_AsMVT arrived with PostGIS 3; both serving paths
	// depend on them.
	var probe []byte
	err := r.db.GetContext(ctx, &probe,
		`SELECT ST_AsBinary(ST_TileEnvelope(0, 0, 0))`)
	if err != nil {
		r.logger.Error("Tile helper functions unavailable",
			zap.String("postgis_version", version),
			zap.Error(err))
		return errors.ErrDatabaseError
	}

	r.logger.Debug("Geometry capabilities ensured", zap.String("postgis_version", version))
	return nil
}

// ColumnState inspects the derived columns and how populated they are.
// Population is checked against rows with a non-null source geometry; a column
// left entirely null by an interrupted run fails the check even though it exists.
func (r *schemaRepository) ColumnState(ctx context.Context, schema domain.DatasetSchema) (*domain.ColumnState, error) {
	state := &domain.ColumnState{Table: schema.Table}

	var err error
	state.ProjectedExists, err = r.columnExists(ctx, schema.Table, schema.ProjectedColumn())
	if err != nil {
		return nil, err
	}
	state.PrefixExists, err = r.columnExists(ctx, schema.Table, schema.PrefixColumn())
	if err != nil {
		return nil, err
	}

	counts := fmt.Sprintf(
		`SELECT COUNT(*), COUNT(%s) FROM %s`,
		pq.QuoteIdentifier(schema.GeometryColumn),
		pq.QuoteIdentifier(schema.Table),
	)
	if err := r.db.QueryRowContext(ctx, counts).Scan(&state.RowCount, &state.RowsWithGeometry); err != nil {
		r.logger.Error("Failed to count base rows", zap.String("table", schema.Table), zap.Error(err))
		return nil, errors.ErrDatabaseError
	}

	if state.ProjectedExists {
		state.ProjectedPopulated, err = r.populatedCount(ctx, schema, schema.ProjectedColumn())
		if err != nil {
			return nil, err
		}
	}
	if state.PrefixExists {
		state.PrefixPopulated, err = r.populatedCount(ctx, schema, schema.PrefixColumn())
		if err != nil {
			return nil, err
		}
	}

	return state, nil
}

func (r *schemaRepository) columnExists(ctx context.Context, table, column string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2
		)`, table, column)
	if err != nil {
		r.logger.Error("Failed to check column existence",
			zap.String("table", table),
			zap.String("column", column),
			zap.Error(err))
		return false, errors.ErrDatabaseError
	}
	return exists, nil
}

func (r *schemaRepository) populatedCount(ctx context.Context, schema domain.DatasetSchema, column string) (int64, error) {
	query := fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE %s IS NOT NULL AND %s IS NOT NULL`,
		pq.QuoteIdentifier(schema.Table),
		pq.QuoteIdentifier(schema.GeometryColumn),
		pq.QuoteIdentifier(column),
	)
	var n int64
	if err := r.db.GetContext(ctx, &n, query); err != nil {
		r.logger.Error("Failed to count populated derived column",
			zap.String("table", schema.Table),
			zap.String("column", column),
			zap.Error(err))
		return 0, errors.ErrDatabaseError
	}
	return n, nil
}

// CreateShadowTable builds <table>_rebuild with every original column (minus
// any half-built derived columns from a previous attempt) plus the two derived
// columns, initially null. The original stays untouched until SwapTables.
func (r *schemaRepository) CreateShadowTable(ctx context.Context, schema domain.DatasetSchema) (string, error) {
	shadow := schema.Table + shadowSuffix

	columns, err := r.baseColumns(ctx, schema)
	if err != nil {
		return "", err
	}

	if _, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, pq.QuoteIdentifier(shadow))); err != nil {
		r.logger.Error("Failed to drop stale shadow table", zap.String("table", shadow), zap.Error(err))
		return "", errors.ErrDatabaseError
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pq.QuoteIdentifier(c)
	}

	query := fmt.Sprintf(
		`CREATE TABLE %s AS
		 SELECT %s,
		        NULL::geometry(Geometry, 3857) AS %s,
		        NULL::text AS %s
		 FROM %s`,
		pq.QuoteIdentifier(shadow),
		strings.Join(quoted, ", "),
		pq.QuoteIdentifier(schema.ProjectedColumn()),
		pq.QuoteIdentifier(schema.PrefixColumn()),
		pq.QuoteIdentifier(schema.Table),
	)

	if _, err := r.db.ExecContext(ctx, query); err != nil {
		r.logger.Error("Failed to create shadow table",
			zap.String("table", schema.Table),
			zap.String("shadow", shadow),
			zap.Error(err))
		return "", errors.ErrDatabaseError
	}

	r.logger.Info("Shadow table created",
		zap.String("table", schema.Table),
		zap.String("shadow", shadow))
	return shadow, nil
}

// baseColumns lists the original columns excluding previously derived ones.
func (r *schemaRepository) baseColumns(ctx context.Context, schema domain.DatasetSchema) ([]string, error) {
	var columns []string
	err := r.db.SelectContext(ctx, &columns, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		  AND column_name NOT IN ($2, $3)
		ORDER BY ordinal_position`,
		schema.Table, schema.ProjectedColumn(), schema.PrefixColumn())
	if err != nil {
		r.logger.Error("Failed to list base columns", zap.String("table", schema.Table), zap.Error(err))
		return nil, errors.ErrDatabaseError
	}
	if len(columns) == 0 {
		r.logger.Error("Base table has no columns", zap.String("table", schema.Table))
		return nil, errors.ErrDatabaseError
	}
	return columns, nil
}

// ShadowGeometries streams the shadow table's geometries with keyset
// pagination so the backfill never holds the full table in memory.
func (r *schemaRepository) ShadowGeometries(ctx context.Context, shadow string, schema domain.DatasetSchema,
	batchSize int, fn func(rows []repository.RawGeometry) error) error {

	query := fmt.Sprintf(`
		SELECT %[1]s,
		       ST_AsGeoJSON(%[2]s),
		       ST_X(ST_Centroid(%[2]s)),
		       ST_Y(ST_Centroid(%[2]s))
		FROM %[3]s
		WHERE %[2]s IS NOT NULL AND %[1]s > $1
		ORDER BY %[1]s
		LIMIT $2`,
		pq.QuoteIdentifier(schema.IDColumn),
		pq.QuoteIdentifier(schema.GeometryColumn),
		pq.QuoteIdentifier(shadow),
	)

	var lastID int64 = -1
	for {
		rows, err := r.db.QueryContext(ctx, query, lastID, batchSize)
		if err != nil {
			r.logger.Error("Failed to stream shadow geometries",
				zap.String("shadow", shadow), zap.Error(err))
			return errors.ErrDatabaseError
		}

		batch := make([]repository.RawGeometry, 0, batchSize)
		for rows.Next() {
			var g repository.RawGeometry
			if err := rows.Scan(&g.ID, &g.GeoJSON, &g.CentroidLon, &g.CentroidLat); err != nil {
				rows.Close()
				r.logger.Error("Failed to scan shadow geometry", zap.Error(err))
				return errors.ErrDatabaseError
			}
			batch = append(batch, g)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
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

// UpdateDerivedValues writes one batch of computed columns via unnest arrays.
func (r *schemaRepository) UpdateDerivedValues(ctx context.Context, shadow string, schema domain.DatasetSchema,
	values []repository.DerivedValues) error {

	if len(values) == 0 {
		return nil
	}

	ids := make([]int64, len(values))
	geoms := make([]string, len(values))
	prefixes := make([]string, len(values))
	for i, v := range values {
		ids[i] = v.ID
		geoms[i] = string(v.ProjectedGeoJSON)
		prefixes[i] = v.Prefix
	}

	query := fmt.Sprintf(`
		UPDATE %s AS s
		SET %s = ST_SetSRID(ST_GeomFromGeoJSON(v.geom), 3857),
		    %s = v.prefix
		FROM (
			SELECT unnest($1::bigint[]) AS id,
			       unnest($2::text[])   AS geom,
			       unnest($3::text[])   AS prefix
		) AS v
		WHERE s.%s = v.id`,
		pq.QuoteIdentifier(shadow),
		pq.QuoteIdentifier(schema.ProjectedColumn()),
		pq.QuoteIdentifier(schema.PrefixColumn()),
		pq.QuoteIdentifier(schema.IDColumn),
	)

	if _, err := r.db.ExecContext(ctx, query,
		pq.Array(ids), pq.Array(geoms), pq.Array(prefixes)); err != nil {
		r.logger.Error("Failed to update derived values",
			zap.String("shadow", shadow),
			zap.Int("batch", len(values)),
			zap.Error(err))
		return errors.ErrDatabaseError
	}
	return nil
}

var indexNameRe = regexp.MustCompile(`^CREATE (?:UNIQUE )?INDEX (\S+) ON `)

// CopyTableArtifacts recreates NOT NULL constraints, defaults, the primary key
// and secondary indexes from the catalog onto the shadow table. New indexes
// carry a _new suffix until the swap frees the original names.
func (r *schemaRepository) CopyTableArtifacts(ctx context.Context, original, shadow string) error {
	// Defaults and NOT NULL
	type columnMeta struct {
		Name     string  `db:"column_name"`
		Default  *string `db:"column_default"`
		Nullable string  `db:"is_nullable"`
	}
	var metas []columnMeta
	err := r.db.SelectContext(ctx, &metas, `
		SELECT column_name, column_default, is_nullable
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1`, original)
	if err != nil {
		r.logger.Error("Failed to read column metadata", zap.String("table", original), zap.Error(err))
		return errors.ErrDatabaseError
	}

	for _, m := range metas {
		if m.Default != nil {
			q := fmt.Sprintf(`ALTER TABLE %s ALTER COLUMN %s SET DEFAULT %s`,
				pq.QuoteIdentifier(shadow), pq.QuoteIdentifier(m.Name), *m.Default)
			if _, err := r.db.ExecContext(ctx, q); err != nil {
				r.logger.Error("Failed to copy column default",
					zap.String("column", m.Name), zap.Error(err))
				return errors.ErrDatabaseError
			}
		}
		if m.Nullable == "NO" {
			q := fmt.Sprintf(`ALTER TABLE %s ALTER COLUMN %s SET NOT NULL`,
				pq.QuoteIdentifier(shadow), pq.QuoteIdentifier(m.Name))
			if _, err := r.db.ExecContext(ctx, q); err != nil {
				r.logger.Error("Failed to copy not-null constraint",
					zap.String("column", m.Name), zap.Error(err))
				return errors.ErrDatabaseError
			}
		}
	}

	// Primary key, added under the original constraint name plus the _new
	// suffix so the swap can restore the exact name. An anonymous ADD PRIMARY
	// KEY would mint a shadow-derived index name that outlives the swap.
	var pk struct {
		Name string `db:"conname"`
		Def  string `db:"def"`
	}
	err = r.db.GetContext(ctx, &pk, `
		SELECT conname, pg_get_constraintdef(oid) AS def
		FROM pg_constraint
		WHERE conrelid = $1::regclass AND contype = 'p'`, original)
	if err != nil && err != sql.ErrNoRows {
		r.logger.Error("Failed to read primary key", zap.String("table", original), zap.Error(err))
		return errors.ErrDatabaseError
	}
	if err == nil && pk.Def != "" {
		q := fmt.Sprintf(`ALTER TABLE %s ADD CONSTRAINT %s %s`,
			pq.QuoteIdentifier(shadow), pq.QuoteIdentifier(pk.Name+newIndexSuffix), pk.Def)
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			r.logger.Error("Failed to copy primary key", zap.String("table", original), zap.Error(err))
			return errors.ErrDatabaseError
		}
	}

	// Secondary indexes
	var indexDefs []string
	err = r.db.SelectContext(ctx, &indexDefs, `
		SELECT indexdef FROM pg_indexes
		WHERE schemaname = current_schema() AND tablename = $1
		  AND indexname NOT IN (
			SELECT conname FROM pg_constraint WHERE conrelid = $1::regclass
		  )`, original)
	if err != nil {
		r.logger.Error("Failed to list indexes", zap.String("table", original), zap.Error(err))
		return errors.ErrDatabaseError
	}

	for _, def := range indexDefs {
		m := indexNameRe.FindStringSubmatch(def)
		if m == nil {
			r.logger.Warn("Skipping unparseable index definition", zap.String("indexdef", def))
			continue
		}
		name := m[1]
		rebuilt := strings.Replace(def, " "+name+" ", " "+name+newIndexSuffix+" ", 1)
		rebuilt = replaceIndexTarget(rebuilt, original, shadow)
		if _, err := r.db.ExecContext(ctx, rebuilt); err != nil {
			r.logger.Error("Failed to copy index",
				zap.String("index", name), zap.Error(err))
			return errors.ErrDatabaseError
		}
	}

	return nil
}

// replaceIndexTarget swaps the table the index definition targets, handling
// both schema-qualified and bare names.
func replaceIndexTarget(def, original, shadow string) string {
	for _, from := range []string{
		" ON public." + original + " ",
		" ON " + original + " ",
	} {
		if strings.Contains(def, from) {
			return strings.Replace(def, from, " ON "+shadow+" ", 1)
		}
	}
	return def
}

// SwapTables substitutes the shadow for the original in one transaction. A
// failure before the commit leaves the original fully intact.
func (r *schemaRepository) SwapTables(ctx context.Context, original, shadow string) error {
	retired := original + retiredSuffix

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.ErrDatabaseError
	}
	defer tx.Rollback()

	steps := []string{
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, pq.QuoteIdentifier(retired)),
		fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`, pq.QuoteIdentifier(original), pq.QuoteIdentifier(retired)),
		fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`, pq.QuoteIdentifier(shadow), pq.QuoteIdentifier(original)),
		fmt.Sprintf(`DROP TABLE %s`, pq.QuoteIdentifier(retired)),
	}
	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step); err != nil {
			r.logger.Error("Table swap failed",
				zap.String("table", original),
				zap.String("step", step),
				zap.Error(err))
			return errors.ErrDatabaseError
		}
	}

	// Dropping the old table freed the original constraint and index names.
	// Renaming a constraint renames its backing index with it, so the primary
	// key never appears in the index pass below.
	var constraints []string
	if err := tx.SelectContext(ctx, &constraints, `
		SELECT conname FROM pg_constraint
		WHERE conrelid = $1::regclass AND conname LIKE '%'||$2`,
		original, newIndexSuffix); err != nil {
		return errors.ErrDatabaseError
	}
	for _, name := range constraints {
		q := fmt.Sprintf(`ALTER TABLE %s RENAME CONSTRAINT %s TO %s`,
			pq.QuoteIdentifier(original),
			pq.QuoteIdentifier(name),
			pq.QuoteIdentifier(strings.TrimSuffix(name, newIndexSuffix)))
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return errors.ErrDatabaseError
		}
	}

	var suffixed []string
	if err := tx.SelectContext(ctx, &suffixed, `
		SELECT indexname FROM pg_indexes
		WHERE schemaname = current_schema() AND tablename = $1 AND indexname LIKE '%'||$2`,
		original, newIndexSuffix); err != nil {
		return errors.ErrDatabaseError
	}
	for _, name := range suffixed {
		q := fmt.Sprintf(`ALTER INDEX %s RENAME TO %s`,
			pq.QuoteIdentifier(name),
			pq.QuoteIdentifier(strings.TrimSuffix(name, newIndexSuffix)))
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return errors.ErrDatabaseError
		}
	}

	if err := tx.Commit(); err != nil {
		r.logger.Error("Failed to commit table swap", zap.String("table", original), zap.Error(err))
		return errors.ErrDatabaseError
	}

	r.logger.Info("Base table swapped", zap.String("table", original))
	return nil
}

// EnsureTileTable creates the partitioned tile table with its four children.
func (r *schemaRepository) EnsureTileTable(ctx context.Context, schema domain.DatasetSchema) error {
	parent := schema.TileTable()

	create := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id                bigserial,
			dataset           text NOT NULL,
			feature_key       text NOT NULL,
			min_zoom          integer NOT NULL,
			max_zoom          integer NOT NULL,
			partition_key     text NOT NULL,
			quadkey_prefix    text NOT NULL,
			geom              geometry(Geometry, 3857) NOT NULL,
			ticket_count      integer NOT NULL DEFAULT 0,
			total_fine_amount double precision NOT NULL DEFAULT 0,
			label             text,
			status            text
		) PARTITION BY LIST (partition_key)`,
		pq.QuoteIdentifier(parent))
	if _, err := r.db.ExecContext(ctx, create); err != nil {
		r.logger.Error("Failed to ensure tile table", zap.String("table", parent), zap.Error(err))
		return errors.ErrDatabaseError
	}

	for _, digit := range quadkey.Digits {
		child := schema.TilePartition(digit)
		q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES IN ('%s')`,
			pq.QuoteIdentifier(child), pq.QuoteIdentifier(parent), digit)
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			r.logger.Error("Failed to ensure tile partition",
				zap.String("partition", child), zap.Error(err))
			return errors.ErrDatabaseError
		}

		idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING GIST (geom)`,
			pq.QuoteIdentifier(child+"_geom_gist"), pq.QuoteIdentifier(child))
		if _, err := r.db.ExecContext(ctx, idx); err != nil {
			r.logger.Error("Failed to ensure partition spatial index",
				zap.String("partition", child), zap.Error(err))
			return errors.ErrDatabaseError
		}
	}

	return nil
}

func (r *schemaRepository) TruncateTileTable(ctx context.Context, schema domain.DatasetSchema) error {
	q := fmt.Sprintf(`TRUNCATE TABLE %s`, pq.QuoteIdentifier(schema.TileTable()))
	if _, err := r.db.ExecContext(ctx, q); err != nil {
		r.logger.Error("Failed to truncate tile table",
			zap.String("table", schema.TileTable()), zap.Error(err))
		return errors.ErrDatabaseError
	}
	return nil
}

// RebuildTileIndexes recreates the lookup and zoom-band indexes on the parent.
func (r *schemaRepository) RebuildTileIndexes(ctx context.Context, schema domain.DatasetSchema) error {
	parent := schema.TileTable()
	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (dataset, partition_key, quadkey_prefix)`,
			pq.QuoteIdentifier(parent+"_lookup"), pq.QuoteIdentifier(parent)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (min_zoom, max_zoom)`,
			pq.QuoteIdentifier(parent+"_zoom"), pq.QuoteIdentifier(parent)),
	}
	for _, q := range indexes {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			r.logger.Error("Failed to rebuild tile index",
				zap.String("table", parent), zap.Error(err))
			return errors.ErrDatabaseError
		}
	}
	return nil
}

func (r *schemaRepository) Analyze(ctx context.Context, table string) error {
	if _, err := r.db.ExecContext(ctx, fmt.Sprintf(`ANALYZE %s`, pq.QuoteIdentifier(table))); err != nil {
		r.logger.Error("Failed to analyze table", zap.String("table", table), zap.Error(err))
		return errors.ErrDatabaseError
	}
	return nil
}

var workMemRe = regexp.MustCompile(`^[0-9]+(kB|MB|GB)$`)

// TuneSession raises per-session limits for bulk maintenance work. SET does
// not take bind parameters, so inputs are validated before interpolation.
func (r *schemaRepository) TuneSession(ctx context.Context, workMem string, parallelWorkers int) error {
	if !workMemRe.MatchString(workMem) {
		r.logger.Error("Rejecting malformed work_mem value", zap.String("work_mem", workMem))
		return errors.ErrInvalidRequest
	}
	if parallelWorkers < 0 || parallelWorkers > 64 {
		return errors.ErrInvalidRequest
	}

	statements := []string{
		fmt.Sprintf(`SET work_mem = '%s'`, workMem),
		fmt.Sprintf(`SET maintenance_work_mem = '%s'`, workMem),
		fmt.Sprintf(`SET max_parallel_workers_per_gather = %d`, parallelWorkers),
	}
	for _, q := range statements {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			r.logger.Error("Failed to tune session", zap.String("statement", q), zap.Error(err))
			return errors.ErrDatabaseError
		}
	}
	return nil
}
