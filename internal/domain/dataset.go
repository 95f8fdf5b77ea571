package domain

import "fmt"

// DatasetSchema describes one base feature table well enough for the generic
// materialize and fetch routines. One descriptor replaces one hand-written
// per-dataset code path.
type DatasetSchema struct {
	// Name is the dataset tag, the MVT layer name, and the cache namespace.
	Name string
	// Table is the base feature table maintained by the external ETL.
	Table string
	// IDColumn is the base table primary key.
	IDColumn string
	// GeometryColumn holds the raw WGS84 geometry written by the ETL. The
	// engine derives GeometryColumn+"_3857" and "quadkey_prefix" next to it.
	GeometryColumn string
	// DedupColumn is the shared identity key that merges logically identical
	// source rows into one displayed feature. Empty means every row is its
	// own feature (a per-record hash key is derived instead).
	DedupColumn string
	// FineColumn is the per-row revenue amount; empty when the dataset has none.
	FineColumn string
	// LabelColumn and StatusColumn supply display attributes; most recent row
	// wins across the dedup key.
	LabelColumn  string
	StatusColumn string
	// TimestampColumn orders rows for most-recent-wins resolution.
	TimestampColumn string
}

// ProjectedColumn is the derived Web Mercator geometry column name.
func (s DatasetSchema) ProjectedColumn() string {
	return s.GeometryColumn + "_3857"
}

// PrefixColumn is the derived quadkey prefix column name.
func (s DatasetSchema) PrefixColumn() string {
	return "quadkey_prefix"
}

// TileTable is the partitioned precomputed tile feature table.
func (s DatasetSchema) TileTable() string {
	return "tile_features_" + s.Name
}

// TilePartition names the list-partition child for a partition digit.
func (s DatasetSchema) TilePartition(digit string) string {
	return fmt.Sprintf("%s_p%s", s.TileTable(), digit)
}

// Datasets is the registry of served Toronto open-data extracts.
var Datasets = map[string]DatasetSchema{
	"parking_tickets": {
		Name:            "parking_tickets",
		Table:           "parking_tickets",
		IDColumn:        "id",
		GeometryColumn:  "geom",
		DedupColumn:     "location2",
		FineColumn:      "set_fine_amount",
		LabelColumn:     "location2",
		StatusColumn:    "infraction_description",
		TimestampColumn: "date_of_infraction",
	},
	"red_light_cameras": {
		Name:            "red_light_cameras",
		Table:           "red_light_cameras",
		IDColumn:        "id",
		GeometryColumn:  "geom",
		DedupColumn:     "intersection",
		LabelColumn:     "intersection",
		StatusColumn:    "activation_status",
		TimestampColumn: "activation_date",
	},
	"speed_cameras": {
		Name:            "speed_cameras",
		Table:           "speed_cameras",
		IDColumn:        "id",
		GeometryColumn:  "geom",
		DedupColumn:     "location_code",
		LabelColumn:     "location",
		StatusColumn:    "status",
		TimestampColumn: "activation_date",
	},
}

// Dataset looks a schema up by name.
func Dataset(name string) (DatasetSchema, bool) {
	s, ok := Datasets[name]
	return s, ok
}

// DatasetNames returns the registered dataset tags.
func DatasetNames() []string {
	names := make([]string, 0, len(Datasets))
	for name := range Datasets {
		names = append(names, name)
	}
	return names
}
