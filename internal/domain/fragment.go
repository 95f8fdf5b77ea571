package domain

import (
	"time"

	"github.com/paulmach/orb"
)

// SourceRow is one base feature row as read for materialization. Geometry is
// WGS84; rows with a null geometry are skipped by the reader.
type SourceRow struct {
	ID         int64
	DedupKey   string // empty when the dataset has no shared identity column
	Geometry   orb.Geometry
	FineAmount float64
	Label      string
	Status     string
	OccurredAt time.Time
}

// TileFragment is one precomputed, zoom-scoped geometry fragment. Fragments
// are fully regenerated on every materializer run and never updated in place.
type TileFragment struct {
	Dataset    string
	FeatureKey string
	Band       ZoomBand
	// Partition and Prefix are recomputed from the fragment's own geometry;
	// subdivision can move a piece's centroid across a bucket boundary.
	Partition string
	Prefix    string
	Geometry  orb.Geometry // WGS84
	// Denormalized display attributes: summed over the dedup key, label and
	// status from the most recent source row.
	TicketCount     int
	TotalFineAmount float64
	Label           string
	Status          string
}

// Properties returns the MVT feature properties for the fragment.
func (f TileFragment) Properties() map[string]interface{} {
	return map[string]interface{}{
		"feature_key":       f.FeatureKey,
		"ticket_count":      f.TicketCount,
		"total_fine_amount": f.TotalFineAmount,
		"label":             f.Label,
		"status":            f.Status,
	}
}

// FragmentQuery selects candidate fragments for one requested tile.
type FragmentQuery struct {
	Z int
	X int
	Y int
	// Partition is the leading quadkey digit of the tile envelope centroid at
	// the fixed quadkey zoom; CoarsePrefix is the same quadkey truncated to
	// the request's own zoom, capped at the stored prefix length.
	Partition    string
	CoarsePrefix string
}

// TileFilter narrows the ad-hoc direct-render path; zero values mean no bound.
type TileFilter struct {
	From time.Time
	To   time.Time
}

// IsZero reports whether the filter imposes no constraint.
func (f TileFilter) IsZero() bool {
	return f.From.IsZero() && f.To.IsZero()
}
