// Package geometry isolates every geometry-processing primitive the engine
// needs behind one capability interface. Core logic depends on this interface
// only, never on a specific database's spatial dialect.
package geometry

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
)

// Engine is the geometry capability contract.
type Engine interface {
	// Project converts WGS84 to Web Mercator (EPSG:3857) coordinates.
	Project(g orb.Geometry) orb.Geometry

	// Unproject converts Web Mercator back to WGS84.
	Unproject(g orb.Geometry) orb.Geometry

	// Simplify reduces vertex count with the given tolerance, in the
	// geometry's own coordinate units.
	Simplify(g orb.Geometry, tolerance float64) orb.Geometry

	// Subdivide splits a geometry into pieces of at most maxVertices
	// vertices each. Simple geometries come back unchanged.
	Subdivide(g orb.Geometry, maxVertices int) []orb.Geometry

	// Clip cuts a geometry to a bound; returns nil when fully outside.
	Clip(g orb.Geometry, bound orb.Bound) orb.Geometry

	// EncodeTile encodes features as one gzipped MVT layer for a tile.
	EncodeTile(layer string, tile maptile.Tile, features []*geojson.Feature) ([]byte, error)
}
