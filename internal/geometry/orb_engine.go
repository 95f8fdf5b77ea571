package geometry

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/project"
	"github.com/paulmach/orb/simplify"
)

// OrbEngine implements Engine on top of paulmach/orb.
type OrbEngine struct{}

func NewOrbEngine() *OrbEngine {
	return &OrbEngine{}
}

func (e *OrbEngine) Project(g orb.Geometry) orb.Geometry {
	return project.Geometry(orb.Clone(g), project.WGS84.ToMercator)
}

func (e *OrbEngine) Unproject(g orb.Geometry) orb.Geometry {
	return project.Geometry(orb.Clone(g), project.Mercator.ToWGS84)
}

func (e *OrbEngine) Simplify(g orb.Geometry, tolerance float64) orb.Geometry {
	if tolerance <= 0 {
		return g
	}
	return simplify.DouglasPeucker(tolerance).Simplify(orb.Clone(g))
}

// Subdivide splits complex geometries along quadtree bounds until every piece
// is under the vertex budget. Pieces that refuse to shrink (a bound collapsed
// to a sliver) are emitted as-is rather than recursed forever.
func (e *OrbEngine) Subdivide(g orb.Geometry, maxVertices int) []orb.Geometry {
	if g == nil {
		return nil
	}
	if maxVertices <= 0 || VertexCount(g) <= maxVertices {
		return []orb.Geometry{g}
	}
	return e.subdivide(g, g.Bound(), maxVertices, 0)
}

const maxSubdivideDepth = 12

func (e *OrbEngine) subdivide(g orb.Geometry, bound orb.Bound, maxVertices, depth int) []orb.Geometry {
	if VertexCount(g) <= maxVertices || depth >= maxSubdivideDepth {
		return []orb.Geometry{g}
	}

	mid := bound.Center()
	quadrants := []orb.Bound{
		{Min: bound.Min, Max: mid},
		{Min: orb.Point{mid[0], bound.Min[1]}, Max: orb.Point{bound.Max[0], mid[1]}},
		{Min: orb.Point{bound.Min[0], mid[1]}, Max: orb.Point{mid[0], bound.Max[1]}},
		{Min: mid, Max: bound.Max},
	}

	var out []orb.Geometry
	for _, q := range quadrants {
		piece := clip.Geometry(q, orb.Clone(g))
		if piece == nil {
			continue
		}
		out = append(out, e.subdivide(piece, q, maxVertices, depth+1)...)
	}
	if len(out) == 0 {
		return []orb.Geometry{g}
	}
	return out
}

func (e *OrbEngine) Clip(g orb.Geometry, bound orb.Bound) orb.Geometry {
	if g == nil {
		return nil
	}
	return clip.Geometry(bound, orb.Clone(g))
}

func (e *OrbEngine) EncodeTile(layer string, tile maptile.Tile, features []*geojson.Feature) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	fc.Features = features

	layers := mvt.NewLayers(map[string]*geojson.FeatureCollection{layer: fc})
	layers.ProjectToTile(tile)

	data, err := mvt.MarshalGzipped(layers)
	if err != nil {
		return nil, fmt.Errorf("failed to encode mvt layer %q: %w", layer, err)
	}
	return data, nil
}

// VertexCount counts coordinates across any orb geometry type.
func VertexCount(g orb.Geometry) int {
	switch v := g.(type) {
	case orb.Point:
		return 1
	case orb.MultiPoint:
		return len(v)
	case orb.LineString:
		return len(v)
	case orb.MultiLineString:
		n := 0
		for _, ls := range v {
			n += len(ls)
		}
		return n
	case orb.Ring:
		return len(v)
	case orb.Polygon:
		n := 0
		for _, r := range v {
			n += len(r)
		}
		return n
	case orb.MultiPolygon:
		n := 0
		for _, p := range v {
			n += VertexCount(p)
		}
		return n
	case orb.Collection:
		n := 0
		for _, c := range v {
			n += VertexCount(c)
		}
		return n
	case orb.Bound:
		return 2
	}
	return 0
}
