package geometry_test

import (
	"bytes"
	"compress/gzip"
	"io"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tile-engine/internal/geometry"
)

func TestOrbEngine_ProjectRoundTrip(t *testing.T) {
	engine := geometry.NewOrbEngine()

	point := orb.Point{-79.3832, 43.6532}
	projected := engine.Project(point)

	// Toronto sits well inside the Mercator plane.
	pp := projected.(orb.Point)
	assert.InDelta(t, -8836000, pp[0], 5000)
	assert.InDelta(t, 5410000, pp[1], 5000)

	back := engine.Unproject(projected).(orb.Point)
	assert.InDelta(t, point[0], back[0], 1e-9)
	assert.InDelta(t, point[1], back[1], 1e-9)
}

func TestOrbEngine_ProjectDoesNotMutateInput(t *testing.T) {
	engine := geometry.NewOrbEngine()

	line := orb.LineString{{-79.4, 43.6}, {-79.3, 43.7}}
	engine.Project(line)

	assert.Equal(t, orb.LineString{{-79.4, 43.6}, {-79.3, 43.7}}, line)
}

func TestOrbEngine_Simplify(t *testing.T) {
	engine := geometry.NewOrbEngine()

	// A nearly straight line with dense, slightly jittered vertices.
	line := make(orb.LineString, 0, 101)
	for i := 0; i <= 100; i++ {
		jitter := 0.5 * math.Sin(float64(i))
		line = append(line, orb.Point{float64(i) * 100, jitter})
	}

	simplified := engine.Simplify(line, 10)
	require.NotNil(t, simplified)
	assert.Less(t, geometry.VertexCount(simplified), len(line))

	// Non-positive tolerance is a no-op.
	assert.Equal(t, len(line), geometry.VertexCount(engine.Simplify(line, 0)))
}

func TestOrbEngine_Subdivide(t *testing.T) {
	engine := geometry.NewOrbEngine()

	t.Run("simple geometry passes through", func(t *testing.T) {
		point := orb.Point{1, 2}
		pieces := engine.Subdivide(point, 256)
		require.Len(t, pieces, 1)
		assert.Equal(t, point, pieces[0])
	})

	t.Run("dense line is split under the budget", func(t *testing.T) {
		line := make(orb.LineString, 0, 1000)
		for i := 0; i < 1000; i++ {
			line = append(line, orb.Point{float64(i), math.Sin(float64(i) / 10)})
		}

		pieces := engine.Subdivide(line, 256)
		require.Greater(t, len(pieces), 1)

		total := 0
		for _, p := range pieces {
			total += geometry.VertexCount(p)
			assert.LessOrEqual(t, geometry.VertexCount(p), 256)
		}
		// Splitting duplicates boundary vertices but loses nothing.
		assert.GreaterOrEqual(t, total, len(line))
	})

	t.Run("nil and zero budget", func(t *testing.T) {
		assert.Nil(t, engine.Subdivide(nil, 256))

		line := orb.LineString{{0, 0}, {1, 1}, {2, 2}}
		pieces := engine.Subdivide(line, 0)
		require.Len(t, pieces, 1)
	})
}

func TestOrbEngine_Clip(t *testing.T) {
	engine := geometry.NewOrbEngine()
	bound := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 10}}

	assert.Nil(t, engine.Clip(orb.Point{50, 50}, bound))
	assert.NotNil(t, engine.Clip(orb.Point{5, 5}, bound))

	crossing := orb.LineString{{-5, 5}, {15, 5}}
	clipped := engine.Clip(crossing, bound)
	require.NotNil(t, clipped)
	b := clipped.Bound()
	assert.GreaterOrEqual(t, b.Min[0], 0.0)
	assert.LessOrEqual(t, b.Max[0], 10.0)
}

func TestOrbEngine_EncodeTile(t *testing.T) {
	engine := geometry.NewOrbEngine()

	tile := maptile.At(orb.Point{-79.3832, 43.6532}, 14)
	feature := geojson.NewFeature(orb.Point{-79.3832, 43.6532})
	feature.Properties = map[string]interface{}{
		"ticket_count": 3,
		"label":        "KING ST W",
	}

	data, err := engine.EncodeTile("parking_tickets", tile, []*geojson.Feature{feature})
	require.NoError(t, err)
	require.NotEmpty(t, data)

	// Payload is gzip-wrapped protobuf.
	zr, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
	assert.Contains(t, string(raw), "parking_tickets")
}

func TestVertexCount(t *testing.T) {
	assert.Equal(t, 1, geometry.VertexCount(orb.Point{1, 2}))
	assert.Equal(t, 3, geometry.VertexCount(orb.LineString{{0, 0}, {1, 1}, {2, 2}}))
	assert.Equal(t, 4, geometry.VertexCount(orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}}))
	assert.Equal(t, 2, geometry.VertexCount(orb.MultiPoint{{0, 0}, {1, 1}}))
	assert.Equal(t, 6, geometry.VertexCount(orb.MultiLineString{
		{{0, 0}, {1, 1}, {2, 2}},
		{{3, 3}, {4, 4}, {5, 5}},
	}))
}
