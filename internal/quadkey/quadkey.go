// Package quadkey implements the base-4 spatial bucket codec used to partition
// precomputed tile features. A quadkey encodes a point's slippy-map tile at a
// fixed zoom as a digit string; truncated prefixes act as approximate spatial
// buckets and the first digit selects one of four list partitions.
package quadkey

import "math"

// MaxLatitude is the Web Mercator latitude limit. Latitudes beyond it are
// clamped so the projection stays defined near the poles.
const MaxLatitude = 85.05112878

// Digits are the four valid partition keys.
var Digits = []string{"0", "1", "2", "3"}

// TileIndices converts a WGS84 point to slippy-map tile indices at zoom.
func TileIndices(lon, lat float64, zoom int) (uint32, uint32) {
	lat = math.Max(-MaxLatitude, math.Min(MaxLatitude, lat))
	lon = math.Max(-180, math.Min(180, lon))

	n := math.Exp2(float64(zoom))

	x := (lon + 180.0) / 360.0 * n

	sinLat := math.Sin(lat * math.Pi / 180.0)
	y := (0.5 - math.Log((1+sinLat)/(1-sinLat))/(4*math.Pi)) * n

	max := uint32(n) - 1
	return clampIndex(x, max), clampIndex(y, max)
}

func clampIndex(v float64, max uint32) uint32 {
	if v < 0 {
		return 0
	}
	i := uint32(v)
	if i > max {
		return max
	}
	return i
}

// FromTile builds the quadkey digit string for tile (x, y) at zoom, most
// significant bit first: digit = bit(x) + 2*bit(y).
func FromTile(x, y uint32, zoom int) string {
	buf := make([]byte, zoom)
	for i := zoom; i > 0; i-- {
		mask := uint32(1) << (i - 1)
		var d byte = '0'
		if x&mask != 0 {
			d++
		}
		if y&mask != 0 {
			d += 2
		}
		buf[zoom-i] = d
	}
	return string(buf)
}

// Encode returns the length-zoom quadkey for a WGS84 point.
func Encode(lon, lat float64, zoom int) string {
	x, y := TileIndices(lon, lat, zoom)
	return FromTile(x, y, zoom)
}

// Prefix returns the first length digits of the point's quadkey at zoom.
// Truncating a quadkey to length L yields the point's quadkey at zoom L, which
// is what makes a single fixed-zoom scheme usable as a filter at any request
// zoom.
func Prefix(lon, lat float64, zoom, length int) string {
	if length > zoom {
		length = zoom
	}
	return Encode(lon, lat, zoom)[:length]
}

// PartitionKey returns the list-partition digit for a prefix, one of '0'..'3'.
func PartitionKey(prefix string) string {
	if prefix == "" {
		return ""
	}
	return prefix[:1]
}
