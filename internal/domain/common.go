package domain

// TileCoordinate identifies one slippy-map tile. Request-scoped.
type TileCoordinate struct {
	Z int `json:"z"`
	X int `json:"x"`
	Y int `json:"y"`
}

// Valid reports whether the coordinate is well-formed for maxZoom:
// 0 <= z <= maxZoom and 0 <= x,y < 2^z.
func (t TileCoordinate) Valid(maxZoom int) bool {
	if t.Z < 0 || t.Z > maxZoom {
		return false
	}
	n := 1 << uint(t.Z)
	return t.X >= 0 && t.X < n && t.Y >= 0 && t.Y < n
}

// ZoomBand is the inclusive [MinZoom, MaxZoom] range a precomputed fragment
// is valid for.
type ZoomBand struct {
	MinZoom int `json:"min_zoom" db:"min_zoom"`
	MaxZoom int `json:"max_zoom" db:"max_zoom"`
}

// Contains reports whether z falls inside the band.
func (b ZoomBand) Contains(z int) bool {
	return z >= b.MinZoom && z <= b.MaxZoom
}
