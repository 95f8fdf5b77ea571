package utils

import "math"

// Web Mercator constants shared by the quadkey codec and the materializer.
const (
	EarthRadiusM        = 6378137.0
	EarthCircumferenceM = 2 * math.Pi * EarthRadiusM
	TilePixels          = 256.0
)

// GroundResolution returns meters per pixel at the equator for a zoom level.
// Used to derive simplification tolerances proportional to ground distance.
func GroundResolution(zoom int) float64 {
	return EarthCircumferenceM / (TilePixels * math.Exp2(float64(zoom)))
}

// ValidateCoordinates checks lat/lon bounds
func ValidateCoordinates(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
