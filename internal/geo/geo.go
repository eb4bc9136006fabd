package geo

import (
	"math"
	"os"
	"strconv"
)

// DefaultRadiusMeters is the check-in proximity threshold unless a
// per-transaction override is set. Overridable via GEO_RADIUS_M.
const DefaultRadiusMeters = 500.0

const earthRadiusMeters = 6371000.0

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Distance returns the great-circle (haversine) distance in meters
// between two points.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// WithinRadius reports whether observed is within radiusMeters of target,
// boundary inclusive, and returns the computed distance so callers can log
// or display it.
func WithinRadius(target, observed Point, radiusMeters float64) (bool, float64) {
	d := Distance(target, observed)
	return d <= radiusMeters, d
}

// ConfiguredRadius returns the GEO_RADIUS_M override or the default.
func ConfiguredRadius() float64 {
	if v := os.Getenv("GEO_RADIUS_M"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil && r > 0 {
			return r
		}
	}
	return DefaultRadiusMeters
}
