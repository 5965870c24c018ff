// Package geo holds the small amount of spherical math the location
// subsystem needs, plus conversions used at the presentation boundary.
package geo

import (
	"math"

	"github.com/golang/geo/s2"

	"github.com/markus-lassfolk/ridemeter/pkg"
)

// EarthRadiusMeters is the mean Earth radius used for all distances
const EarthRadiusMeters = 6371000.0

// Presentation conversion factors
const (
	KmToMiles  = 0.621371
	MetersToFt = 3.28084
	MpsToKmh   = 3.6
)

// HaversineMeters returns the great-circle distance between two points.
// s2.LatLng.Distance uses the haversine formula on the unit sphere.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	a := s2.LatLngFromDegrees(lat1, lon1)
	b := s2.LatLngFromDegrees(lat2, lon2)
	return a.Distance(b).Radians() * EarthRadiusMeters
}

// FixDistance is HaversineMeters between two fixes
func FixDistance(a, b pkg.Fix) float64 {
	return HaversineMeters(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}

// BoundingBox is a rectangular lat/lon range, inclusive
type BoundingBox struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// BoxAround builds a box of the given half-width in degrees around a point.
// The box is not wrapped at the antimeridian; callers fall back to a full scan
// when it comes back empty.
func BoxAround(lat, lon, halfWidthDeg float64) BoundingBox {
	return BoundingBox{
		MinLat: lat - halfWidthDeg,
		MaxLat: lat + halfWidthDeg,
		MinLon: lon - halfWidthDeg,
		MaxLon: lon + halfWidthDeg,
	}
}

// Contains reports whether the point is inside the box
func (b BoundingBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

var compassPoints = [8]string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

// CompassDirection maps a bearing in degrees to an 8-point label
func CompassDirection(bearing float64) string {
	b := math.Mod(bearing, 360)
	if b < 0 {
		b += 360
	}
	return compassPoints[int((b+22.5)/45)%8]
}

// KilometersToMiles converts a distance for imperial display
func KilometersToMiles(km float64) float64 {
	return km * KmToMiles
}

// KmhToMph converts a speed for imperial display
func KmhToMph(kmh float64) float64 {
	return kmh * KmToMiles
}

// MetersToFeet converts an altitude for imperial display
func MetersToFeet(m float64) float64 {
	return m * MetersToFt
}
