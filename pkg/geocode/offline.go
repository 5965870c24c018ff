// Package geocode turns coordinates into place names, from the local city
// table when offline and from Google reverse geocoding when a network is up.
package geocode

import (
	"context"
	"fmt"

	"github.com/markus-lassfolk/ridemeter/pkg"
	"github.com/markus-lassfolk/ridemeter/pkg/geo"
)

// SearchBoxDegrees is the half-width of the indexed search box
const SearchBoxDegrees = 0.5

// CitySource is the read side of the city store
type CitySource interface {
	Query(ctx context.Context, latMin, latMax, lonMin, lonMax float64) ([]pkg.CityRecord, error)
	All(ctx context.Context) ([]pkg.CityRecord, error)
}

// OfflineGeocoder finds the nearest stored city
type OfflineGeocoder struct {
	cities CitySource
}

// NewOfflineGeocoder creates an offline geocoder over the given store
func NewOfflineGeocoder(cities CitySource) *OfflineGeocoder {
	return &OfflineGeocoder{cities: cities}
}

// NearestCity returns the stored city closest to (lat, lon). The lookup
// searches a box around the point first and scans the whole table when the
// box is empty. ok is false only when the table has no rows at all.
func (g *OfflineGeocoder) NearestCity(ctx context.Context, lat, lon float64) (pkg.CityInfo, bool, error) {
	box := geo.BoxAround(lat, lon, SearchBoxDegrees)
	candidates, err := g.cities.Query(ctx, box.MinLat, box.MaxLat, box.MinLon, box.MaxLon)
	if err != nil {
		return pkg.CityInfo{}, false, fmt.Errorf("failed to query city box: %w", err)
	}

	if len(candidates) == 0 {
		candidates, err = g.cities.All(ctx)
		if err != nil {
			return pkg.CityInfo{}, false, fmt.Errorf("failed to scan cities: %w", err)
		}
	}

	best, ok := nearest(candidates, lat, lon)
	if !ok {
		return pkg.CityInfo{}, false, nil
	}
	return best.Info(), true, nil
}

// nearest keeps the first record on equal distance
func nearest(records []pkg.CityRecord, lat, lon float64) (pkg.CityRecord, bool) {
	if len(records) == 0 {
		return pkg.CityRecord{}, false
	}
	best := records[0]
	bestDist := geo.HaversineMeters(lat, lon, best.Latitude, best.Longitude)
	for _, r := range records[1:] {
		if d := geo.HaversineMeters(lat, lon, r.Latitude, r.Longitude); d < bestDist {
			best, bestDist = r, d
		}
	}
	return best, true
}
