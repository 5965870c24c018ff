package geocode

import (
	"context"
	"errors"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/markus-lassfolk/ridemeter/pkg"
)

// ReverseGeocoder names a position using a remote service
type ReverseGeocoder interface {
	ReverseGeocode(ctx context.Context, lat, lon float64) (pkg.CityInfo, error)
}

// GoogleConfig configures the Google reverse geocoder
type GoogleConfig struct {
	APIKey   string `json:"api_key"`
	Language string `json:"language"`
	BaseURL  string `json:"base_url"` // empty uses the public endpoint
}

// GoogleGeocoder is a ReverseGeocoder backed by the Google Geocoding API
type GoogleGeocoder struct {
	client   *maps.Client
	language string
}

// NewGoogleGeocoder creates the online geocoder. A missing key yields
// ErrProviderUnavailable so the daemon can run offline-only.
func NewGoogleGeocoder(config GoogleConfig) (*GoogleGeocoder, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("google geocoder: %w: no api key", pkg.ErrProviderUnavailable)
	}

	opts := []maps.ClientOption{maps.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		opts = append(opts, maps.WithBaseURL(config.BaseURL))
	}
	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleGeocoder{client: client, language: config.Language}, nil
}

// ReverseGeocode returns locality, admin area and country for the point
func (g *GoogleGeocoder) ReverseGeocode(ctx context.Context, lat, lon float64) (pkg.CityInfo, error) {
	req := &maps.GeocodingRequest{
		LatLng:   &maps.LatLng{Lat: lat, Lng: lon},
		Language: g.language,
	}
	results, err := g.client.ReverseGeocode(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return pkg.CityInfo{}, err
		}
		return pkg.CityInfo{}, fmt.Errorf("reverse geocode failed: %w", err)
	}
	if len(results) == 0 {
		return pkg.CityInfo{}, pkg.ErrGeocodeMiss
	}

	info := cityFromComponents(results[0].AddressComponents)
	if info.Name == "" {
		return pkg.CityInfo{}, pkg.ErrGeocodeMiss
	}
	return info, nil
}

// cityFromComponents prefers the locality and falls back to the
// second-level administrative area
func cityFromComponents(components []maps.AddressComponent) pkg.CityInfo {
	var info pkg.CityInfo
	var subAdmin string
	for _, c := range components {
		for _, t := range c.Types {
			switch t {
			case "locality":
				if info.Name == "" {
					info.Name = c.LongName
				}
			case "administrative_area_level_2":
				if subAdmin == "" {
					subAdmin = c.LongName
				}
			case "administrative_area_level_1":
				if info.State == "" {
					info.State = c.LongName
				}
			case "country":
				if info.Country == "" {
					info.Country = c.ShortName
				}
			}
		}
	}
	if info.Name == "" {
		info.Name = subAdmin
	}
	return info
}
