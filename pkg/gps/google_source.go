package gps

import (
	"context"
	"fmt"
	"time"

	"googlemaps.github.io/maps"

	"github.com/markus-lassfolk/ridemeter/pkg"
	"github.com/markus-lassfolk/ridemeter/pkg/logx"
)

// GoogleConfig configures the network location provider
type GoogleConfig struct {
	APIKey       string        `json:"api_key"`
	PollInterval time.Duration `json:"poll_interval"`
	Timeout      time.Duration `json:"timeout"`
	BaseURL      string        `json:"base_url"` // empty uses the public endpoint
}

// DefaultGoogleConfig returns the default network provider configuration
func DefaultGoogleConfig() *GoogleConfig {
	return &GoogleConfig{
		PollInterval: 30 * time.Second,
		Timeout:      15 * time.Second,
	}
}

// geolocator is the subset of *maps.Client the source uses
type geolocator interface {
	Geolocate(ctx context.Context, r *maps.GeolocationRequest) (*maps.GeolocationResult, error)
}

// GoogleLocationSource is the network provider, backed by the Google
// Geolocation API with IP consideration enabled
type GoogleLocationSource struct {
	config *GoogleConfig
	client geolocator
	logger *logx.Logger
}

// NewGoogleLocationSource creates the network provider. Without an API key
// the source exists but reports itself unavailable.
func NewGoogleLocationSource(config *GoogleConfig, logger *logx.Logger) (*GoogleLocationSource, error) {
	if config == nil {
		config = DefaultGoogleConfig()
	}
	gs := &GoogleLocationSource{config: config, logger: logger}
	if config.APIKey == "" {
		return gs, nil
	}

	opts := []maps.ClientOption{maps.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		opts = append(opts, maps.WithBaseURL(config.BaseURL))
	}
	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	gs.client = client
	return gs, nil
}

func (gs *GoogleLocationSource) ID() pkg.ProviderID { return pkg.ProviderNetwork }

func (gs *GoogleLocationSource) Passive() bool { return false }

func (gs *GoogleLocationSource) Available(ctx context.Context) error {
	if gs.client == nil {
		return fmt.Errorf("%w: no google api key", pkg.ErrProviderUnavailable)
	}
	return nil
}

// Run polls the geolocation API until ctx is cancelled. A failed poll is
// logged and retried on the next tick.
func (gs *GoogleLocationSource) Run(ctx context.Context, emit func(pkg.Fix)) error {
	if err := gs.Available(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(gs.config.PollInterval)
	defer ticker.Stop()

	for {
		if fix, err := gs.locate(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			gs.logger.Warn("Google geolocation failed", "error", err)
		} else {
			emit(fix)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (gs *GoogleLocationSource) locate(ctx context.Context) (pkg.Fix, error) {
	ctx, cancel := context.WithTimeout(ctx, gs.config.Timeout)
	defer cancel()

	resp, err := gs.client.Geolocate(ctx, &maps.GeolocationRequest{ConsiderIP: true})
	if err != nil {
		return pkg.Fix{}, fmt.Errorf("geolocate: %w", err)
	}

	gs.logger.LogDebugVerbose("google_geolocation", map[string]interface{}{
		"lat":      resp.Location.Lat,
		"lng":      resp.Location.Lng,
		"accuracy": resp.Accuracy,
	})
	return pkg.Fix{
		Provider:  pkg.ProviderNetwork,
		Latitude:  resp.Location.Lat,
		Longitude: resp.Location.Lng,
		Accuracy:  resp.Accuracy,
		Timestamp: time.Now(),
	}, nil
}
