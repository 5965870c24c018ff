package geocode

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	geohash "github.com/TomiHiltunen/geohash-golang"

	"github.com/markus-lassfolk/ridemeter/pkg"
	"github.com/markus-lassfolk/ridemeter/pkg/logx"
	"github.com/markus-lassfolk/ridemeter/pkg/metrics"
)

// Source names where a place name came from
type Source string

const (
	SourceOnline  Source = "online"
	SourceOffline Source = "offline"
)

// ResolverConfig controls caching
type ResolverConfig struct {
	CachePrecision int `json:"cache_precision"` // geohash characters, 5 is roughly 5 km
	CacheSize      int `json:"cache_size"`
}

// DefaultResolverConfig returns the default resolver configuration
func DefaultResolverConfig() *ResolverConfig {
	return &ResolverConfig{
		CachePrecision: 5,
		CacheSize:      256,
	}
}

// OfflineLookup is satisfied by *OfflineGeocoder
type OfflineLookup interface {
	NearestCity(ctx context.Context, lat, lon float64) (pkg.CityInfo, bool, error)
}

// Resolver picks the online or offline geocoder depending on connectivity
type Resolver struct {
	config  *ResolverConfig
	online  ReverseGeocoder
	offline OfflineLookup
	logger  *logx.Logger
	metrics *metrics.Metrics

	isOnline atomic.Bool

	mu    sync.Mutex
	cache map[string]pkg.CityInfo
	order []string
}

// NewResolver creates a resolver. online may be nil, in which case the
// offline geocoder is always used.
func NewResolver(config *ResolverConfig, online ReverseGeocoder, offline OfflineLookup, logger *logx.Logger, m *metrics.Metrics) *Resolver {
	if config == nil {
		config = DefaultResolverConfig()
	}
	if config.CachePrecision <= 0 {
		config.CachePrecision = 5
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 256
	}
	return &Resolver{
		config:  config,
		online:  online,
		offline: offline,
		logger:  logger,
		metrics: m,
		cache:   make(map[string]pkg.CityInfo),
	}
}

// SetOnline switches between the online and offline sources
func (r *Resolver) SetOnline(online bool) {
	if r.isOnline.Swap(online) != online {
		r.logger.Info("geocode_source_changed", "source", r.Source())
	}
}

// Source reports which geocoder is used for new lookups
func (r *Resolver) Source() Source {
	if r.online != nil && r.isOnline.Load() {
		return SourceOnline
	}
	return SourceOffline
}

// Resolve never fails: a double miss yields "Unknown location"
func (r *Resolver) Resolve(ctx context.Context, lat, lon float64) pkg.CityInfo {
	source := r.Source()
	key := r.cacheKey(source, lat, lon)

	r.mu.Lock()
	if info, ok := r.cache[key]; ok {
		r.mu.Unlock()
		r.metrics.GeocodeLookup(string(source), "cache")
		return info
	}
	r.mu.Unlock()

	if source == SourceOnline {
		info, err := r.online.ReverseGeocode(ctx, lat, lon)
		if err == nil {
			r.metrics.GeocodeLookup(string(SourceOnline), "hit")
			r.store(key, info)
			return info
		}
		if errors.Is(err, pkg.ErrGeocodeMiss) {
			r.metrics.GeocodeLookup(string(SourceOnline), "miss")
		} else {
			r.metrics.GeocodeLookup(string(SourceOnline), "error")
			r.logger.Warn("Online geocoding failed, falling back to offline", "error", err)
		}
	}

	info, ok, err := r.offline.NearestCity(ctx, lat, lon)
	switch {
	case err != nil:
		r.metrics.GeocodeLookup(string(SourceOffline), "error")
		r.logger.Warn("Offline geocoding failed", "error", err)
	case ok:
		r.metrics.GeocodeLookup(string(SourceOffline), "hit")
		// keyed under the requested source so an online answer is not shadowed
		r.store(key, info)
		return info
	default:
		r.metrics.GeocodeLookup(string(SourceOffline), "miss")
	}

	r.logger.Debug("No place found", "lat", lat, "lon", lon, "error", pkg.ErrGeocodeMiss)
	return pkg.CityInfo{Name: pkg.UnknownLocation}
}

func (r *Resolver) cacheKey(source Source, lat, lon float64) string {
	hash := geohash.Encode(lat, lon)
	if len(hash) > r.config.CachePrecision {
		hash = hash[:r.config.CachePrecision]
	}
	return string(source) + ":" + hash
}

func (r *Resolver) store(key string, info pkg.CityInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.cache[key]; !exists {
		r.order = append(r.order, key)
	}
	r.cache[key] = info
	for len(r.order) > r.config.CacheSize {
		delete(r.cache, r.order[0])
		r.order = r.order[1:]
	}
}

// Invalidate drops all cached names
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]pkg.CityInfo)
	r.order = nil
}
