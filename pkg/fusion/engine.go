// Package fusion merges fixes from several positioning providers into one
// smoothed telemetry stream.
package fusion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/markus-lassfolk/ridemeter/pkg"
	"github.com/markus-lassfolk/ridemeter/pkg/geo"
	"github.com/markus-lassfolk/ridemeter/pkg/logx"
	"github.com/markus-lassfolk/ridemeter/pkg/metrics"
)

// Subscription is a cancellable registration
type Subscription interface {
	Cancel()
}

// ProviderRegistry is the platform positioning service
type ProviderRegistry interface {
	ListProviders() []pkg.ProviderID
	Subscribe(id pkg.ProviderID, minInterval time.Duration, minDisplacement float64, listener func(pkg.Fix)) (Subscription, error)
	LastKnown(id pkg.ProviderID) (pkg.Fix, bool)
	// Passive providers only feed LastKnown; the engine never subscribes to them
	Passive(id pkg.ProviderID) bool
}

// Config holds the fusion tuning
type Config struct {
	MinInterval        time.Duration  `json:"min_interval"`
	SmoothingAlpha     float64        `json:"smoothing_alpha"`
	MaxAccuracy        float64        `json:"max_accuracy"`          // meters; worse fixes are dropped unless primary
	DisplayMinSpeedKmh float64        `json:"display_min_speed_kmh"` // below this speed shows as 0
	HeadingMinSpeedKmh float64        `json:"heading_min_speed_kmh"`
	PrimaryProvider    pkg.ProviderID `json:"primary_provider"`
}

// DefaultConfig returns the default fusion configuration
func DefaultConfig() *Config {
	return &Config{
		MinInterval:        time.Second,
		SmoothingAlpha:     0.4,
		MaxAccuracy:        60,
		DisplayMinSpeedKmh: 1,
		HeadingMinSpeedKmh: 5,
		PrimaryProvider:    pkg.ProviderGPS,
	}
}

// Validate checks the configuration ranges
func (c *Config) Validate() error {
	if c.MinInterval <= 0 || c.MinInterval > time.Second {
		return fmt.Errorf("min interval must be in (0, 1s], got %v", c.MinInterval)
	}
	if c.SmoothingAlpha <= 0 || c.SmoothingAlpha > 1 {
		return fmt.Errorf("smoothing alpha must be in (0, 1], got %v", c.SmoothingAlpha)
	}
	if c.MaxAccuracy <= 0 {
		return fmt.Errorf("max accuracy must be positive, got %v", c.MaxAccuracy)
	}
	return nil
}

// Update is delivered to engine subscribers for every accepted fix
type Update struct {
	Telemetry pkg.FusedTelemetry
	Fix       pkg.Fix
}

// Engine is the location fusion engine
type Engine struct {
	config   *Config
	registry ProviderRegistry
	logger   *logx.Logger
	metrics  *metrics.Metrics

	mu          sync.Mutex
	started     bool
	stopped     bool
	order       []pkg.ProviderID
	lastKnown   map[pkg.ProviderID]pkg.Fix
	providers   []Subscription
	unavailable []pkg.ProviderID
	ema         float64 // unclamped smoothing state, km/h
	snapshot    pkg.FusedTelemetry
	lastFix     pkg.Fix
	listeners   []*listener
	nextID      int

	// held for the whole of OnFix so subscribers see fixes in acceptance
	// order; subscribers must not call OnFix or Subscribe
	deliverMu sync.Mutex
}

type listener struct {
	id     int
	fn     func(Update)
	engine *Engine
}

// Cancel removes only this listener
func (l *listener) Cancel() {
	l.engine.removeListener(l.id)
}

// NewEngine creates a fusion engine. A nil config uses the defaults.
func NewEngine(config *Config, registry ProviderRegistry, logger *logx.Logger, m *metrics.Metrics) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fusion config: %w", err)
	}
	return &Engine{
		config:    config,
		registry:  registry,
		logger:    logger,
		metrics:   m,
		lastKnown: make(map[pkg.ProviderID]pkg.Fix),
		snapshot:  pkg.FusedTelemetry{AccuracyClass: pkg.AccuracyNone},
	}, nil
}

// Start subscribes to every active provider and seeds the telemetry with the
// best last known fix. Providers that refuse the subscription are skipped.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return errors.New("fusion engine already stopped")
	}
	if e.started {
		e.mu.Unlock()
		return errors.New("fusion engine already started")
	}
	e.started = true
	e.order = e.registry.ListProviders()
	order := append([]pkg.ProviderID(nil), e.order...)
	e.mu.Unlock()

	var subs []Subscription
	var unavailable []pkg.ProviderID
	for _, id := range order {
		if ctx.Err() != nil {
			break
		}
		if e.registry.Passive(id) {
			continue
		}
		sub, err := e.registry.Subscribe(id, e.config.MinInterval, 0, e.OnFix)
		if err != nil {
			unavailable = append(unavailable, id)
			e.metrics.ProviderUnavailable(string(id))
			e.logger.Warn("Positioning provider unavailable", "provider", id, "error", err)
			continue
		}
		subs = append(subs, sub)
		e.logger.Info("Subscribed to positioning provider", "provider", id, "min_interval", e.config.MinInterval)
	}

	e.mu.Lock()
	e.unavailable = unavailable
	if e.stopped {
		// Stop raced with Start; release what we just acquired
		e.mu.Unlock()
		for _, s := range subs {
			s.Cancel()
		}
		return ctx.Err()
	}
	e.providers = subs
	e.mu.Unlock()

	if len(subs) == 0 {
		e.logger.Warn("No positioning providers available")
	}

	if best, ok := e.BestLastKnown(); ok {
		e.OnFix(best)
	}
	return ctx.Err()
}

// Stop unsubscribes from all providers. Fixes arriving afterwards are ignored.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	subs := e.providers
	e.providers = nil
	e.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	e.logger.Info("Fusion engine stopped", "providers", len(subs))
}

// Unavailable lists the providers excluded at Start
func (e *Engine) Unavailable() []pkg.ProviderID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]pkg.ProviderID(nil), e.unavailable...)
}

// OnFix is the single entry point for provider samples
func (e *Engine) OnFix(fix pkg.Fix) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.metrics.FixReceived(string(fix.Provider))

	if err := fix.Validate(); err != nil {
		e.mu.Unlock()
		e.metrics.FixRejected(string(fix.Provider), "invalid")
		e.logger.Debug("Dropping invalid fix", "provider", fix.Provider, "error", err)
		return
	}

	e.lastKnown[fix.Provider] = fix

	if fix.Accuracy > e.config.MaxAccuracy && fix.Provider != e.config.PrimaryProvider {
		e.mu.Unlock()
		e.metrics.FixRejected(string(fix.Provider), "low_accuracy")
		e.logger.Debug("Dropping low accuracy fix", "provider", fix.Provider, "accuracy", fix.Accuracy)
		return
	}

	raw := fix.Speed * geo.MpsToKmh
	if math.IsNaN(raw) || raw < 0 {
		raw = 0
	}
	e.ema = e.config.SmoothingAlpha*raw + (1-e.config.SmoothingAlpha)*e.ema
	display := e.ema
	if display < e.config.DisplayMinSpeedKmh {
		display = 0
	}

	snap := e.snapshot
	snap.HasFix = true
	snap.Provider = fix.Provider
	snap.Latitude = fix.Latitude
	snap.Longitude = fix.Longitude
	snap.SpeedKmh = display
	snap.Altitude = fix.Altitude
	snap.Bearing = fix.Bearing
	snap.Accuracy = fix.Accuracy
	snap.AccuracyClass = pkg.ClassifyAccuracy(fix.Accuracy)
	snap.LastFix = fix.Timestamp
	if display > e.config.HeadingMinSpeedKmh {
		snap.Heading = geo.CompassDirection(fix.Bearing)
	}
	e.snapshot = snap
	e.lastFix = fix

	listeners := make([]*listener, len(e.listeners))
	copy(listeners, e.listeners)

	e.mu.Unlock()

	e.metrics.Telemetry(snap.SpeedKmh, snap.Accuracy)
	update := Update{Telemetry: snap, Fix: fix}
	for _, l := range listeners {
		l.fn(update)
	}
}

// BestLastKnown returns the most accurate last known fix across providers,
// in enumeration order; the first provider wins a tie.
func (e *Engine) BestLastKnown() (pkg.Fix, bool) {
	e.mu.Lock()
	order := e.order
	if order == nil {
		order = e.registry.ListProviders()
	}
	cached := make(map[pkg.ProviderID]pkg.Fix, len(e.lastKnown))
	for k, v := range e.lastKnown {
		cached[k] = v
	}
	e.mu.Unlock()

	var best pkg.Fix
	found := false
	for _, id := range order {
		fix, ok := cached[id]
		if !ok {
			fix, ok = e.registry.LastKnown(id)
		}
		if !ok || fix.Validate() != nil {
			continue
		}
		if !found || fix.Accuracy < best.Accuracy {
			best, found = fix, true
		}
	}
	return best, found
}

// Subscribe registers fn for every accepted fix. If no fix has been accepted
// yet, the best last known fix is fed through OnFix; otherwise fn receives
// the current snapshot immediately.
func (e *Engine) Subscribe(fn func(Update)) Subscription {
	e.mu.Lock()
	e.nextID++
	l := &listener{id: e.nextID, fn: fn, engine: e}
	e.listeners = append(e.listeners, l)
	hasFix := e.snapshot.HasFix
	current := Update{Telemetry: e.snapshot, Fix: e.lastFix}
	e.mu.Unlock()

	if !hasFix {
		if best, ok := e.BestLastKnown(); ok {
			e.OnFix(best)
		}
		return l
	}

	e.deliverMu.Lock()
	fn(current)
	e.deliverMu.Unlock()
	return l
}

func (e *Engine) removeListener(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}

// Snapshot returns the current fused telemetry
func (e *Engine) Snapshot() pkg.FusedTelemetry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot
}

// LastFix returns the last accepted fix
func (e *Engine) LastFix() (pkg.Fix, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastFix, e.snapshot.HasFix
}
