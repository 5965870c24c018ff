package gps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/ridemeter/pkg"
	"github.com/markus-lassfolk/ridemeter/pkg/fusion"
	"github.com/markus-lassfolk/ridemeter/pkg/geo"
	"github.com/markus-lassfolk/ridemeter/pkg/logx"
)

// RegistryConfig holds registry tuning
type RegistryConfig struct {
	AvailabilityTimeout time.Duration `json:"availability_timeout"`
	RetryDelay          time.Duration `json:"retry_delay"`
}

// DefaultRegistryConfig returns the default registry configuration
func DefaultRegistryConfig() *RegistryConfig {
	return &RegistryConfig{
		AvailabilityTimeout: 5 * time.Second,
		RetryDelay:          5 * time.Second,
	}
}

// Registry runs sources on demand and fans their fixes out to subscribers.
// It implements fusion.ProviderRegistry.
type Registry struct {
	config *RegistryConfig
	logger *logx.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	sources   []Source
	byID      map[pkg.ProviderID]Source
	runners   map[pkg.ProviderID]*runner
	lastKnown map[pkg.ProviderID]pkg.Fix
	health    map[pkg.ProviderID]*SourceHealth
	nextSubID int
	wg        sync.WaitGroup
}

type runner struct {
	cancel      context.CancelFunc
	subscribers map[int]*subscriber
	keep        bool // started by StartPassive, outlives its subscribers
}

type subscriber struct {
	id              int
	fn              func(pkg.Fix)
	minInterval     time.Duration
	minDisplacement float64
	lastDelivered   time.Time
	lastFix         pkg.Fix
	delivered       bool
}

// NewRegistry creates an empty registry
func NewRegistry(config *RegistryConfig, logger *logx.Logger) *Registry {
	if config == nil {
		config = DefaultRegistryConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		config:    config,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		byID:      make(map[pkg.ProviderID]Source),
		runners:   make(map[pkg.ProviderID]*runner),
		lastKnown: make(map[pkg.ProviderID]pkg.Fix),
		health:    make(map[pkg.ProviderID]*SourceHealth),
	}
}

var _ fusion.ProviderRegistry = (*Registry)(nil)

// Register adds a source; enumeration order is registration order
func (r *Registry) Register(src Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := src.ID()
	if _, exists := r.byID[id]; exists {
		return fmt.Errorf("provider %q already registered", id)
	}
	r.sources = append(r.sources, src)
	r.byID[id] = src
	r.health[id] = &SourceHealth{}
	return nil
}

// ListProviders returns provider ids in registration order
func (r *Registry) ListProviders() []pkg.ProviderID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]pkg.ProviderID, 0, len(r.sources))
	for _, s := range r.sources {
		ids = append(ids, s.ID())
	}
	return ids
}

// Passive reports whether id is a registered passive source
func (r *Registry) Passive(id pkg.ProviderID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.byID[id]
	return ok && src.Passive()
}

// StartPassive runs every passive source without a subscriber so their fixes
// reach LastKnown. A source that cannot run yet is retried by its runner.
func (r *Registry) StartPassive() []pkg.ProviderID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var started []pkg.ProviderID
	for _, src := range r.sources {
		id := src.ID()
		if !src.Passive() {
			continue
		}
		if run, ok := r.runners[id]; ok {
			run.keep = true
			continue
		}
		ctx, cancel := context.WithCancel(r.ctx)
		r.runners[id] = &runner{cancel: cancel, subscribers: make(map[int]*subscriber), keep: true}
		r.health[id].Available = true
		r.health[id].Running = true
		r.wg.Add(1)
		go r.runSource(ctx, src)
		started = append(started, id)
	}
	return started
}

// LastKnown returns the last fix the provider produced
func (r *Registry) LastKnown(id pkg.ProviderID) (pkg.Fix, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.lastKnown[id]
	return f, ok
}

// Health returns a copy of every provider's health
func (r *Registry) Health() map[pkg.ProviderID]SourceHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[pkg.ProviderID]SourceHealth, len(r.health))
	for id, h := range r.health {
		out[id] = *h
	}
	return out
}

// Subscribe starts the provider if needed and registers listener. Fixes are
// delivered no more often than minInterval and only after moving at least
// minDisplacement meters.
func (r *Registry) Subscribe(id pkg.ProviderID, minInterval time.Duration, minDisplacement float64, listener func(pkg.Fix)) (fusion.Subscription, error) {
	r.mu.Lock()
	src, ok := r.byID[id]
	_, running := r.runners[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", id, pkg.ErrProviderUnavailable)
	}

	if !running {
		ctx, cancel := context.WithTimeout(r.ctx, r.config.AvailabilityTimeout)
		err := src.Available(ctx)
		cancel()
		if err != nil {
			r.recordError(id, err, false)
			if errors.Is(err, pkg.ErrProviderUnavailable) {
				return nil, fmt.Errorf("provider %q: %w", id, err)
			}
			return nil, fmt.Errorf("provider %q: %w: %v", id, pkg.ErrProviderUnavailable, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runners[id]
	if !ok {
		ctx, cancel := context.WithCancel(r.ctx)
		run = &runner{cancel: cancel, subscribers: make(map[int]*subscriber)}
		r.runners[id] = run
		r.health[id].Available = true
		r.health[id].Running = true
		r.wg.Add(1)
		go r.runSource(ctx, src)
	}

	r.nextSubID++
	sub := &subscriber{
		id:              r.nextSubID,
		fn:              listener,
		minInterval:     minInterval,
		minDisplacement: minDisplacement,
	}
	run.subscribers[sub.id] = sub
	return &registration{registry: r, provider: id, id: sub.id}, nil
}

type registration struct {
	registry *Registry
	provider pkg.ProviderID
	id       int
	once     sync.Once
}

// Cancel removes the listener and stops the source when it was the last one
func (s *registration) Cancel() {
	s.once.Do(func() {
		s.registry.unsubscribe(s.provider, s.id)
	})
}

func (r *Registry) unsubscribe(id pkg.ProviderID, subID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runners[id]
	if !ok {
		return
	}
	delete(run.subscribers, subID)
	if len(run.subscribers) == 0 && !run.keep {
		run.cancel()
		delete(r.runners, id)
		r.health[id].Running = false
	}
}

func (r *Registry) runSource(ctx context.Context, src Source) {
	defer r.wg.Done()
	id := src.ID()
	r.logger.Info("Positioning provider started", "provider", id)

	emit := func(f pkg.Fix) { r.deliver(id, f) }
	for {
		err := src.Run(ctx, emit)
		if ctx.Err() != nil {
			r.logger.Info("Positioning provider stopped", "provider", id)
			return
		}
		if err != nil {
			r.recordError(id, err, true)
			r.logger.Warn("Positioning provider failed, retrying", "provider", id, "error", err, "retry_in", r.config.RetryDelay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.config.RetryDelay):
		}
	}
}

func (r *Registry) deliver(id pkg.ProviderID, fix pkg.Fix) {
	if fix.Provider == "" {
		fix.Provider = id
	}
	if fix.Timestamp.IsZero() {
		fix.Timestamp = time.Now()
	}

	r.mu.Lock()
	if fix.Validate() == nil {
		r.lastKnown[id] = fix
	}
	h := r.health[id]
	h.SuccessCount++
	h.LastSuccess = time.Now()
	h.LastError = ""

	var targets []func(pkg.Fix)
	if run, ok := r.runners[id]; ok {
		now := time.Now()
		for _, sub := range run.subscribers {
			if sub.delivered {
				if now.Sub(sub.lastDelivered) < sub.minInterval {
					continue
				}
				if sub.minDisplacement > 0 && geo.FixDistance(sub.lastFix, fix) < sub.minDisplacement {
					continue
				}
			}
			sub.delivered = true
			sub.lastDelivered = now
			sub.lastFix = fix
			targets = append(targets, sub.fn)
		}
	}
	r.mu.Unlock()

	for _, fn := range targets {
		fn(fix)
	}
}

func (r *Registry) recordError(id pkg.ProviderID, err error, running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.health[id]
	if !ok {
		return
	}
	h.ErrorCount++
	h.LastError = err.Error()
	if !running {
		h.Available = false
	}
}

// Close stops every running source and waits for them
func (r *Registry) Close() {
	r.cancel()
	r.mu.Lock()
	for id, run := range r.runners {
		run.cancel()
		delete(r.runners, id)
		r.health[id].Running = false
	}
	r.mu.Unlock()
	r.wg.Wait()
}
