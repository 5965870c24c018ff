// Package netmon polls connectivity and reports online/offline edges.
package netmon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/ridemeter/pkg/logx"
	"github.com/markus-lassfolk/ridemeter/pkg/metrics"
)

// Config holds monitor configuration
type Config struct {
	Interval time.Duration `json:"interval"`
}

// DefaultConfig returns the default monitor configuration
func DefaultConfig() *Config {
	return &Config{Interval: 30 * time.Second}
}

// Transition is an online/offline edge
type Transition struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// OfflineIndicator is surfaced on every poll while offline
type OfflineIndicator struct {
	Since        time.Time `json:"since"`
	LastSyncedAt time.Time `json:"last_synced_at"`
	Message      string    `json:"message"`
}

// Subscription is a handle to an observer registration
type Subscription struct {
	cancel func()
	once   sync.Once
}

// Cancel removes the observer
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Monitor is the network-transition monitor
type Monitor struct {
	config  *Config
	probe   Probe
	logger  *logx.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu          sync.Mutex
	initialized bool
	online      bool
	since       time.Time
	lastSync    time.Time
	nextID      int
	transitions map[int]func(Transition)
	indicators  map[int]func(OfflineIndicator)
}

// NewMonitor creates a monitor over probe
func NewMonitor(config *Config, probe Probe, logger *logx.Logger, m *metrics.Metrics) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	return &Monitor{
		config:      config,
		probe:       probe,
		logger:      logger,
		metrics:     m,
		now:         time.Now,
		transitions: make(map[int]func(Transition)),
		indicators:  make(map[int]func(OfflineIndicator)),
	}
}

// OnTransition registers fn for online/offline edges
func (m *Monitor) OnTransition(fn func(Transition)) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.transitions[id] = fn
	return &Subscription{cancel: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.transitions, id)
	}}
}

// OnOffline registers fn for the offline indicator
func (m *Monitor) OnOffline(fn func(OfflineIndicator)) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.indicators[id] = fn
	return &Subscription{cancel: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.indicators, id)
	}}
}

// MarkSynced records the last successful online refresh
func (m *Monitor) MarkSynced(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSync = t
}

// LastSyncedAt returns the time given to the last MarkSynced
func (m *Monitor) LastSyncedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSync
}

// Connected returns the state seen by the last poll
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Run polls until ctx is cancelled; the first poll happens immediately
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.logger.Info("Network monitor started", "interval", m.config.Interval)
	m.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll runs one connectivity check and notifies observers
func (m *Monitor) Poll(ctx context.Context) {
	connected := m.probe.IsConnected(ctx)
	now := m.now()

	m.mu.Lock()
	var transition *Transition
	switch {
	case !m.initialized:
		m.initialized = true
		m.online = connected
		m.since = now
		m.logger.Info("Network baseline", "online", connected)
	case connected != m.online:
		m.online = connected
		m.since = now
		transition = &Transition{Online: connected, At: now}
	}

	var indicator *OfflineIndicator
	if !connected {
		indicator = &OfflineIndicator{
			Since:        m.since,
			LastSyncedAt: m.lastSync,
			Message:      OfflineMessage(m.lastSync),
		}
	}

	transitionFns := make([]func(Transition), 0, len(m.transitions))
	if transition != nil {
		for _, fn := range m.transitions {
			transitionFns = append(transitionFns, fn)
		}
	}
	indicatorFns := make([]func(OfflineIndicator), 0, len(m.indicators))
	if indicator != nil {
		for _, fn := range m.indicators {
			indicatorFns = append(indicatorFns, fn)
		}
	}
	m.mu.Unlock()

	m.metrics.NetworkOnline(connected)
	if transition != nil {
		m.metrics.NetworkTransition(transition.Online)
		if transition.Online {
			m.logger.Info("Network connectivity restored")
		} else {
			m.logger.Warn("Network connectivity lost")
		}
		for _, fn := range transitionFns {
			fn(*transition)
		}
	}
	for _, fn := range indicatorFns {
		fn(*indicator)
	}
}

// OfflineMessage renders the offline banner text
func OfflineMessage(lastSync time.Time) string {
	if lastSync.IsZero() {
		return "No internet. Last sync: never"
	}
	return fmt.Sprintf("No internet. Last sync: %s", lastSync.Format("3:04 PM"))
}
