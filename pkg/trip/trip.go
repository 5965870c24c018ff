// Package trip keeps session statistics shown next to the speedometer.
package trip

import (
	"sync"
	"time"

	"github.com/markus-lassfolk/ridemeter/pkg"
	"github.com/markus-lassfolk/ridemeter/pkg/fusion"
)

// MovingThresholdKmh is the displayed speed above which a sample counts as moving
const MovingThresholdKmh = 1.0

// Stats is a point-in-time view of the trip
type Stats struct {
	MaxSpeedKmh float64       `json:"max_speed_kmh"`
	AvgSpeedKmh float64       `json:"avg_speed_kmh"`
	Samples     int           `json:"samples"`
	StartedAt   time.Time     `json:"started_at"`
	MovingTime  time.Duration `json:"moving_time"`
}

// Tracker accumulates max and average speed over moving samples
type Tracker struct {
	mu        sync.Mutex
	max       float64
	sum       float64
	samples   int
	started   time.Time
	moving    time.Duration
	lastFixAt time.Time
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{started: time.Now()}
}

// Observe folds one telemetry snapshot into the statistics
func (t *Tracker) Observe(tel pkg.FusedTelemetry) {
	if !tel.HasFix || tel.SpeedKmh <= MovingThresholdKmh {
		t.mu.Lock()
		t.lastFixAt = time.Time{}
		t.mu.Unlock()
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if tel.SpeedKmh > t.max {
		t.max = tel.SpeedKmh
	}
	t.sum += tel.SpeedKmh
	t.samples++

	if !t.lastFixAt.IsZero() && tel.LastFix.After(t.lastFixAt) {
		t.moving += tel.LastFix.Sub(t.lastFixAt)
	}
	t.lastFixAt = tel.LastFix
}

// Snapshot returns the current statistics
func (t *Tracker) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{
		MaxSpeedKmh: t.max,
		Samples:     t.samples,
		StartedAt:   t.started,
		MovingTime:  t.moving,
	}
	if t.samples > 0 {
		s.AvgSpeedKmh = t.sum / float64(t.samples)
	}
	return s
}

// Reset starts a new trip
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.max, t.sum, t.samples = 0, 0, 0
	t.moving = 0
	t.lastFixAt = time.Time{}
	t.started = time.Now()
}

// Track subscribes the tracker to the engine
func (t *Tracker) Track(engine *fusion.Engine) fusion.Subscription {
	return engine.Subscribe(func(u fusion.Update) {
		t.Observe(u.Telemetry)
	})
}
