// Package odometer accumulates travelled distance from accepted fixes and
// keeps the total in the key/value store.
package odometer

import (
	"fmt"
	"sync"

	"github.com/markus-lassfolk/ridemeter/pkg"
	"github.com/markus-lassfolk/ridemeter/pkg/fusion"
	"github.com/markus-lassfolk/ridemeter/pkg/geo"
	"github.com/markus-lassfolk/ridemeter/pkg/kvstore"
	"github.com/markus-lassfolk/ridemeter/pkg/logx"
	"github.com/markus-lassfolk/ridemeter/pkg/metrics"
)

// MaxAccuracy is the worst accuracy, in meters, that still counts toward distance
const MaxAccuracy = 25.0

// FloatStore is the persistence the odometer needs
type FloatStore interface {
	GetFloat(key string) (float64, bool, error)
	PutFloat(key string, v float64) error
}

// Odometer is the distance accumulator
type Odometer struct {
	store   FloatStore
	logger  *logx.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	total   float64
	dirty   bool
	prev    pkg.Fix
	hasPrev bool
}

// New loads the persisted total; a missing key starts at zero
func New(store FloatStore, logger *logx.Logger, m *metrics.Metrics) (*Odometer, error) {
	total, _, err := store.GetFloat(kvstore.KeyOdometerTotal)
	if err != nil {
		return nil, fmt.Errorf("failed to load odometer: %w", err)
	}
	m.Odometer(total)
	return &Odometer{store: store, logger: logger, metrics: m, total: total}, nil
}

// OnFix adds the distance between prev and cur when cur is accurate enough.
// Persistence errors are logged and retried on the next accepted fix.
func (o *Odometer) OnFix(prev, cur pkg.Fix) {
	if !(cur.Accuracy < MaxAccuracy) {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.total += geo.FixDistance(prev, cur)
	o.persistLocked()
}

func (o *Odometer) persistLocked() {
	if err := o.store.PutFloat(kvstore.KeyOdometerTotal, o.total); err != nil {
		if !o.dirty {
			o.logger.Warn("Failed to persist odometer, will retry", "total_m", o.total, "error", err)
		}
		o.dirty = true
		o.metrics.OdometerWriteError()
		return
	}
	if o.dirty {
		o.logger.Info("Odometer persisted after earlier failure", "total_m", o.total)
	}
	o.dirty = false
	o.metrics.Odometer(o.total)
}

// Reset zeroes the total and persists immediately
func (o *Odometer) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.total = 0
	o.hasPrev = false
	if err := o.store.PutFloat(kvstore.KeyOdometerTotal, 0); err != nil {
		o.dirty = true
		return fmt.Errorf("failed to persist odometer reset: %w", err)
	}
	o.dirty = false
	o.metrics.Odometer(0)
	o.logger.Info("Odometer reset")
	return nil
}

// TotalMeters returns the accumulated distance
func (o *Odometer) TotalMeters() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.total
}

// TotalKilometers returns the accumulated distance in km
func (o *Odometer) TotalKilometers() float64 {
	return o.TotalMeters() / 1000
}

// Dirty reports whether the in-memory total is ahead of the store
func (o *Odometer) Dirty() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dirty
}

// Track feeds every consecutive pair of accepted engine fixes into OnFix
func (o *Odometer) Track(engine *fusion.Engine) fusion.Subscription {
	return engine.Subscribe(func(u fusion.Update) {
		o.mu.Lock()
		prev, hasPrev := o.prev, o.hasPrev
		o.prev, o.hasPrev = u.Fix, true
		o.mu.Unlock()

		if hasPrev {
			o.OnFix(prev, u.Fix)
		}
	})
}
