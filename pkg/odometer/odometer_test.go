package odometer

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/ridemeter/pkg"
	"github.com/markus-lassfolk/ridemeter/pkg/fusion"
	"github.com/markus-lassfolk/ridemeter/pkg/geo"
	"github.com/markus-lassfolk/ridemeter/pkg/kvstore"
	"github.com/markus-lassfolk/ridemeter/pkg/logx"
)

type flakyStore struct {
	mu     sync.Mutex
	values map[string]float64
	fail   bool
	writes int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{values: make(map[string]float64)}
}

func (s *flakyStore) GetFloat(key string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *flakyStore) PutFloat(key string, v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.fail {
		return errors.New("read-only file system")
	}
	s.values[key] = v
	return nil
}

func (s *flakyStore) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *flakyStore) stored() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[kvstore.KeyOdometerTotal]
}

func at(lat, lon, accuracy float64) pkg.Fix {
	return pkg.Fix{Provider: pkg.ProviderGPS, Latitude: lat, Longitude: lon, Accuracy: accuracy, Timestamp: time.Now()}
}

func TestOdometerAccumulatesAccurateFixes(t *testing.T) {
	store := newFlakyStore()
	o, err := New(store, logx.NewNopLogger(), nil)
	require.NoError(t, err)

	a := at(48.8566, 2.3522, 5)
	b := at(48.8600, 2.3600, 24.9)
	want := geo.FixDistance(a, b)

	o.OnFix(a, b)
	assert.InDelta(t, want, o.TotalMeters(), 1e-9)
	assert.InDelta(t, want, store.stored(), 1e-9)
	assert.InDelta(t, want/1000, o.TotalKilometers(), 1e-12)
}

func TestOdometerIgnoresInaccurateFixes(t *testing.T) {
	store := newFlakyStore()
	o, err := New(store, logx.NewNopLogger(), nil)
	require.NoError(t, err)

	o.OnFix(at(48.85, 2.35, 5), at(48.90, 2.40, 25))
	assert.Zero(t, o.TotalMeters())
	assert.Zero(t, store.writes)
}

func TestOdometerLoadsPersistedTotal(t *testing.T) {
	store := newFlakyStore()
	store.values[kvstore.KeyOdometerTotal] = 12345
	o, err := New(store, logx.NewNopLogger(), nil)
	require.NoError(t, err)
	assert.Equal(t, 12345.0, o.TotalMeters())
}

func TestOdometerRetriesFailedWrite(t *testing.T) {
	store := newFlakyStore()
	o, err := New(store, logx.NewNopLogger(), nil)
	require.NoError(t, err)

	store.setFail(true)
	o.OnFix(at(48.85, 2.35, 5), at(48.86, 2.35, 5))
	first := o.TotalMeters()
	assert.Greater(t, first, 0.0)
	assert.True(t, o.Dirty())
	assert.Zero(t, store.stored())

	store.setFail(false)
	o.OnFix(at(48.86, 2.35, 5), at(48.87, 2.35, 5))
	assert.False(t, o.Dirty())
	assert.InDelta(t, o.TotalMeters(), store.stored(), 1e-9)
	assert.Greater(t, store.stored(), first)
}

func TestOdometerReset(t *testing.T) {
	store := newFlakyStore()
	store.values[kvstore.KeyOdometerTotal] = 500
	o, err := New(store, logx.NewNopLogger(), nil)
	require.NoError(t, err)

	require.NoError(t, o.Reset())
	assert.Zero(t, o.TotalMeters())
	assert.Zero(t, store.stored())

	store.setFail(true)
	assert.Error(t, o.Reset())
}

func TestOdometerPersistsInBolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	kv, err := kvstore.Open(path)
	require.NoError(t, err)

	o, err := New(kv, logx.NewNopLogger(), nil)
	require.NoError(t, err)
	o.OnFix(at(0, 0, 3), at(0, 0.01, 3))
	total := o.TotalMeters()
	require.NoError(t, kv.Close())

	kv, err = kvstore.Open(path)
	require.NoError(t, err)
	defer kv.Close()
	reloaded, err := New(kv, logx.NewNopLogger(), nil)
	require.NoError(t, err)
	assert.InDelta(t, total, reloaded.TotalMeters(), 1e-9)
}

type staticRegistry struct{}

func (staticRegistry) ListProviders() []pkg.ProviderID { return nil }
func (staticRegistry) Passive(pkg.ProviderID) bool     { return false }
func (staticRegistry) LastKnown(pkg.ProviderID) (pkg.Fix, bool) {
	return pkg.Fix{}, false
}
func (staticRegistry) Subscribe(pkg.ProviderID, time.Duration, float64, func(pkg.Fix)) (fusion.Subscription, error) {
	return nil, pkg.ErrProviderUnavailable
}

func TestOdometerTracksEngine(t *testing.T) {
	engine, err := fusion.NewEngine(nil, staticRegistry{}, logx.NewNopLogger(), nil)
	require.NoError(t, err)

	store := newFlakyStore()
	o, err := New(store, logx.NewNopLogger(), nil)
	require.NoError(t, err)
	sub := o.Track(engine)

	a := at(48.85, 2.35, 5)
	b := at(48.86, 2.35, 5)
	c := at(48.87, 2.35, 40) // accepted by the engine, too coarse for distance
	engine.OnFix(a)
	engine.OnFix(b)
	engine.OnFix(c)

	assert.InDelta(t, geo.FixDistance(a, b), o.TotalMeters(), 1e-9)

	sub.Cancel()
	engine.OnFix(at(49, 2.35, 5))
	assert.InDelta(t, geo.FixDistance(a, b), o.TotalMeters(), 1e-9)
}
