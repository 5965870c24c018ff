package gps

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/ridemeter/pkg"
	"github.com/markus-lassfolk/ridemeter/pkg/fusion"
	"github.com/markus-lassfolk/ridemeter/pkg/logx"
)

type chanSource struct {
	id       pkg.ProviderID
	passive  bool
	availErr error
	fixes    chan pkg.Fix
	runs     chan struct{}
	stopped  chan struct{}
}

func newChanSource(id pkg.ProviderID) *chanSource {
	return &chanSource{
		id:      id,
		fixes:   make(chan pkg.Fix),
		runs:    make(chan struct{}, 4),
		stopped: make(chan struct{}, 4),
	}
}

func (s *chanSource) ID() pkg.ProviderID              { return s.id }
func (s *chanSource) Passive() bool                   { return s.passive }
func (s *chanSource) Available(context.Context) error { return s.availErr }

func (s *chanSource) Run(ctx context.Context, emit func(pkg.Fix)) error {
	s.runs <- struct{}{}
	defer func() { s.stopped <- struct{}{} }()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-s.fixes:
			emit(f)
		}
	}
}

func sampleFix(lat float64) pkg.Fix {
	return pkg.Fix{Latitude: lat, Longitude: 2.35, Accuracy: 5, Speed: 3}
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestRegistryListsInRegistrationOrder(t *testing.T) {
	r := NewRegistry(nil, logx.NewNopLogger())
	defer r.Close()

	require.NoError(t, r.Register(newChanSource(pkg.ProviderNetwork)))
	require.NoError(t, r.Register(newChanSource(pkg.ProviderGPS)))
	assert.Error(t, r.Register(newChanSource(pkg.ProviderGPS)))

	assert.Equal(t, []pkg.ProviderID{pkg.ProviderNetwork, pkg.ProviderGPS}, r.ListProviders())
}

func TestRegistrySubscribeUnknownOrUnavailable(t *testing.T) {
	r := NewRegistry(nil, logx.NewNopLogger())
	defer r.Close()

	_, err := r.Subscribe(pkg.ProviderGPS, time.Second, 0, func(pkg.Fix) {})
	assert.True(t, errors.Is(err, pkg.ErrProviderUnavailable))

	src := newChanSource(pkg.ProviderGPS)
	src.availErr = errors.New("no such device")
	require.NoError(t, r.Register(src))

	_, err = r.Subscribe(pkg.ProviderGPS, time.Second, 0, func(pkg.Fix) {})
	assert.True(t, errors.Is(err, pkg.ErrProviderUnavailable))

	h := r.Health()[pkg.ProviderGPS]
	assert.False(t, h.Available)
	assert.Equal(t, 1, h.ErrorCount)
	assert.Equal(t, "no such device", h.LastError)
}

func TestRegistryDeliversAndRecordsLastKnown(t *testing.T) {
	r := NewRegistry(nil, logx.NewNopLogger())
	defer r.Close()

	src := newChanSource(pkg.ProviderGPS)
	require.NoError(t, r.Register(src))

	got := make(chan pkg.Fix, 1)
	sub, err := r.Subscribe(pkg.ProviderGPS, 0, 0, func(f pkg.Fix) { got <- f })
	require.NoError(t, err)
	defer sub.Cancel()
	waitFor(t, src.runs)

	src.fixes <- sampleFix(48.85)

	select {
	case f := <-got:
		assert.Equal(t, pkg.ProviderGPS, f.Provider)
		assert.False(t, f.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no fix delivered")
	}

	last, ok := r.LastKnown(pkg.ProviderGPS)
	require.True(t, ok)
	assert.Equal(t, 48.85, last.Latitude)

	h := r.Health()[pkg.ProviderGPS]
	assert.True(t, h.Running)
	assert.Equal(t, 1, h.SuccessCount)
	assert.Equal(t, 1.0, h.SuccessRate())
}

func TestRegistryThrottlesByInterval(t *testing.T) {
	r := NewRegistry(nil, logx.NewNopLogger())
	defer r.Close()

	src := newChanSource(pkg.ProviderGPS)
	require.NoError(t, r.Register(src))

	var mu sync.Mutex
	var slow, fast int
	subSlow, err := r.Subscribe(pkg.ProviderGPS, time.Hour, 0, func(pkg.Fix) { mu.Lock(); slow++; mu.Unlock() })
	require.NoError(t, err)
	defer subSlow.Cancel()
	subFast, err := r.Subscribe(pkg.ProviderGPS, 0, 0, func(pkg.Fix) { mu.Lock(); fast++; mu.Unlock() })
	require.NoError(t, err)
	defer subFast.Cancel()

	for i := 0; i < 3; i++ {
		r.deliver(pkg.ProviderGPS, sampleFix(48+float64(i)))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, slow)
	assert.Equal(t, 3, fast)
}

func TestRegistryMinDisplacement(t *testing.T) {
	r := NewRegistry(nil, logx.NewNopLogger())
	defer r.Close()

	require.NoError(t, r.Register(newChanSource(pkg.ProviderGPS)))

	var n int
	sub, err := r.Subscribe(pkg.ProviderGPS, 0, 100, func(pkg.Fix) { n++ })
	require.NoError(t, err)
	defer sub.Cancel()

	r.deliver(pkg.ProviderGPS, sampleFix(48.0))
	r.deliver(pkg.ProviderGPS, sampleFix(48.0001)) // ~11 m
	r.deliver(pkg.ProviderGPS, sampleFix(48.01))   // ~1.1 km
	assert.Equal(t, 2, n)
}

func TestRegistryStopsSourceWithLastSubscriber(t *testing.T) {
	r := NewRegistry(nil, logx.NewNopLogger())
	defer r.Close()

	src := newChanSource(pkg.ProviderGPS)
	require.NoError(t, r.Register(src))

	a, err := r.Subscribe(pkg.ProviderGPS, 0, 0, func(pkg.Fix) {})
	require.NoError(t, err)
	b, err := r.Subscribe(pkg.ProviderGPS, 0, 0, func(pkg.Fix) {})
	require.NoError(t, err)
	waitFor(t, src.runs)

	a.Cancel()
	a.Cancel()
	select {
	case <-src.stopped:
		t.Fatal("source stopped while a subscriber remains")
	case <-time.After(50 * time.Millisecond):
	}

	b.Cancel()
	waitFor(t, src.stopped)
	assert.False(t, r.Health()[pkg.ProviderGPS].Running)
}

func TestRegistryCloseStopsSources(t *testing.T) {
	r := NewRegistry(nil, logx.NewNopLogger())
	src := newChanSource(pkg.ProviderNetwork)
	require.NoError(t, r.Register(src))

	_, err := r.Subscribe(pkg.ProviderNetwork, 0, 0, func(pkg.Fix) {})
	require.NoError(t, err)
	waitFor(t, src.runs)

	r.Close()
	waitFor(t, src.stopped)
}

func TestStartPassiveFillsLastKnownOutsideTheEngine(t *testing.T) {
	r := NewRegistry(nil, logx.NewNopLogger())
	defer r.Close()

	active := newChanSource(pkg.ProviderGPS)
	relay := newChanSource(pkg.ProviderPassive)
	relay.passive = true
	require.NoError(t, r.Register(active))
	require.NoError(t, r.Register(relay))

	assert.True(t, r.Passive(pkg.ProviderPassive))
	assert.False(t, r.Passive(pkg.ProviderGPS))
	assert.False(t, r.Passive(pkg.ProviderNetwork))

	engine, err := fusion.NewEngine(nil, r, logx.NewNopLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	defer engine.Stop()

	waitFor(t, active.runs)
	select {
	case <-relay.runs:
		t.Fatal("engine must not run passive sources")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, []pkg.ProviderID{pkg.ProviderPassive}, r.StartPassive())
	waitFor(t, relay.runs)
	assert.Empty(t, r.StartPassive())

	relay.fixes <- sampleFix(45.75)
	require.Eventually(t, func() bool {
		_, ok := r.LastKnown(pkg.ProviderPassive)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	best, ok := engine.BestLastKnown()
	require.True(t, ok)
	assert.Equal(t, pkg.ProviderPassive, best.Provider)
	assert.Equal(t, 45.75, best.Latitude)

	// a subscriber leaving does not stop a source started by StartPassive
	sub, err := r.Subscribe(pkg.ProviderPassive, 0, 0, func(pkg.Fix) {})
	require.NoError(t, err)
	sub.Cancel()
	assert.True(t, r.Health()[pkg.ProviderPassive].Running)
}
