package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/ridemeter/pkg"
	"github.com/markus-lassfolk/ridemeter/pkg/geocode"
	"github.com/markus-lassfolk/ridemeter/pkg/logx"
	"github.com/markus-lassfolk/ridemeter/pkg/netmon"
	"github.com/markus-lassfolk/ridemeter/pkg/uci"
)

func TestPlaceDue(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	last := pkg.Fix{Latitude: 48.8566, Longitude: 2.3522}

	assert.True(t, placeDue(pkg.Fix{}, time.Time{}, false, last, now), "first fix is always named")
	assert.False(t, placeDue(last, now.Add(-time.Minute), true, last, now))

	moved := pkg.Fix{Latitude: 48.8566 + 0.005, Longitude: 2.3522}
	assert.True(t, placeDue(last, now.Add(-time.Minute), true, moved, now), "about 550 m north")

	assert.True(t, placeDue(last, now.Add(-placeMaxAge), true, last, now))
}

func TestOfferPlaceKeepsNewestAndForce(t *testing.T) {
	d := &daemon{places: make(chan placeRequest, 1)}

	d.offerPlace(placeRequest{fix: pkg.Fix{Latitude: 1}, force: true})
	d.offerPlace(placeRequest{fix: pkg.Fix{Latitude: 2}})

	req := <-d.places
	assert.Equal(t, 2.0, req.fix.Latitude)
	assert.True(t, req.force)

	select {
	case <-d.places:
		t.Fatal("only one request should be pending")
	default:
	}
}

func TestWriteStatusFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ridemeterd.status")
	require.NoError(t, writeStatusFile(path, map[string]interface{}{"online": true, "odometer_km": 12.5}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, true, got["online"])
	assert.Equal(t, 12.5, got["odometer_km"])

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file must be renamed away")

	assert.NoError(t, writeStatusFile("", nil))
}

func testConfig(t *testing.T) *uci.Config {
	t.Helper()
	cfg, err := uci.LoadConfig(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Main.DataDir = dir
	cfg.Main.Country = "FR"
	cfg.CityStore.DatabasePath = filepath.Join(dir, "location_cache.db")
	cfg.NMEAEnabled = false
	cfg.WeatherEnabled = false
	cfg.API.Enabled = false
	return cfg
}

func TestNewDaemonWiresComponents(t *testing.T) {
	cfg := testConfig(t)
	dir := cfg.Main.DataDir

	statusFile := filepath.Join(dir, "status.json")
	d, err := newDaemon(cfg, logx.NewNopLogger(), statusFile)
	require.NoError(t, err)
	defer d.Close()

	assert.Empty(t, d.registry.ListProviders())
	assert.Nil(t, d.weather)
	assert.Equal(t, "FR", d.syncCountry())

	d.publishStatus()
	data, err := os.ReadFile(statusFile)
	require.NoError(t, err)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &status))
	assert.Equal(t, AppVersion, status["version"])
	assert.Equal(t, false, status["has_fix"])
	assert.Equal(t, "idle", status["sync_state"])
	assert.NotContains(t, status, "place")
}

func TestConnectivityTransitions(t *testing.T) {
	var datasetHits atomic.Int32
	dataset := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		datasetHits.Add(1)
		w.Write([]byte(`[{"name":"Lyon","country":"FR","lat":45.76,"lon":4.84}]`))
	}))
	defer dataset.Close()

	cfg := testConfig(t)
	cfg.GoogleGeocode.APIKey = "AIza-test"
	cfg.Sync.Sources = []string{dataset.URL}

	d, err := newDaemon(cfg, logx.NewNopLogger(), "")
	require.NoError(t, err)
	defer d.Close()

	var online atomic.Bool
	d.monitor = netmon.NewMonitor(nil, netmon.ProbeFunc(func(context.Context) bool {
		return online.Load()
	}), logx.NewNopLogger(), nil)
	d.monitor.OnTransition(d.onTransition)
	d.monitor.OnOffline(d.onOffline)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.ctx = ctx

	fix := pkg.Fix{Provider: pkg.ProviderGPS, Latitude: 45.76, Longitude: 4.84, Accuracy: 5, Timestamp: time.Now()}
	d.engine.OnFix(fix)
	_, ok := d.engine.LastFix()
	require.True(t, ok)

	d.monitor.Poll(ctx)
	assert.Equal(t, geocode.SourceOffline, d.resolver.Source())
	banner, ok := d.api.Network()
	require.True(t, ok, "offline polls push the banner")
	assert.False(t, banner.Online)
	assert.NotEmpty(t, banner.Message)

	online.Store(true)
	d.monitor.Poll(ctx)

	assert.Equal(t, geocode.SourceOnline, d.resolver.Source())
	banner, _ = d.api.Network()
	assert.True(t, banner.Online)

	select {
	case req := <-d.places:
		assert.True(t, req.force)
		assert.Equal(t, fix.Latitude, req.fix.Latitude)
		assert.Equal(t, fix.Longitude, req.fix.Longitude)
	default:
		t.Fatal("going online must queue a forced place refresh")
	}
	select {
	case <-d.weatherKick:
	default:
		t.Fatal("going online must wake the weather loop")
	}

	d.sync.Wait()
	assert.Equal(t, int32(1), datasetHits.Load())
	count, err := d.cities.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	online.Store(false)
	d.monitor.Poll(ctx)
	assert.Equal(t, geocode.SourceOffline, d.resolver.Source())
	banner, _ = d.api.Network()
	assert.False(t, banner.Online)
	require.NotNil(t, banner.LastSyncedAt, "the finished sync is reported as the last refresh")
}
