package geocode

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"googlemaps.github.io/maps"

	"github.com/markus-lassfolk/ridemeter/pkg"
	"github.com/markus-lassfolk/ridemeter/pkg/citystore"
	"github.com/markus-lassfolk/ridemeter/pkg/logx"
)

type memCities struct {
	records  []pkg.CityRecord
	allCalls int
}

func (m *memCities) Query(_ context.Context, latMin, latMax, lonMin, lonMax float64) ([]pkg.CityRecord, error) {
	var out []pkg.CityRecord
	for _, r := range m.records {
		if r.Latitude >= latMin && r.Latitude <= latMax && r.Longitude >= lonMin && r.Longitude <= lonMax {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memCities) All(context.Context) ([]pkg.CityRecord, error) {
	m.allCalls++
	return m.records, nil
}

func TestNearestCityRoundTripThroughStore(t *testing.T) {
	store, err := citystore.Open(&citystore.Config{DatabasePath: filepath.Join(t.TempDir(), "c.db")}, logx.NewNopLogger())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.BulkInsert(ctx, []pkg.CityRecord{
		{Name: "Paris", State: "Île-de-France", Country: "FR", Latitude: 48.8566, Longitude: 2.3522},
		{Name: "Lyon", State: "Auvergne-Rhône-Alpes", Country: "FR", Latitude: 45.7640, Longitude: 4.8357},
	}))

	g := NewOfflineGeocoder(store)
	info, ok, err := g.NearestCity(ctx, 48.86, 2.35)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Paris", info.Name)
	assert.Equal(t, "Île-de-France", info.State)
	assert.Equal(t, "FR", info.Country)
}

func TestNearestCityFallsBackToFullScan(t *testing.T) {
	cities := &memCities{records: []pkg.CityRecord{
		{Name: "Far", Country: "XX", Latitude: 10, Longitude: 10},
		{Name: "Nearer", Country: "XX", Latitude: 3, Longitude: 3},
	}}
	g := NewOfflineGeocoder(cities)

	info, ok, err := g.NearestCity(context.Background(), 0, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Nearer", info.Name)
	assert.Equal(t, 1, cities.allCalls)
}

func TestNearestCityBoxHitSkipsFullScan(t *testing.T) {
	cities := &memCities{records: []pkg.CityRecord{
		{Name: "Inside", Latitude: 0.2, Longitude: 0.2},
		{Name: "Outside", Latitude: 5, Longitude: 5},
	}}
	g := NewOfflineGeocoder(cities)

	info, ok, err := g.NearestCity(context.Background(), 0, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Inside", info.Name)
	assert.Zero(t, cities.allCalls)
}

func TestNearestCityTieKeepsFirstSeen(t *testing.T) {
	cities := &memCities{records: []pkg.CityRecord{
		{Name: "First", Latitude: 0.1, Longitude: 0},
		{Name: "Second", Latitude: -0.1, Longitude: 0},
	}}
	info, ok, err := NewOfflineGeocoder(cities).NearestCity(context.Background(), 0, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "First", info.Name)
}

func TestNearestCityEmptyStore(t *testing.T) {
	info, ok, err := NewOfflineGeocoder(&memCities{}).NearestCity(context.Background(), 48, 2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, pkg.CityInfo{}, info)
}

func TestCityFromComponents(t *testing.T) {
	info := cityFromComponents([]maps.AddressComponent{
		{LongName: "10", Types: []string{"street_number"}},
		{LongName: "Paris", ShortName: "Paris", Types: []string{"locality", "political"}},
		{LongName: "Département de Paris", Types: []string{"administrative_area_level_2", "political"}},
		{LongName: "Île-de-France", ShortName: "IDF", Types: []string{"administrative_area_level_1", "political"}},
		{LongName: "France", ShortName: "FR", Types: []string{"country", "political"}},
	})
	assert.Equal(t, pkg.CityInfo{Name: "Paris", State: "Île-de-France", Country: "FR"}, info)

	noLocality := cityFromComponents([]maps.AddressComponent{
		{LongName: "Kreis Wesel", Types: []string{"administrative_area_level_2"}},
		{LongName: "Germany", ShortName: "DE", Types: []string{"country"}},
	})
	assert.Equal(t, "Kreis Wesel", noLocality.Name)
	assert.Equal(t, "DE", noLocality.Country)
}

func TestGoogleGeocoderRequiresKey(t *testing.T) {
	_, err := NewGoogleGeocoder(GoogleConfig{})
	assert.True(t, errors.Is(err, pkg.ErrProviderUnavailable))
}

type fakeOnline struct {
	mu    sync.Mutex
	info  pkg.CityInfo
	err   error
	calls int
}

func (f *fakeOnline) ReverseGeocode(context.Context, float64, float64) (pkg.CityInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.info, f.err
}

func parisOffline() *OfflineGeocoder {
	return NewOfflineGeocoder(&memCities{records: []pkg.CityRecord{
		{Name: "Paris", State: "Île-de-France", Country: "FR", Latitude: 48.8566, Longitude: 2.3522},
	}})
}

func TestResolverUsesOnlineWhenConnected(t *testing.T) {
	online := &fakeOnline{info: pkg.CityInfo{Name: "Paris 4e", State: "Île-de-France", Country: "FR"}}
	r := NewResolver(nil, online, parisOffline(), logx.NewNopLogger(), nil)
	r.SetOnline(true)
	assert.Equal(t, SourceOnline, r.Source())

	info := r.Resolve(context.Background(), 48.8566, 2.3522)
	assert.Equal(t, "Paris 4e", info.Name)

	// same geohash cell is served from cache
	r.Resolve(context.Background(), 48.8567, 2.3523)
	assert.Equal(t, 1, online.calls)
}

func TestResolverFallsBackOffline(t *testing.T) {
	online := &fakeOnline{err: errors.New("quota exceeded")}
	r := NewResolver(nil, online, parisOffline(), logx.NewNopLogger(), nil)
	r.SetOnline(true)

	info := r.Resolve(context.Background(), 48.86, 2.35)
	assert.Equal(t, "Paris", info.Name)
	assert.Equal(t, "Paris, Île-de-France", info.Label())
}

func TestResolverOfflineSourceSkipsOnline(t *testing.T) {
	online := &fakeOnline{info: pkg.CityInfo{Name: "Remote"}}
	r := NewResolver(nil, online, parisOffline(), logx.NewNopLogger(), nil)

	assert.Equal(t, SourceOffline, r.Source())
	info := r.Resolve(context.Background(), 48.86, 2.35)
	assert.Equal(t, "Paris", info.Name)
	assert.Zero(t, online.calls)
}

func TestResolverUnknownOnDoubleMiss(t *testing.T) {
	online := &fakeOnline{err: pkg.ErrGeocodeMiss}
	r := NewResolver(nil, online, NewOfflineGeocoder(&memCities{}), logx.NewNopLogger(), nil)
	r.SetOnline(true)

	info := r.Resolve(context.Background(), 0, 0)
	assert.Equal(t, pkg.UnknownLocation, info.Name)
	assert.False(t, info.Known())
}

func TestResolverCacheIsBounded(t *testing.T) {
	cities := &memCities{records: []pkg.CityRecord{{Name: "Anywhere", Latitude: 0, Longitude: 0}}}
	r := NewResolver(&ResolverConfig{CachePrecision: 5, CacheSize: 2}, nil, NewOfflineGeocoder(cities), logx.NewNopLogger(), nil)

	r.Resolve(context.Background(), 10, 10)
	r.Resolve(context.Background(), 20, 20)
	r.Resolve(context.Background(), 30, 30)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Len(t, r.cache, 2)
	assert.Len(t, r.order, 2)
}
