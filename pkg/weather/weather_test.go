package weather

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/ridemeter/pkg/logx"
)

const forecastBody = `{
  "utc_offset_seconds": 0,
  "current": {"temperature_2m": 17.6, "weather_code": 61},
  "hourly": {
    "time": ["2026-03-14T14:00","2026-03-14T15:00","2026-03-14T16:00","2026-03-14T17:00",
             "2026-03-14T18:00","2026-03-14T19:00","2026-03-14T20:00","2026-03-14T21:00"],
    "temperature_2m": [15, 16, 17, 18, 19, 20, 21, 22],
    "weather_code": [0, 1, 2, 45, 61, 80, 95, 3]
  }
}`

func testClient(urls ...string) *Client {
	c := NewClient(&Config{BaseURLs: urls, Timeout: time.Second, MaxRetries: 1}, logx.NewNopLogger())
	c.now = func() time.Time { return time.Date(2026, 3, 14, 15, 30, 0, 0, time.UTC) }
	return c
}

func TestRefreshParsesForecast(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		assert.Equal(t, "/v1/forecast", r.URL.Path)
		fmt.Fprint(w, forecastBody)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, ok := c.Latest()
	assert.False(t, ok)

	r, err := c.Refresh(context.Background(), 48.8566, 2.3522)
	require.NoError(t, err)
	assert.Contains(t, query, "latitude=48.85660")
	assert.Contains(t, query, "current=temperature_2m%2Cweather_code")

	assert.Equal(t, 17.6, r.TemperatureC)
	assert.Equal(t, "18°C", r.Temperature())
	assert.Equal(t, "Rain", r.Description)
	require.Len(t, r.Forecast, ForecastHours)
	assert.Equal(t, 16, r.Forecast[0].Time.Hour())
	assert.Equal(t, "Cloudy", r.Forecast[0].Short)
	assert.Equal(t, "Storm", r.Forecast[4].Short)

	latest, ok := c.Latest()
	assert.True(t, ok)
	assert.Equal(t, r.TemperatureC, latest.TemperatureC)
}

func TestRefreshFallsBackToNextHost(t *testing.T) {
	var hits atomic.Int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, forecastBody)
	}))
	defer good.Close()

	r, err := testClient(bad.URL, good.URL).Refresh(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 61, r.Code)
}

func TestRefreshFailureKeepsPreviousReport(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			fmt.Fprint(w, "not json")
			return
		}
		fmt.Fprint(w, forecastBody)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.Refresh(context.Background(), 0, 0)
	require.NoError(t, err)

	fail.Store(true)
	_, err = c.Refresh(context.Background(), 0, 0)
	assert.Error(t, err)

	latest, ok := c.Latest()
	assert.True(t, ok)
	assert.Equal(t, 17.6, latest.TemperatureC)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "Clear sky", Describe(0))
	assert.Equal(t, "Fog", Describe(48))
	assert.Equal(t, "Snow fall", Describe(73))
	assert.Equal(t, "Cloudy", Describe(77))
	assert.Equal(t, "Cloud", Short(77))
}
