package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FixReceived("gps")
		m.FixRejected("network", "low_accuracy")
		m.Telemetry(10, 5)
		m.Odometer(100)
		m.SyncBatch(500)
		m.SyncState("idle", []string{"idle"})
		m.GeocodeLookup("offline", "hit")
		m.NetworkOnline(true)
		m.NetworkTransition(false)
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()

	m.FixReceived("gps")
	m.FixReceived("gps")
	m.FixRejected("network", "low_accuracy")
	m.SyncBatch(500)
	m.SyncBatch(20)
	m.SyncState("syncing", []string{"idle", "syncing", "success", "failed"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.fixesReceived.WithLabelValues("gps")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fixesRejected.WithLabelValues("network", "low_accuracy")))
	assert.Equal(t, 520.0, testutil.ToFloat64(m.syncRowsInserted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.syncBatches))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncState.WithLabelValues("syncing")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.syncState.WithLabelValues("idle")))
}

func TestHandlerServesText(t *testing.T) {
	m := New()
	m.NetworkOnline(true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "ridemeter_netmon_online 1"))
}
