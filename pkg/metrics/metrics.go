package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ridemeter"

// Metrics holds the Prometheus collectors for the location subsystem.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	fixesReceived       *prometheus.CounterVec
	fixesRejected       *prometheus.CounterVec
	providerUnavailable *prometheus.CounterVec
	speedKmh            prometheus.Gauge
	accuracyMeters      prometheus.Gauge
	odometerMeters      prometheus.Gauge
	odometerWriteErrors prometheus.Counter
	syncRowsInserted    prometheus.Counter
	syncBatches         prometheus.Counter
	syncAttempts        *prometheus.CounterVec
	syncState           *prometheus.GaugeVec
	geocodeLookups      *prometheus.CounterVec
	networkOnline       prometheus.Gauge
	networkTransitions  *prometheus.CounterVec
}

// New creates a metrics set on its own registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		fixesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fusion", Name: "fixes_received_total",
			Help: "Fixes delivered by positioning providers.",
		}, []string{"provider"}),
		fixesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fusion", Name: "fixes_rejected_total",
			Help: "Fixes dropped by the fusion engine.",
		}, []string{"provider", "reason"}),
		providerUnavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fusion", Name: "provider_unavailable_total",
			Help: "Providers excluded from fusion because they could not be subscribed.",
		}, []string{"provider"}),
		speedKmh: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "fusion", Name: "speed_kmh",
			Help: "Smoothed speed in km/h.",
		}),
		accuracyMeters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "fusion", Name: "accuracy_meters",
			Help: "Horizontal accuracy of the last accepted fix.",
		}),
		odometerMeters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "odometer", Name: "total_meters",
			Help: "Cumulative distance.",
		}),
		odometerWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "odometer", Name: "write_errors_total",
			Help: "Failed odometer persistence attempts.",
		}),
		syncRowsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "datasync", Name: "rows_inserted_total",
			Help: "City rows inserted by dataset sync.",
		}),
		syncBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "datasync", Name: "batches_total",
			Help: "Batches committed by dataset sync.",
		}),
		syncAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "datasync", Name: "source_attempts_total",
			Help: "Dataset source download attempts.",
		}, []string{"result"}),
		syncState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "datasync", Name: "state",
			Help: "1 for the current sync state.",
		}, []string{"state"}),
		geocodeLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "geocode", Name: "lookups_total",
			Help: "Place-name lookups by source and result.",
		}, []string{"source", "result"}),
		networkOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "netmon", Name: "online",
			Help: "1 when a network transport is available.",
		}),
		networkTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "netmon", Name: "transitions_total",
			Help: "Connectivity edges.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.fixesReceived, m.fixesRejected, m.providerUnavailable,
		m.speedKmh, m.accuracyMeters,
		m.odometerMeters, m.odometerWriteErrors,
		m.syncRowsInserted, m.syncBatches, m.syncAttempts, m.syncState,
		m.geocodeLookups,
		m.networkOnline, m.networkTransitions,
	)
	return m
}

// Registry exposes the underlying registry (tests, custom exporters)
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FixReceived(provider string) {
	if m == nil {
		return
	}
	m.fixesReceived.WithLabelValues(provider).Inc()
}

func (m *Metrics) FixRejected(provider, reason string) {
	if m == nil {
		return
	}
	m.fixesRejected.WithLabelValues(provider, reason).Inc()
}

func (m *Metrics) ProviderUnavailable(provider string) {
	if m == nil {
		return
	}
	m.providerUnavailable.WithLabelValues(provider).Inc()
}

func (m *Metrics) Telemetry(speedKmh, accuracy float64) {
	if m == nil {
		return
	}
	m.speedKmh.Set(speedKmh)
	m.accuracyMeters.Set(accuracy)
}

func (m *Metrics) Odometer(totalMeters float64) {
	if m == nil {
		return
	}
	m.odometerMeters.Set(totalMeters)
}

func (m *Metrics) OdometerWriteError() {
	if m == nil {
		return
	}
	m.odometerWriteErrors.Inc()
}

func (m *Metrics) SyncBatch(rows int) {
	if m == nil {
		return
	}
	m.syncBatches.Inc()
	m.syncRowsInserted.Add(float64(rows))
}

func (m *Metrics) SyncAttempt(result string) {
	if m == nil {
		return
	}
	m.syncAttempts.WithLabelValues(result).Inc()
}

// SyncState marks state as the only active sync state
func (m *Metrics) SyncState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.syncState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) GeocodeLookup(source, result string) {
	if m == nil {
		return
	}
	m.geocodeLookups.WithLabelValues(source, result).Inc()
}

func (m *Metrics) NetworkOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.networkOnline.Set(1)
	} else {
		m.networkOnline.Set(0)
	}
}

func (m *Metrics) NetworkTransition(online bool) {
	if m == nil {
		return
	}
	dir := "down"
	if online {
		dir = "up"
	}
	m.networkTransitions.WithLabelValues(dir).Inc()
}
