/*
Package metrics exposes client-side counters for the push channel and the
detection cache as Prometheus gauges.

Counters are plain atomics so the hot paths (message decoding, store
mutations) never touch the Prometheus client; the registry reads them lazily
through GaugeFuncs on scrape. All methods are safe on a nil *Metrics.
*/
package metrics

import (
	"math"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Counter identifies a monotonically increasing client counter.
type Counter int

const (
	ConnectAttempts Counter = iota
	ReconnectsScheduled
	ProbeFailures
	MessagesReceived
	MessagesMalformed
	PushedDetections
	PingsSent
	HistoryLoads
	HistoryLoadFailures
	numCounters
)

var counterOpts = [numCounters]prometheus.GaugeOpts{
	ConnectAttempts:     {Name: "weapon_watch_connect_attempts_total", Help: "Push channel dial attempts"},
	ReconnectsScheduled: {Name: "weapon_watch_reconnects_scheduled_total", Help: "Reconnections scheduled by backoff"},
	ProbeFailures:       {Name: "weapon_watch_probe_failures_total", Help: "Failed backend health probes"},
	MessagesReceived:    {Name: "weapon_watch_messages_received_total", Help: "Inbound push messages"},
	MessagesMalformed:   {Name: "weapon_watch_messages_malformed_total", Help: "Inbound push messages dropped as malformed"},
	PushedDetections:    {Name: "weapon_watch_pushed_detections_total", Help: "Detection records delivered over the push channel"},
	PingsSent:           {Name: "weapon_watch_pings_sent_total", Help: "Keep-alive pings sent"},
	HistoryLoads:        {Name: "weapon_watch_history_loads_total", Help: "Successful history reloads"},
	HistoryLoadFailures: {Name: "weapon_watch_history_load_failures_total", Help: "Failed history reloads"},
}

// Metrics holds all client metrics.
type Metrics struct {
	counters [numCounters]atomic.Uint64

	connectionState  atomic.Int64
	cachedDetections atomic.Uint64
	avgConfidence    atomic.Uint64 // float64 bits

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

// registerPrometheusMetrics registers one GaugeFunc per counter plus the cache gauges.
func (m *Metrics) registerPrometheusMetrics() {
	for i := range counterOpts {
		c := Counter(i)
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			counterOpts[c],
			func() float64 { return float64(m.Value(c)) },
		))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "weapon_watch_connection_state",
			Help: "Push channel state (0=idle 1=probing 2=connecting 3=connected 4=backoff 5=offline)",
		},
		func() float64 { return float64(m.connectionState.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "weapon_watch_cached_detections",
			Help: "Detection records held in the local cache",
		},
		func() float64 { return float64(m.cachedDetections.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "weapon_watch_avg_confidence",
			Help: "Mean of per-record max confidence across the cache",
		},
		func() float64 { return m.AvgConfidence() },
	))
}

// Inc increments a counter.
func (m *Metrics) Inc(c Counter) {
	if m == nil || c < 0 || c >= numCounters {
		return
	}
	m.counters[c].Add(1)
}

// Value returns the current value of a counter.
func (m *Metrics) Value(c Counter) uint64 {
	if m == nil || c < 0 || c >= numCounters {
		return 0
	}
	return m.counters[c].Load()
}

// SetConnectionState records the numeric connection state.
func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.connectionState.Store(int64(state))
}

// ConnectionState returns the last recorded connection state.
func (m *Metrics) ConnectionState() int {
	if m == nil {
		return 0
	}
	return int(m.connectionState.Load())
}

// UpdateCache records the cache size and mean confidence.
func (m *Metrics) UpdateCache(total int, avgConfidence float64) {
	if m == nil {
		return
	}
	m.cachedDetections.Store(uint64(total))
	m.avgConfidence.Store(math.Float64bits(avgConfidence))
}

// CachedDetections returns the last recorded cache size.
func (m *Metrics) CachedDetections() int {
	if m == nil {
		return 0
	}
	return int(m.cachedDetections.Load())
}

// AvgConfidence returns the last recorded mean confidence.
func (m *Metrics) AvgConfidence() float64 {
	if m == nil {
		return 0
	}
	return math.Float64frombits(m.avgConfidence.Load())
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
