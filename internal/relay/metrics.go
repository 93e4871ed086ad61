package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the relay's Prometheus counters/gauges backing its
// quantified invariants (monotonic sequencing, lease exclusivity) and the
// operational surface at GET /metrics. Registered on a private registry
// (rather than the global default) so multiple Server instances in the
// same test binary don't collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	UpdatesSequenced   *prometheus.CounterVec
	BatchFlushDuration prometheus.Histogram
	BatchFlushFailures prometheus.Counter

	CompactionsTotal *prometheus.CounterVec

	LeaseAcquisitions *prometheus.CounterVec
	ActiveLeases      prometheus.Gauge

	WebsocketConnections prometheus.Gauge
	HTTPRequestsTotal    *prometheus.CounterVec
}

// NewMetrics constructs and registers every relay metric.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		UpdatesSequenced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scriptum_relay_updates_sequenced_total",
			Help: "Total updates assigned a server_seq, by workspace.",
		}, []string{"workspace"}),
		BatchFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scriptum_relay_batch_flush_duration_seconds",
			Help:    "Time taken to flush a batch of sequenced updates to Postgres.",
			Buckets: prometheus.DefBuckets,
		}),
		BatchFlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scriptum_relay_batch_flush_failures_total",
			Help: "Total batch flush attempts that failed.",
		}),
		CompactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scriptum_relay_compactions_total",
			Help: "Total compaction passes, by outcome (compacted, skipped).",
		}, []string{"outcome"}),
		LeaseAcquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scriptum_relay_lease_acquisitions_total",
			Help: "Total lease acquire attempts, by outcome (granted, renewed, denied).",
		}, []string{"outcome"}),
		ActiveLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scriptum_relay_active_leases",
			Help: "Current number of non-expired leases.",
		}),
		WebsocketConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scriptum_relay_websocket_connections",
			Help: "Current number of open sync-session websocket connections.",
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scriptum_relay_http_requests_total",
			Help: "Total HTTP requests, by route and status class.",
		}, []string{"route", "status"}),
	}

	registry.MustRegister(
		m.UpdatesSequenced,
		m.BatchFlushDuration,
		m.BatchFlushFailures,
		m.CompactionsTotal,
		m.LeaseAcquisitions,
		m.ActiveLeases,
		m.WebsocketConnections,
		m.HTTPRequestsTotal,
	)
	return m
}

// Handler returns the Prometheus text-exposition HTTP handler for GET
// /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
