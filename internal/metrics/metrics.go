// Package metrics exposes the emulator's operational counters on a
// dedicated prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	Opens              prometheus.Counter
	Saves              prometheus.Counter
	Exports            prometheus.Counter
	ConversionFailures prometheus.Counter
	CacheEvictions     prometheus.Counter
	ChunkExpiries      prometheus.Counter

	LiveHandles  prometheus.Gauge
	OpenSessions prometheus.Gauge
	CacheBytes   prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Opens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webdocs_opens_total",
			Help: "Documents opened.",
		}),
		Saves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webdocs_saves_total",
			Help: "Completed save operations, including fallback saves.",
		}),
		Exports: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webdocs_exports_total",
			Help: "Completed export operations.",
		}),
		ConversionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webdocs_conversion_failures_total",
			Help: "External converter invocations that failed.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webdocs_cache_evictions_total",
			Help: "Resource cache entries evicted under capacity pressure.",
		}),
		ChunkExpiries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webdocs_chunk_session_expiries_total",
			Help: "Chunked save sessions abandoned on idle timeout.",
		}),
		LiveHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webdocs_live_transport_handles",
			Help: "Transport handles currently serving a connection.",
		}),
		OpenSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webdocs_open_sessions",
			Help: "Document sessions currently open (0 or 1).",
		}),
		CacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webdocs_cache_bytes",
			Help: "Live bytes across all session resource caches.",
		}),
	}
	m.registry.MustRegister(
		m.Opens, m.Saves, m.Exports, m.ConversionFailures,
		m.CacheEvictions, m.ChunkExpiries,
		m.LiveHandles, m.OpenSessions, m.CacheBytes,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
