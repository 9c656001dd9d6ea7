// Package metrics exposes engine counters over Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/pulsewatch/engine/pkg/types"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry
	handler  fasthttp.RequestHandler

	ProbesTotal       *prometheus.CounterVec
	ProbeDuration     *prometheus.HistogramVec
	ProbesInFlight    prometheus.Gauge
	VersionConflicts  prometheus.Counter
	PersistenceDrops  prometheus.Counter
	Subscribers       prometheus.Gauge
	DroppedBroadcasts prometheus.Counter
	SweepEntries      prometheus.Histogram
}

// New registers all engine collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		ProbesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsewatch_probes_total",
			Help: "Completed probes by resulting status.",
		}, []string{"status", "prober"}),
		ProbeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pulsewatch_probe_duration_seconds",
			Help:    "Wall time of completed probes.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"prober"}),
		ProbesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulsewatch_probes_in_flight",
			Help: "Probes currently executing.",
		}),
		VersionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsewatch_store_version_conflicts_total",
			Help: "Optimistic concurrency conflicts during status writes.",
		}),
		PersistenceDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsewatch_persistence_drops_total",
			Help: "Status updates dropped after retry exhaustion.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulsewatch_push_subscribers",
			Help: "Connected push subscribers.",
		}),
		DroppedBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsewatch_push_dropped_total",
			Help: "Broadcasts dropped on saturated subscribers.",
		}),
		SweepEntries: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pulsewatch_sweep_dispatched_entries",
			Help:    "Entries dispatched per scheduler sweep.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}

	registry.MustRegister(
		m.ProbesTotal,
		m.ProbeDuration,
		m.ProbesInFlight,
		m.VersionConflicts,
		m.PersistenceDrops,
		m.Subscribers,
		m.DroppedBroadcasts,
		m.SweepEntries,
	)

	m.handler = fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	return m
}

// ObserveProbe records one completed probe.
func (m *Metrics) ObserveProbe(status types.Status, prober string, seconds float64) {
	m.ProbesTotal.WithLabelValues(string(status), prober).Inc()
	m.ProbeDuration.WithLabelValues(prober).Observe(seconds)
}

// ServeHTTP adapts the Prometheus exposition handler to fasthttp.
func (m *Metrics) ServeHTTP(ctx *fasthttp.RequestCtx) {
	m.handler(ctx)
}
