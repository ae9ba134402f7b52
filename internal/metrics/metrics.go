// Package metrics exposes the daemon's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autosyncd"

// Metrics holds the collectors of one daemon on a private registry
type Metrics struct {
	registry    *prometheus.Registry
	cycles      *prometheus.CounterVec
	failures    *prometheus.CounterVec
	duration    prometheus.Histogram
	skipped     prometheus.Counter
	evicted     prometheus.Counter
	lastSuccess prometheus.Gauge
}

// New creates and registers all collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Sync cycles by outcome.",
		}, []string{"outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_failures_total",
			Help:      "Failed sync cycles by error kind.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of sync cycles.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_skipped_total",
			Help:      "Ticks skipped because a cycle was still running.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_evicted_total",
			Help:      "Snapshots removed by retention.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last cycle that did not fail.",
		}),
	}

	m.registry.MustRegister(
		m.cycles,
		m.failures,
		m.duration,
		m.skipped,
		m.evicted,
		m.lastSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Cycle is what the scheduler reports after each cycle
type Cycle struct {
	Outcome  string
	Kind     string // empty for successful cycles
	Duration time.Duration
	Evicted  int
	At       time.Time
}

// ObserveCycle records one finished cycle
func (m *Metrics) ObserveCycle(c Cycle) {
	m.cycles.WithLabelValues(c.Outcome).Inc()
	m.duration.Observe(c.Duration.Seconds())
	if c.Evicted > 0 {
		m.evicted.Add(float64(c.Evicted))
	}
	if c.Kind != "" {
		m.failures.WithLabelValues(c.Kind).Inc()
		return
	}
	m.lastSuccess.Set(float64(c.At.Unix()))
}

// TickSkipped counts a tick dropped by the single-flight rule
func (m *Metrics) TickSkipped() {
	m.skipped.Inc()
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
