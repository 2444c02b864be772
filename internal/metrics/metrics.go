// Package metrics exposes ingestion counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors registered for one process.
type Metrics struct {
	registry *prometheus.Registry

	ingested  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	backfill  prometheus.Counter
	spooled   prometheus.Counter
	published *prometheus.CounterVec
}

// New registers the chatlog collectors plus the Go and process collectors on
// a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatlog_ingested_total",
			Help: "Events ingested this session, by counter name.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatlog_hook_duration_seconds",
			Help:    "Time spent in one ingestion hook.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"kind"}),
		backfill: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatlog_backfill_processed_total",
			Help: "Events written by backfill scans.",
		}),
		spooled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatlog_failures_spooled_total",
			Help: "Error sink records written to the local spool.",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatlog_notifications_total",
			Help: "Notifications published, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.ingested, m.duration, m.backfill, m.spooled, m.published)
	return m
}

// Observe implements ingest.CounterObserver.
func (m *Metrics) Observe(name string, delta int64) {
	m.ingested.WithLabelValues(name).Add(float64(delta))
}

// ObserveHook records how long a hook for kind took.
func (m *Metrics) ObserveHook(kind string, d time.Duration) {
	m.duration.WithLabelValues(kind).Observe(d.Seconds())
}

// BackfillProcessed adds n written backfill events.
func (m *Metrics) BackfillProcessed(n int64) {
	m.backfill.Add(float64(n))
}

// Spooled counts one failure written to the spool.
func (m *Metrics) Spooled() {
	m.spooled.Inc()
}

// Published counts one notification publish attempt.
func (m *Metrics) Published(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.published.WithLabelValues(result).Inc()
}

// RunningJobs exposes fn as the gauge of running backfill jobs.
func (m *Metrics) RunningJobs(fn func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "chatlog_backfill_running",
			Help: "Backfill jobs currently running.",
		},
		func() float64 { return float64(fn()) },
	))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
