package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Write results.
const (
	WriteAccepted = "accepted"
	WriteRejected = "rejected"
)

// Optimization outcomes.
const (
	OutcomeOptimized     = "optimized"
	OutcomeNotApplicable = "not_applicable"
	OutcomeFailed        = "failed"
)

// Background failure kinds.
const (
	FailureJob     = "job"
	FailureCleanup = "cleanup"
)

// Metrics holds Prometheus counters and gauges for the media cache.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry           *prometheus.Registry
	requestsTotal      prometheus.Counter
	errorsTotal        prometheus.Counter
	writesTotal        *prometheus.CounterVec
	optimizationsTotal *prometheus.CounterVec
	bytesSavedTotal    prometheus.Counter
	backgroundFailures *prometheus.CounterVec
	lookupsTotal       *prometheus.CounterVec
	optimizingAssets   prometheus.Gauge
	optimizeDuration   prometheus.Histogram
	servedBytes        *prometheus.CounterVec
}

// New creates and registers Prometheus metrics for the media cache.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mediacache_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mediacache_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	writesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mediacache_writes_total",
		Help: "Cache writes by result (accepted or rejected)",
	}, []string{"result"})
	optimizationsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mediacache_optimizations_total",
		Help: "Optimizer runs by outcome",
	}, []string{"outcome"})
	bytesSavedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mediacache_bytes_saved_total",
		Help: "Bytes removed from cached media by optimization",
	})
	backgroundFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mediacache_background_failures_total",
		Help: "Failures caught on background optimization jobs by kind",
	}, []string{"kind"})
	lookupsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mediacache_lookups_total",
		Help: "Cache lookups by result (hit or miss)",
	}, []string{"result"})
	optimizingAssets := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mediacache_optimizing_assets",
		Help: "Number of assets with an optimization job in flight",
	})
	optimizeDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mediacache_optimize_duration_seconds",
		Help:    "Time spent in the optimizer pipeline",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
	servedBytes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mediacache_served_bytes_total",
		Help: "Response body bytes by cache outcome (hit, miss or none)",
	}, []string{"cache"})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		writesTotal,
		optimizationsTotal,
		bytesSavedTotal,
		backgroundFailures,
		lookupsTotal,
		optimizingAssets,
		optimizeDuration,
		servedBytes,
	)

	return &Metrics{
		registry:           registry,
		requestsTotal:      requestsTotal,
		errorsTotal:        errorsTotal,
		writesTotal:        writesTotal,
		optimizationsTotal: optimizationsTotal,
		bytesSavedTotal:    bytesSavedTotal,
		backgroundFailures: backgroundFailures,
		lookupsTotal:       lookupsTotal,
		optimizingAssets:   optimizingAssets,
		optimizeDuration:   optimizeDuration,
		servedBytes:        servedBytes,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncWrites counts a cache write with the given result.
func (m *Metrics) IncWrites(result string) {
	if m == nil {
		return
	}
	m.writesTotal.WithLabelValues(result).Inc()
}

// ObserveOptimization records one optimizer run.
func (m *Metrics) ObserveOptimization(outcome string, saved int64, took time.Duration) {
	if m == nil {
		return
	}
	m.optimizationsTotal.WithLabelValues(outcome).Inc()
	if saved > 0 {
		m.bytesSavedTotal.Add(float64(saved))
	}
	m.optimizeDuration.Observe(took.Seconds())
}

// IncBackgroundFailures counts a failure caught on a background job.
func (m *Metrics) IncBackgroundFailures(kind string) {
	if m == nil {
		return
	}
	m.backgroundFailures.WithLabelValues(kind).Inc()
}

// IncLookups counts a cache lookup ("hit" or "miss").
func (m *Metrics) IncLookups(result string) {
	if m == nil {
		return
	}
	m.lookupsTotal.WithLabelValues(result).Inc()
}

// SetOptimizingAssets sets the in-flight gauge.
func (m *Metrics) SetOptimizingAssets(n int) {
	if m == nil {
		return
	}
	m.optimizingAssets.Set(float64(n))
}

// AddServedBytes counts response body bytes for a cache outcome.
func (m *Metrics) AddServedBytes(cache string, n int64) {
	if m == nil {
		return
	}
	m.servedBytes.WithLabelValues(cache).Add(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. in-flight assets).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
