package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the transcoding origin.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   prometheus.Counter
	errorsTotal     prometheus.Counter
	serveDuration   *prometheus.HistogramVec
	jobsTotal       *prometheus.CounterVec
	encodesTotal    *prometheus.CounterVec
	encodeDuration  *prometheus.HistogramVec
	segmentsEncoded *prometheus.CounterVec
	manifestsTotal  prometheus.Counter
	activeJobs      prometheus.Gauge
	encodesRunning  prometheus.Gauge
}

// New creates and registers Prometheus metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		serveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hls_serve_duration_seconds",
			Help:    "HTTP response time by asset kind (playlist, segment, api)",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_transcode_jobs_total",
			Help: "Transcode jobs that reached a terminal status",
		}, []string{"status"}),
		encodesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_tier_encodes_total",
			Help: "Per-tier encodes by tier and result",
		}, []string{"tier", "result"}),
		encodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hls_tier_encode_duration_seconds",
			Help:    "Wall time of a single tier encode",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"tier"}),
		segmentsEncoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_segments_encoded_total",
			Help: "Segment files observed while encoders were running",
		}, []string{"tier"}),
		manifestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_manifests_published_total",
			Help: "Master manifests swapped into place",
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_active_jobs",
			Help: "Transcode jobs that are not yet terminal",
		}),
		encodesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_encodes_running",
			Help: "Encodes currently holding a worker slot",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.serveDuration,
		m.jobsTotal,
		m.encodesTotal,
		m.encodeDuration,
		m.segmentsEncoded,
		m.manifestsTotal,
		m.activeJobs,
		m.encodesRunning,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// ObserveServe records how long a response of the given asset kind took.
func (m *Metrics) ObserveServe(kind string, d time.Duration) {
	m.serveDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveJob counts a job that reached a terminal status.
func (m *Metrics) ObserveJob(status string) {
	m.jobsTotal.WithLabelValues(status).Inc()
}

// ObserveEncode records one tier encode outcome and its duration.
func (m *Metrics) ObserveEncode(tier string, ok bool, d time.Duration) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.encodesTotal.WithLabelValues(tier, result).Inc()
	m.encodeDuration.WithLabelValues(tier).Observe(d.Seconds())
}

// IncSegmentsEncoded counts a segment file written by a running encoder.
func (m *Metrics) IncSegmentsEncoded(tier string) {
	m.segmentsEncoded.WithLabelValues(tier).Inc()
}

// IncManifestsPublished counts a master manifest swap.
func (m *Metrics) IncManifestsPublished() {
	m.manifestsTotal.Inc()
}

// SetActiveJobs sets the active jobs gauge.
func (m *Metrics) SetActiveJobs(n int) {
	m.activeJobs.Set(float64(n))
}

// EncodeStarted and EncodeFinished track worker slot occupancy.
func (m *Metrics) EncodeStarted() { m.encodesRunning.Inc() }

func (m *Metrics) EncodeFinished() { m.encodesRunning.Dec() }

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		inner.ServeHTTP(w, r)
	})
}
