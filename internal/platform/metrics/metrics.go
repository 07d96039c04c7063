package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the stream gateway.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	requestsTotal  *prometheus.CounterVec
	errorsTotal    *prometheus.CounterVec
	streamsStarted prometheus.Counter
	streamsStopped prometheus.Counter
	streamFailures *prometheus.CounterVec
	activeStreams  prometheus.Gauge
	readiness      prometheus.Histogram
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtsp2hls_http_requests_total",
		Help: "Total number of HTTP requests received, by area (hls, api, control)",
	}, []string{"area"})
	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtsp2hls_http_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx), by area",
	}, []string{"area"})
	streamsStarted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtsp2hls_streams_started_total",
		Help: "Total number of streams that reached readiness",
	})
	streamsStopped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtsp2hls_streams_stopped_total",
		Help: "Total number of stop requests that terminated a tracked process",
	})
	streamFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtsp2hls_stream_failures_total",
		Help: "Total number of stream failures, by error class",
	}, []string{"class"})
	activeStreams := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtsp2hls_active_streams",
		Help: "Number of transcoding processes currently tracked",
	})
	readiness := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rtsp2hls_readiness_seconds",
		Help:    "Time from spawn until the manifest file appeared",
		Buckets: []float64{0.5, 1, 2, 3, 5, 8, 13, 21, 30},
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		streamsStarted,
		streamsStopped,
		streamFailures,
		activeStreams,
		readiness,
	)

	return &Metrics{
		registry:       registry,
		requestsTotal:  requestsTotal,
		errorsTotal:    errorsTotal,
		streamsStarted: streamsStarted,
		streamsStopped: streamsStopped,
		streamFailures: streamFailures,
		activeStreams:  activeStreams,
		readiness:      readiness,
	}
}

// IncRequests increments the request counter for area.
func (m *Metrics) IncRequests(area string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(area).Inc()
}

// IncErrors increments the error response counter for area.
func (m *Metrics) IncErrors(area string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(area).Inc()
}

// ObserveReady records a successful start and how long readiness took.
func (m *Metrics) ObserveReady(d time.Duration) {
	if m == nil {
		return
	}
	m.streamsStarted.Inc()
	m.readiness.Observe(d.Seconds())
}

// IncStopped increments the stopped streams counter.
func (m *Metrics) IncStopped() {
	if m == nil {
		return
	}
	m.streamsStopped.Inc()
}

// IncFailure counts a start or runtime failure under its error class.
func (m *Metrics) IncFailure(class string) {
	if m == nil {
		return
	}
	m.streamFailures.WithLabelValues(class).Inc()
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	if m == nil {
		return
	}
	m.activeStreams.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active streams).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
