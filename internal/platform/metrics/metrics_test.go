package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestArea(t *testing.T) {
	assert.Equal(t, "control", Area("/api/control/streams"))
	assert.Equal(t, "api", Area("/api/health"))
	assert.Equal(t, "metrics", Area("/metrics"))
	assert.Equal(t, "hls", Area("/hls/cam1.m3u8"))
	assert.Equal(t, "hls", Area("/cam1-0001.ts"))
}

func TestNilMetrics_is_noop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncRequests("api")
		m.IncErrors("api")
		m.ObserveReady(time.Second)
		m.IncStopped()
		m.IncFailure("connection")
		m.SetActiveStreams(3)
	})
}

func TestHandler_exposes_counters(t *testing.T) {
	m := New()
	mw := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/stream/x", nil))
	m.ObserveReady(2 * time.Second)
	m.IncFailure("auth")

	rec := httptest.NewRecorder()
	m.Handler(func() { m.SetActiveStreams(2) }).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, `rtsp2hls_http_requests_total{area="api"} 1`)
	assert.Contains(t, body, `rtsp2hls_http_errors_total{area="api"} 1`)
	assert.Contains(t, body, `rtsp2hls_stream_failures_total{class="auth"} 1`)
	assert.Contains(t, body, "rtsp2hls_streams_started_total 1")
	assert.Contains(t, body, "rtsp2hls_active_streams 2")
	assert.Contains(t, body, "rtsp2hls_readiness_seconds_count 1")
}
