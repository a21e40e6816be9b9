package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapihub/hapi/internal/metrics"
)

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	c, err := counter.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	_ = c.(prometheus.Metric).Write(m)
	return m.GetCounter().GetValue()
}

func getGaugeValue(t *testing.T, gauge prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	_ = gauge.(prometheus.Metric).Write(m)
	return m.GetGauge().GetValue()
}

// --- HTTP middleware tests ---

func TestHTTPMiddleware_RecordsRequestMetrics(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	before := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/sessions/:id/messages", "200")

	resp, err := http.Get(server.URL + "/sessions/abc123/messages")
	require.NoError(t, err)
	_ = resp.Body.Close()

	after := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/sessions/:id/messages", "200")
	assert.Equal(t, float64(1), after-before)
}

func TestHTTPMiddleware_NormalizesEntityIDs(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	before := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/machines/:id", "404")

	resp, err := http.Get(server.URL + "/machines/machine-1")
	require.NoError(t, err)
	_ = resp.Body.Close()

	after := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/machines/:id", "404")
	assert.Equal(t, float64(1), after-before)
}

func TestHTTPMiddleware_KeepsWellKnownPaths(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	before := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/metrics", "200")

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()

	after := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/metrics", "200")
	assert.Equal(t, float64(1), after-before)
}

// --- Business gauge tests ---

func TestActiveRunnerSocketsGauge(t *testing.T) {
	before := getGaugeValue(t, metrics.ActiveRunnerSockets)
	metrics.ActiveRunnerSockets.Inc()
	assert.Equal(t, float64(1), getGaugeValue(t, metrics.ActiveRunnerSockets)-before)

	metrics.ActiveRunnerSockets.Dec()
	assert.Equal(t, before, getGaugeValue(t, metrics.ActiveRunnerSockets))
}

func TestActiveSessionsGauge(t *testing.T) {
	before := getGaugeValue(t, metrics.ActiveSessions)
	metrics.ActiveSessions.Inc()
	assert.Equal(t, float64(1), getGaugeValue(t, metrics.ActiveSessions)-before)

	metrics.ActiveSessions.Dec()
	assert.Equal(t, before, getGaugeValue(t, metrics.ActiveSessions))
}

// --- Registry test ---

func TestMetricsRegistered(t *testing.T) {
	count, err := testutil.GatherAndCount(prometheus.DefaultGatherer)
	require.NoError(t, err)
	assert.Greater(t, count, 0, "should have registered metrics")
}
