package http

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/graphfusion/internal/telemetry"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	metrics := NewHTTPMetrics(tel.Meter(httpInstrumentationName), nil)
	ts := newTestServer(t, WithMetrics(metrics))

	rec := ts.store(t, []float32{1, 0}, "a")
	ts.do(t, http.MethodGet, "/api/v1/records/"+rec.ID, nil)
	ts.do(t, http.MethodGet, "/api/v1/records/missing", nil)
	ts.do(t, http.MethodGet, "/health", nil)

	n, ok := tel.Int64Sum(t, "graphfusion.http.requests_total",
		attribute.String("method", http.MethodGet),
		attribute.String("endpoint", "/api/v1/records/:id"),
		attribute.Int("status", http.StatusOK),
	)
	require.True(t, ok, "record ids must collapse into the route template")
	assert.Equal(t, int64(1), n)

	n, ok = tel.Int64Sum(t, "graphfusion.http.requests_total",
		attribute.String("endpoint", "/api/v1/records/:id"),
		attribute.Int("status", http.StatusNotFound),
	)
	require.True(t, ok)
	assert.Equal(t, int64(1), n)

	n, ok = tel.Int64Sum(t, "graphfusion.http.requests_total",
		attribute.String("method", http.MethodPost),
		attribute.Int("status", http.StatusCreated),
	)
	require.True(t, ok)
	assert.Equal(t, int64(1), n)

	active, ok := tel.Int64Sum(t, "graphfusion.http.active_requests")
	require.True(t, ok)
	assert.Zero(t, active)

	var foundDuration, foundSize bool
	for _, sm := range tel.Collect(t).ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "graphfusion.http.request_duration_seconds":
				hist, ok := m.Data.(metricdata.Histogram[float64])
				require.True(t, ok)
				var count uint64
				for _, dp := range hist.DataPoints {
					count += dp.Count
				}
				assert.Equal(t, uint64(4), count)
				foundDuration = true
			case "graphfusion.http.response_size_bytes":
				foundSize = true
			}
		}
	}
	assert.True(t, foundDuration, "duration histogram not recorded")
	assert.True(t, foundSize, "response size histogram not recorded")
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "unmatched", routeLabel(""))
	assert.Equal(t, "/api/v1/records/:id", routeLabel("/api/v1/records/:id"))
}
