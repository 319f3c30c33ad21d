package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adjutant/adjutant/internal/metrics"
)

func TestNormalizeRoute(t *testing.T) {
	cases := map[string]string{
		"/api/sessions":                 "/api/sessions",
		"/api/sessions/01ABC":           "/api/sessions/:id",
		"/api/sessions/01ABC/input":     "/api/sessions/:id/input",
		"/api/sessions/01ABC/interrupt": "/api/sessions/:id/interrupt",
		"/api/messages":                 "/api/messages",
		"/metrics":                      "/metrics",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeRoute(in), in)
	}
}

func TestHTTPMiddlewareRecordsMetrics(t *testing.T) {
	h := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	counter := metrics.HTTPRequestsTotal.WithLabelValues("GET", "/api/sessions/:id", "418")
	before := promtest.ToFloat64(counter)

	resp, err := http.Get(srv.URL + "/api/sessions/01XYZ")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusTeapot, resp.StatusCode)

	assert.Equal(t, before+1, promtest.ToFloat64(counter))
}
