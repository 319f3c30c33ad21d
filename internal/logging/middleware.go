package logging

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adjutant/adjutant/internal/metrics"
)

// HTTPMiddleware returns an http.Handler that logs every request with
// method, path, status code and duration, and records the request count and
// latency metrics.
func HTTPMiddleware(next http.Handler) http.Handler {
	logger := slog.With("component", "http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		elapsed := time.Since(start)
		route := normalizeRoute(r.URL.Path)
		metrics.HTTPRequestsTotal.
			WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
		metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

		logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration", elapsed,
		)
	})
}

// normalizeRoute collapses per-session path segments so the metric labels
// stay low-cardinality: /api/sessions/<id>[/op] becomes
// /api/sessions/:id[/op].
func normalizeRoute(path string) string {
	const prefix = "/api/sessions/"
	if !strings.HasPrefix(path, prefix) {
		return path
	}
	rest := strings.TrimPrefix(path, prefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return prefix + ":id" + rest[i:]
	}
	return prefix + ":id"
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap supports http.ResponseController and middleware that need
// the underlying ResponseWriter (e.g. for Flush, Hijack).
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
