package middleware

import (
	"net/http"
	"time"

	"loyalty-engine/internal/metrics"
)

// MetricsMiddleware records request counts and latencies by chi route.
func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			m.ObserveHTTP(routePattern(r), r.Method, rw.statusCode, time.Since(start))
		})
	}
}
