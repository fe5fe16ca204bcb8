package middleware

import (
	"net/http"
	"time"
)

// MetricsMiddleware reports each completed request's path, status, and latency to observe.
// Takes a plain func so the middleware package stays free of a metrics dependency.
func MetricsMiddleware(observe func(path string, status int, elapsed time.Duration)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)
			observe(r.URL.Path, rw.statusCode, time.Since(start))
		})
	}
}
