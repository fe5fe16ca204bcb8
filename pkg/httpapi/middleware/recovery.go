package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// RecoveryMiddleware catches panics escaping any handler and converts them into a 500 response
// in the OpenAI error envelope. The panic and its stack are logged in full; the client only ever
// sees the generic message. This is the outermost layer of the chain: nothing a request does may
// take the process down.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				requestID := GetRequestID(r.Context())
				slog.ErrorContext(r.Context(), "panic in handler",
					"error", err,
					"request_id", requestID,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)

				// Headers may already be gone if the handler panicked mid-stream;
				// at that point this write fails silently, which is fine — the
				// connection is torn down and the process survives.
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]map[string]string{
					"error": {
						"message": "An internal error occurred. Please try again later.",
						"type":    "server_error",
						"code":    "500",
					},
				})
			}
		}()

		next.ServeHTTP(w, r)
	})
}
