package middleware

import (
	"net/http"
	"time"

	"github.com/better-wallet/dapp-provider/internal/logger"
)

// Logging logs one line per request once the handler returns. Long-lived
// websocket connections are logged when they close.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := NewStatusRecorder(w)

		logger.Debug(r.Context(), "request started",
			"method", r.Method,
			"path", r.URL.Path,
			"query", RedactQuery(r.URL),
			"headers", RedactHeaders(r.Header),
		)

		next.ServeHTTP(rec, r)

		logger.Info(r.Context(), "request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.StatusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", GetClientIP(r.Context()),
		)
	})
}
