// Package middleware holds the HTTP middleware of the admin listener.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/welldanyogia/tempmail-mta/internal/logger"
)

// RequestLogger logs every admin request once it completes. The chi request
// id, when present, becomes the correlation id of the request context.
func RequestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := chimw.GetReqID(r.Context())
			if requestID != "" {
				r = r.WithContext(logger.SetCorrelationID(r.Context(), requestID))
			}

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if requestID != "" {
				attrs = append(attrs, slog.String("correlation_id", requestID))
			}

			switch {
			case status >= 500:
				log.Error("admin request failed", attrs...)
			case status >= 400:
				log.Warn("admin request rejected", attrs...)
			default:
				// probes and scrapes are frequent
				log.Debug("admin request", attrs...)
			}
		})
	}
}
