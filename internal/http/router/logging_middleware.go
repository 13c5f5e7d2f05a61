package router

import (
	"amqpav/internal/logging"
	"github.com/go-chi/chi/v5/middleware"
	"net/http"
	"time"
)

func requestLogger(logger logging.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			fields := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
				"remote_ip", r.RemoteAddr,
			}
			if ww.Status() >= http.StatusInternalServerError {
				logger.Warn("http_request", fields...)
				return
			}
			logger.Debug("http_request", fields...)
		}

		return http.HandlerFunc(fn)
	}
}
