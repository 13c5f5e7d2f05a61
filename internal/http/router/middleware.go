package router

import (
	"amqpav/internal/logging"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"time"
)

func useBaseMiddlewares(r chi.Router, logger logging.Logger) {
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Use(requestLogger(logger.With("component", "http")))

	// Health checks ping external services; keep them bounded.
	r.Use(middleware.Timeout(10 * time.Second))
}
