package router

import (
	"amqpav/internal/http/handlers/health"
	"amqpav/internal/http/responses"
	"amqpav/internal/logging"
	"github.com/go-chi/chi/v5"
)

func NewRouter(
	logger logging.Logger,
	healthHandler *health.Handler,
) chi.Router {
	r := chi.NewRouter()

	useBaseMiddlewares(r, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.Check)
	})

	r.NotFound(responses.WriteNotFound)
	r.MethodNotAllowed(responses.WriteMethodNotAllowed)

	return r
}
