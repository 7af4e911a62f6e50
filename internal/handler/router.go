package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ntsagui/neocortex/internal/handler/chat"
	"github.com/ntsagui/neocortex/internal/handler/health"
	"github.com/ntsagui/neocortex/internal/handler/stream"
	middlewarePkg "github.com/ntsagui/neocortex/internal/middleware"
	"github.com/ntsagui/neocortex/internal/service/ingest"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "cortex-sensoriel"

// Deps are the services the gateway routes depend on.
type Deps struct {
	Ingest *ingest.Service
	Hub    *stream.Hub
	Ping   func(ctx context.Context) error
	Logger *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	ws := stream.NewWebSocketHandler(deps.Ingest, deps.Hub, logger)

	health.New(ServiceName, deps.Ping, ws.Active).RegisterRoutes(r)
	ws.RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		chat.New(deps.Ingest).RegisterRoutes(api)
		stream.New(deps.Hub, logger).RegisterRoutes(api)
	})

	return r
}
