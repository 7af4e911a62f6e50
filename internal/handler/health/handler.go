package health

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ntsagui/neocortex/pkg/utils"
)

const pingTimeout = 2 * time.Second

// Handler reports service liveness and broker connectivity.
type Handler struct {
	service string
	ping    func(ctx context.Context) error
	active  func() int
}

// New creates the health handler. ping checks the broker; active reports
// the number of open client connections and may be nil.
func New(service string, ping func(ctx context.Context) error, active func() int) *Handler {
	return &Handler{service: service, ping: ping, active: active}
}

// RegisterRoutes mounts GET /health.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.handleHealth)
}

type report struct {
	Status           string `json:"status"`
	Service          string `json:"service"`
	RedisConnected   bool   `json:"redis_connected"`
	ActiveWebsockets int    `json:"active_websockets"`
	Timestamp        string `json:"timestamp"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()

	connected := h.ping != nil && h.ping(ctx) == nil
	status := "healthy"
	if !connected {
		status = "degraded"
	}

	active := 0
	if h.active != nil {
		active = h.active()
	}

	utils.RespondJSON(w, http.StatusOK, report{
		Status:           status,
		Service:          h.service,
		RedisConnected:   connected,
		ActiveWebsockets: active,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	})
}
