package stream

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ntsagui/neocortex/pkg/utils"
)

const heartbeatInterval = 8 * time.Second

// Handler streams a session's assistant responses as Server-Sent Events.
type Handler struct {
	hub    *Hub
	logger *zap.Logger
}

// New creates the SSE handler.
func New(hub *Hub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{hub: hub, logger: logger.Named("sse")}
}

// RegisterRoutes mounts the stream endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream/{sessionID}", h.handleStream)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub, unsubscribe := h.hub.Subscribe(sessionID)
	defer unsubscribe()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	utils.SendSSEEvent(w, flusher, "status", map[string]string{"message": "stream established"})

	log := h.logger.With(zap.String("session_id", sessionID))
	log.Debug("stream opened")

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			log.Debug("stream closed")
			return
		case f, ok := <-sub.Frames():
			if !ok {
				return
			}
			utils.SendSSEEvent(w, flusher, f.Type, f)
		case t := <-ticker.C:
			utils.SendSSEEvent(w, flusher, "heartbeat", map[string]string{
				"time": t.UTC().Format(time.RFC3339),
			})
		}
	}
}
