package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ntsagui/neocortex/internal/service/ingest"
	"github.com/ntsagui/neocortex/pkg/utils"
)

// maxBodyBytes bounds a chat request body.
const maxBodyBytes = 1 << 20

// Submitter accepts validated chat requests.
type Submitter interface {
	Submit(ctx context.Context, req ingest.Request) (ingest.Receipt, error)
}

// Handler exposes the chat ingestion endpoint.
type Handler struct {
	ingest Submitter
}

// New creates the chat handler.
func New(ingest Submitter) *Handler {
	return &Handler{ingest: ingest}
}

// RegisterRoutes mounts the chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/v1/chat", h.handleChat)
}

type acceptedResponse struct {
	Status        string `json:"status"`
	SignalID      string `json:"signal_id"`
	CorrelationID string `json:"correlation_id"`
	Message       string `json:"message"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		utils.RespondDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	receipt, err := h.ingest.Submit(r.Context(), req)
	switch {
	case errors.Is(err, ingest.ErrInvalidRequest):
		utils.RespondDetail(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		utils.RespondDetail(w, http.StatusServiceUnavailable, "Signal transmission failed")
		return
	}

	utils.RespondJSON(w, http.StatusAccepted, acceptedResponse{
		Status:        "accepted",
		SignalID:      receipt.SignalID,
		CorrelationID: receipt.CorrelationID,
		Message:       "Signal transmitted to cortex-nlp",
	})
}
