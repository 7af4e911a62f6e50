package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ntsagui/neocortex/internal/service/ingest"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
	writeTimeout = 10 * time.Second
)

// Submitter accepts messages arriving on a live connection.
type Submitter interface {
	SubmitFrame(ctx context.Context, sessionID string, req ingest.Request) (ingest.Receipt, error)
}

// WebSocketHandler carries chat messages in both directions over one socket.
type WebSocketHandler struct {
	ingest   Submitter
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
	active   atomic.Int64
}

// NewWebSocketHandler builds the handler.
func NewWebSocketHandler(ingest Submitter, hub *Hub, logger *zap.Logger) *WebSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketHandler{
		ingest: ingest,
		hub:    hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger.Named("websocket"),
	}
}

// RegisterRoutes mounts the socket endpoint.
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{sessionID}", h.handleWebSocket)
}

// Active is the number of open sockets.
func (h *WebSocketHandler) Active() int {
	return int(h.active.Load())
}

func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		http.Error(w, "sessionID is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.active.Add(1)
	defer h.active.Add(-1)

	log := h.logger.With(zap.String("session_id", sessionID))
	log.Info("connection opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, unsubscribe := h.hub.Subscribe(sessionID)
	defer unsubscribe()

	outbound := make(chan Frame, subscriberBuffer)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, conn, sub, outbound, log)
		cancel()
	}()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	send := func(f Frame) {
		select {
		case outbound <- f:
		case <-ctx.Done():
		}
	}

readLoop:
	for ctx.Err() == nil {
		var req ingest.Request
		if err := conn.ReadJSON(&req); err != nil {
			var closeErr *websocket.CloseError
			switch {
			case errors.As(err, &closeErr):
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn("unexpected close", zap.Error(err))
				}
			case isJSONError(err):
				send(Frame{Type: "error", Message: "invalid message format"})
				continue
			default:
				log.Debug("read ended", zap.Error(err))
			}
			break readLoop
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		receipt, err := h.ingest.SubmitFrame(ctx, sessionID, req)
		if err != nil {
			send(Frame{Type: "error", Message: err.Error()})
			continue
		}
		send(Frame{Type: "ack", SignalID: receipt.SignalID, CorrelationID: receipt.CorrelationID})
	}

	cancel()
	<-writerDone
	log.Info("connection closed")
}

// writeLoop is the only writer on conn.
func (h *WebSocketHandler) writeLoop(ctx context.Context, conn *websocket.Conn, sub *Subscription, outbound <-chan Frame, log *zap.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	write := func(f Frame) bool {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(f); err != nil {
			log.Debug("write failed", zap.Error(err))
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case f := <-outbound:
			if !write(f) {
				return
			}
		case f, ok := <-sub.Frames():
			if !ok {
				return
			}
			if !write(f) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func isJSONError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
