package stream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ntsagui/neocortex/internal/broker"
	"github.com/ntsagui/neocortex/internal/model/signal"
)

const (
	subscriberBuffer = 16
	relayRetryDelay  = time.Second
)

// Frame is pushed to connected clients.
type Frame struct {
	Type          string `json:"type"`
	SignalID      string `json:"signal_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Text          string `json:"text,omitempty"`
	MessageCount  int    `json:"message_count,omitempty"`
	Message       string `json:"message,omitempty"`
}

// Tailer follows a topic from its current end.
type Tailer interface {
	Tail(ctx context.Context, topic string, fn func(broker.Message)) error
}

// Subscription receives the frames addressed to one session.
type Subscription struct {
	sessionID string
	frames    chan Frame
}

// Frames is closed when the subscription is cancelled.
func (s *Subscription) Frames() <-chan Frame { return s.frames }

// Hub routes assistant responses to the clients of each session.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	logger *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		logger: logger.Named("hub"),
	}
}

// Subscribe registers a client for sessionID. The returned func removes it.
func (h *Hub) Subscribe(sessionID string) (*Subscription, func()) {
	sub := &Subscription{sessionID: sessionID, frames: make(chan Frame, subscriberBuffer)}

	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[sessionID], sub)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
			close(sub.frames)
			h.mu.Unlock()
		})
	}
}

// Deliver pushes f to every subscriber of sessionID. Slow subscribers lose
// the frame rather than stall the relay.
func (h *Hub) Deliver(sessionID string, f Frame) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for sub := range h.subs[sessionID] {
		select {
		case sub.frames <- f:
			delivered++
		default:
			h.logger.Warn("subscriber buffer full, dropping frame", zap.String("session_id", sessionID))
		}
	}
	return delivered
}

// Active counts live subscriptions.
func (h *Hub) Active() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// Relay forwards ASSISTANT_RESPONSE signals from the output channel until
// ctx ends.
func (h *Hub) Relay(ctx context.Context, tailer Tailer) error {
	h.logger.Info("relay started", zap.String("topic", signal.TopicOutputChat))
	for {
		err := tailer.Tail(ctx, signal.TopicOutputChat, h.relayMessage)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		h.logger.Warn("relay interrupted, retrying", zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(relayRetryDelay):
		}
	}
}

func (h *Hub) relayMessage(msg broker.Message) {
	if msg.Signal.Type != signal.AssistantResponse {
		return
	}
	var payload signal.ResponsePayload
	if err := msg.Signal.DecodePayload(&payload); err != nil {
		h.logger.Warn("undecodable response", zap.String("signal_id", msg.Signal.ID), zap.Error(err))
		return
	}
	h.Deliver(payload.SessionID, Frame{
		Type:          "response",
		SignalID:      msg.Signal.ID,
		CorrelationID: msg.Signal.CorrelationID,
		Text:          payload.Response,
		MessageCount:  payload.MessageCount,
	})
}
