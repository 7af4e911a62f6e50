package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ntsagui/neocortex/internal/broker"
	"github.com/ntsagui/neocortex/internal/model/chat"
	"github.com/ntsagui/neocortex/internal/model/signal"
)

var (
	ErrInvalidRequest = errors.New("invalid chat request")
	ErrUnavailable    = errors.New("signal transmission failed")
)

// highPriorityHistory is the history length from which inbound messages are
// flagged HIGH.
const highPriorityHistory = 6

// Request is a chat message submitted by a client.
type Request struct {
	SessionID           string            `json:"session_id"`
	Message             string            `json:"message"`
	ProspectInfo        chat.ProspectInfo `json:"prospect_info"`
	ConversationHistory []chat.Message    `json:"conversation_history,omitempty"`
	Language            string            `json:"language,omitempty"`
}

// Validate checks the fields required by the HTTP contract.
func (r Request) Validate() error {
	var missing []string
	if strings.TrimSpace(r.SessionID) == "" {
		missing = append(missing, "session_id")
	}
	if strings.TrimSpace(r.Message) == "" {
		missing = append(missing, "message")
	}
	if r.ProspectInfo.Name == "" {
		missing = append(missing, "prospect_info.name")
	}
	if r.ProspectInfo.Email == "" {
		missing = append(missing, "prospect_info.email")
	}
	if r.ProspectInfo.Company == "" {
		missing = append(missing, "prospect_info.company")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	for i, m := range r.ConversationHistory {
		if !m.Role.Valid() {
			return fmt.Errorf("%w: conversation_history[%d].role %q must be user, assistant or system", ErrInvalidRequest, i, m.Role)
		}
	}
	return nil
}

// Receipt identifies an accepted message.
type Receipt struct {
	SignalID      string `json:"signal_id"`
	CorrelationID string `json:"correlation_id"`
}

// Service turns client messages into LEAD_MESSAGE_RECEIVED signals.
type Service struct {
	publisher broker.Publisher
	logger    *zap.Logger
}

// NewService builds the ingestion service.
func NewService(publisher broker.Publisher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{publisher: publisher, logger: logger.Named("ingest")}
}

// Submit validates req and publishes it. A publish failure is reported on
// the errors channel and returned as ErrUnavailable.
func (s *Service) Submit(ctx context.Context, req Request) (Receipt, error) {
	if err := req.Validate(); err != nil {
		return Receipt{}, err
	}
	return s.publish(ctx, req)
}

// SubmitFrame publishes a message received on a live connection. Only the
// message text is required there; the session comes from the connection.
func (s *Service) SubmitFrame(ctx context.Context, sessionID string, req Request) (Receipt, error) {
	req.SessionID = sessionID
	if sessionID == "" || strings.TrimSpace(req.Message) == "" {
		return Receipt{}, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	return s.publish(ctx, req)
}

func (s *Service) publish(ctx context.Context, req Request) (Receipt, error) {
	language := req.Language
	if language == "" {
		language = chat.DefaultLanguage
	}

	priority := signal.PriorityNormal
	if len(req.ConversationHistory) >= highPriorityHistory {
		priority = signal.PriorityHigh
	}

	sig, err := signal.New(signal.LeadMessageReceived, signal.SourceSensoriel, signal.LeadMessagePayload{
		SessionID:           req.SessionID,
		Message:             req.Message,
		ProspectInfo:        req.ProspectInfo,
		ConversationHistory: req.ConversationHistory,
		Language:            language,
		MessageCount:        len(req.ConversationHistory) + 1,
	}, signal.WithConfidence(1.0), signal.WithPriority(priority))
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	log := s.logger.With(
		zap.String("session_id", req.SessionID),
		zap.String("signal_id", sig.ID),
		zap.String("correlation_id", sig.CorrelationID),
	)

	if err := s.publisher.Publish(ctx, signal.TopicInputChat, req.SessionID, sig); err != nil {
		log.Error("publish inbound signal", zap.Error(err))
		s.reportFailure(ctx, log, req, err)
		return Receipt{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	log.Debug("message accepted", zap.String("priority", string(priority)))
	return Receipt{SignalID: sig.ID, CorrelationID: sig.CorrelationID}, nil
}

func (s *Service) reportFailure(ctx context.Context, log *zap.Logger, req Request, cause error) {
	sig, err := signal.New(signal.ErrorIngestionFailed, signal.SourceSensoriel, signal.IngestionErrorPayload{
		OriginalRequest: req,
		Error:           cause.Error(),
	}, signal.WithConfidence(1.0), signal.WithPriority(signal.PriorityHigh))
	if err != nil {
		log.Error("build ingestion error signal", zap.Error(err))
		return
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), signal.TopicErrors, sig.CorrelationID, sig); err != nil {
		log.Warn("publish ingestion error signal", zap.Error(err))
	}
}
