package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ntsagui/neocortex/internal/analysis/intent"
	"github.com/ntsagui/neocortex/internal/analysis/qualification"
	"github.com/ntsagui/neocortex/internal/broker"
	"github.com/ntsagui/neocortex/internal/model/chat"
	"github.com/ntsagui/neocortex/internal/model/signal"
)

var (
	ErrIngestion   = errors.New("malformed inbound signal")
	ErrSessionBusy = errors.New("session still busy")
)

const (
	// ResponseConfidence is attached to every assistant reply.
	ResponseConfidence = 0.9

	errorSinkTimeout = 5 * time.Second
)

// Stage is a step of the lead-message workflow.
type Stage string

const (
	StageReceived             Stage = "RECEIVED"
	StagePersisted            Stage = "PERSISTED"
	StageIntentEmitted        Stage = "INTENT_EMITTED"
	StageResponsePending      Stage = "RESPONSE_PENDING"
	StageResponseEmitted      Stage = "RESPONSE_EMITTED"
	StageQualificationEmitted Stage = "QUALIFICATION_EMITTED"
	StageFailed               Stage = "FAILED"
	StageDone                 Stage = "DONE"
)

// Result reports how far a run went. Err is set only when Stage is FAILED.
type Result struct {
	Stage         Stage
	CorrelationID string
	Skipped       bool
	Err           error
}

// Store is the conversation state used by the workflow.
type Store interface {
	GetHistory(ctx context.Context, sessionID string) ([]chat.Message, error)
	AppendMessage(ctx context.Context, sessionID string, role chat.Role, content string) error
	GetProspectInfo(ctx context.Context, sessionID string) (chat.ProspectInfo, bool, error)
	SetProspectInfo(ctx context.Context, sessionID string, info chat.ProspectInfo) error
	CountActive(ctx context.Context) (int, error)
}

// Generator produces replies and reports from the completion service.
type Generator interface {
	Generate(ctx context.Context, history []chat.Message, prospect chat.ProspectInfo, instruction string) (string, error)
	GenerateReport(ctx context.Context, history []chat.Message, prospect chat.ProspectInfo) (string, error)
}

// Options tunes a Processor.
type Options struct {
	DropExpired bool
}

// Processor turns LEAD_MESSAGE_RECEIVED signals into intent, response and
// qualification signals.
type Processor struct {
	store     Store
	generator Generator
	publisher broker.Publisher
	logger    *zap.Logger
	locks     *sessionLocks
	opts      Options
}

// New wires a processor.
func New(store Store, generator Generator, publisher broker.Publisher, logger *zap.Logger, opts Options) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		store:     store,
		generator: generator,
		publisher: publisher,
		logger:    logger.Named("processor"),
		locks:     newSessionLocks(),
		opts:      opts,
	}
}

// Consume adapts the processor to a broker consumer.
func (p *Processor) Consume(ctx context.Context, msg broker.Message) {
	p.Handle(ctx, msg.Signal)
}

// ReportMalformed publishes ERROR_PROCESSING_FAILED for an inbound entry
// that could not be decoded.
func (p *Processor) ReportMalformed(ctx context.Context, entry broker.MalformedEntry) {
	correlationID := entry.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := p.logger.With(
		zap.String("signal_id", entry.SignalID),
		zap.String("entry_id", entry.EntryID),
		zap.String("correlation_id", correlationID))
	cause := fmt.Errorf("%w: %w", ErrIngestion, entry.Err)
	log.Error("processing failed", zap.String("stage", string(StageReceived)), zap.Error(cause))
	reportError(ctx, p.publisher, log, entry.SignalID, correlationID, entry.SessionID, cause)
}

// Handle runs the whole workflow for one inbound signal. Every failure is
// reported through a single ERROR_PROCESSING_FAILED signal.
func (p *Processor) Handle(ctx context.Context, sig signal.Signal) Result {
	log := p.logger.With(zap.String("signal_id", sig.ID))

	if sig.Type != signal.LeadMessageReceived {
		log.Debug("ignoring signal", zap.String("type", string(sig.Type)))
		return Result{Stage: StageDone, CorrelationID: sig.CorrelationID, Skipped: true}
	}

	if sig.IsExpired() {
		log.Warn("inbound signal expired",
			zap.Time("created_at", sig.CreatedAt()),
			zap.Int64("ttl_ms", sig.TTL),
			zap.Bool("dropped", p.opts.DropExpired))
		if p.opts.DropExpired {
			return Result{Stage: StageDone, CorrelationID: sig.CorrelationID, Skipped: true}
		}
	}

	correlationID := sig.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log = log.With(zap.String("correlation_id", correlationID))

	var payload signal.LeadMessagePayload
	if err := sig.DecodePayload(&payload); err != nil {
		return p.fail(ctx, log, sig, correlationID, "", StageReceived, fmt.Errorf("%w: %w", ErrIngestion, err))
	}
	if payload.SessionID == "" {
		return p.fail(ctx, log, sig, correlationID, "", StageReceived, fmt.Errorf("%w: session_id is required", ErrIngestion))
	}

	sessionID := payload.SessionID
	log = log.With(zap.String("session_id", sessionID))

	unlock, err := p.locks.Lock(ctx, sessionID)
	if err != nil {
		return p.fail(ctx, log, sig, correlationID, sessionID, StageReceived, fmt.Errorf("%w: %w", ErrSessionBusy, err))
	}
	defer unlock()

	run := &run{
		p:             p,
		log:           log,
		sig:           sig,
		payload:       payload,
		sessionID:     sessionID,
		correlationID: correlationID,
	}
	result := run.execute(ctx)

	p.logActive(ctx, log)
	return result
}

type run struct {
	p             *Processor
	log           *zap.Logger
	sig           signal.Signal
	payload       signal.LeadMessagePayload
	sessionID     string
	correlationID string
}

func (r *run) execute(ctx context.Context) Result {
	p := r.p
	prospect := r.payload.ProspectInfo
	if prospect.Language == "" && r.payload.Language != "" {
		prospect.Language = r.payload.Language
	}

	if err := p.store.SetProspectInfo(ctx, r.sessionID, prospect); err != nil {
		return r.fail(ctx, StageReceived, fmt.Errorf("store prospect info: %w", err))
	}
	if err := p.store.AppendMessage(ctx, r.sessionID, chat.RoleUser, r.payload.Message); err != nil {
		return r.fail(ctx, StageReceived, fmt.Errorf("append user message: %w", err))
	}
	r.log.Debug("stage reached", zap.String("stage", string(StagePersisted)))

	classified := intent.Classify(r.payload.Message)
	err := r.emit(ctx, signal.TopicIntelligence, signal.LeadIntentDetected, signal.IntentDetectedPayload{
		SessionID:       r.sessionID,
		Intent:          string(classified.Intent),
		Message:         r.payload.Message,
		KeywordsMatched: classified.Matched,
	}, signal.WithConfidence(classified.Confidence), signal.WithPriority(signal.PriorityNormal))
	if err != nil {
		return r.fail(ctx, StagePersisted, fmt.Errorf("publish intent: %w", err))
	}
	r.log.Debug("stage reached", zap.String("stage", string(StageIntentEmitted)), zap.String("intent", string(classified.Intent)))

	history, err := p.store.GetHistory(ctx, r.sessionID)
	if err != nil {
		return r.fail(ctx, StageResponsePending, fmt.Errorf("load history: %w", err))
	}
	reply, err := p.generator.Generate(ctx, history, prospect, "")
	if err != nil {
		return r.fail(ctx, StageResponsePending, fmt.Errorf("generate response: %w", err))
	}
	if err := p.store.AppendMessage(ctx, r.sessionID, chat.RoleAssistant, reply); err != nil {
		return r.fail(ctx, StageResponsePending, fmt.Errorf("append assistant message: %w", err))
	}
	err = r.emit(ctx, signal.TopicOutputChat, signal.AssistantResponse, signal.ResponsePayload{
		SessionID:    r.sessionID,
		Response:     reply,
		MessageCount: len(history) + 1,
	}, signal.WithConfidence(ResponseConfidence), signal.WithPriority(signal.PriorityNormal))
	if err != nil {
		return r.fail(ctx, StageResponsePending, fmt.Errorf("publish response: %w", err))
	}
	r.log.Info("response emitted", zap.Int("message_count", len(history)+1))

	if !qualification.ShouldScore(len(history)) {
		return r.done(StageResponseEmitted)
	}

	scored := qualification.Score(len(history), prospect, qualification.ConversationText(history))
	err = r.emit(ctx, signal.TopicQualification, signal.LeadQualified, signal.QualificationPayload{
		SessionID:             r.sessionID,
		ProspectInfo:          prospect,
		Score:                 scored.Score,
		MessageCount:          len(history),
		RecommendedAction:     string(scored.Action),
		QualificationCriteria: scored.Criteria,
	}, signal.WithConfidence(scored.Confidence()), signal.WithPriority(scored.Priority))
	if err != nil {
		return r.fail(ctx, StageResponseEmitted, fmt.Errorf("publish qualification: %w", err))
	}
	r.log.Info("lead qualified",
		zap.Int("score", scored.Score),
		zap.String("action", string(scored.Action)))

	return r.done(StageQualificationEmitted)
}

func (r *run) emit(ctx context.Context, topic string, t signal.Type, payload any, opts ...signal.Option) error {
	opts = append(opts, signal.WithCorrelationID(r.correlationID))
	if trace := r.sig.Metadata.TraceID; trace != "" {
		opts = append(opts, signal.WithTrace(trace, r.sig.Metadata.SpanID))
	}
	out, err := signal.New(t, signal.SourceNLP, payload, opts...)
	if err != nil {
		return err
	}
	return r.p.publisher.Publish(ctx, topic, r.sessionID, out)
}

func (r *run) done(last Stage) Result {
	r.log.Debug("run complete", zap.String("last_stage", string(last)))
	return Result{Stage: StageDone, CorrelationID: r.correlationID}
}

func (r *run) fail(ctx context.Context, stage Stage, err error) Result {
	return r.p.fail(ctx, r.log, r.sig, r.correlationID, r.sessionID, stage, err)
}

// fail emits the error signal and ends the run. The emission is best-effort.
func (p *Processor) fail(ctx context.Context, log *zap.Logger, sig signal.Signal, correlationID, sessionID string, stage Stage, err error) Result {
	log.Error("processing failed", zap.String("stage", string(stage)), zap.Error(err))
	reportError(ctx, p.publisher, log, sig.ID, correlationID, sessionID, err)
	return Result{Stage: StageFailed, CorrelationID: correlationID, Err: err}
}

func reportError(ctx context.Context, pub broker.Publisher, log *zap.Logger, originalID, correlationID, sessionID string, cause error) {
	// The handler deadline may already be spent; the error report gets its own.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), errorSinkTimeout)
	defer cancel()

	out, err := signal.New(signal.ErrorProcessingFailed, signal.SourceNLP, signal.ProcessingErrorPayload{
		SessionID:        sessionID,
		Error:            cause.Error(),
		OriginalSignalID: originalID,
	}, signal.WithConfidence(1.0), signal.WithPriority(signal.PriorityHigh), signal.WithCorrelationID(correlationID))
	if err != nil {
		log.Error("build error signal", zap.Error(err))
		return
	}

	key := sessionID
	if key == "" {
		key = correlationID
	}
	if err := pub.Publish(ctx, signal.TopicErrors, key, out); err != nil {
		log.Error("publish error signal", zap.Error(err))
	}
}

func (p *Processor) logActive(ctx context.Context, log *zap.Logger) {
	count, err := p.store.CountActive(context.WithoutCancel(ctx))
	if err != nil {
		log.Debug("count active conversations", zap.Error(err))
		return
	}
	log.Info("active conversations", zap.Int("active_conversations", count))
}
