package processor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ntsagui/neocortex/internal/analysis/qualification"
	"github.com/ntsagui/neocortex/internal/broker"
	"github.com/ntsagui/neocortex/internal/model/signal"
)

// ReportWorker turns LEAD_QUALIFIED signals recommending a report into
// REPORT_GENERATED signals.
type ReportWorker struct {
	store     Store
	generator Generator
	publisher broker.Publisher
	logger    *zap.Logger
}

// NewReportWorker wires a report worker.
func NewReportWorker(store Store, generator Generator, publisher broker.Publisher, logger *zap.Logger) *ReportWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportWorker{
		store:     store,
		generator: generator,
		publisher: publisher,
		logger:    logger.Named("report"),
	}
}

// Consume adapts the worker to a broker consumer.
func (w *ReportWorker) Consume(ctx context.Context, msg broker.Message) {
	w.Handle(ctx, msg.Signal)
}

// Handle generates and publishes the report for one qualification signal.
func (w *ReportWorker) Handle(ctx context.Context, sig signal.Signal) Result {
	log := w.logger.With(zap.String("signal_id", sig.ID), zap.String("correlation_id", sig.CorrelationID))
	skip := Result{Stage: StageDone, CorrelationID: sig.CorrelationID, Skipped: true}

	if sig.Type != signal.LeadQualified {
		return skip
	}

	var payload signal.QualificationPayload
	if err := sig.DecodePayload(&payload); err != nil {
		return w.fail(ctx, log, sig, "", fmt.Errorf("%w: %w", ErrIngestion, err))
	}
	if payload.RecommendedAction != string(qualification.GenerateReport) {
		log.Debug("no report requested", zap.String("action", payload.RecommendedAction))
		return skip
	}
	if payload.SessionID == "" {
		return w.fail(ctx, log, sig, "", fmt.Errorf("%w: session_id is required", ErrIngestion))
	}
	log = log.With(zap.String("session_id", payload.SessionID))

	history, err := w.store.GetHistory(ctx, payload.SessionID)
	if err != nil {
		return w.fail(ctx, log, sig, payload.SessionID, fmt.Errorf("load history: %w", err))
	}
	prospect, ok, err := w.store.GetProspectInfo(ctx, payload.SessionID)
	if err != nil {
		return w.fail(ctx, log, sig, payload.SessionID, fmt.Errorf("load prospect info: %w", err))
	}
	if !ok {
		prospect = payload.ProspectInfo
	}

	report, err := w.generator.GenerateReport(ctx, history, prospect)
	if err != nil {
		return w.fail(ctx, log, sig, payload.SessionID, fmt.Errorf("generate report: %w", err))
	}

	out, err := signal.New(signal.ReportGenerated, signal.SourceQualification, signal.ReportPayload{
		SessionID:    payload.SessionID,
		ProspectInfo: prospect,
		Score:        payload.Score,
		Report:       report,
	},
		signal.WithConfidence(sig.Confidence),
		signal.WithPriority(signal.PriorityHigh),
		signal.WithCorrelationID(sig.CorrelationID),
	)
	if err != nil {
		return w.fail(ctx, log, sig, payload.SessionID, fmt.Errorf("build report signal: %w", err))
	}
	if err := w.publisher.Publish(ctx, signal.TopicReports, payload.SessionID, out); err != nil {
		return w.fail(ctx, log, sig, payload.SessionID, fmt.Errorf("publish report: %w", err))
	}

	log.Info("report generated", zap.Int("score", payload.Score), zap.Int("report_len", len(report)))
	return Result{Stage: StageDone, CorrelationID: sig.CorrelationID}
}

func (w *ReportWorker) fail(ctx context.Context, log *zap.Logger, sig signal.Signal, sessionID string, err error) Result {
	log.Error("report failed", zap.Error(err))
	reportError(ctx, w.publisher, log, sig.ID, sig.CorrelationID, sessionID, err)
	return Result{Stage: StageFailed, CorrelationID: sig.CorrelationID, Err: err}
}
