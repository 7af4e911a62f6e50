package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the signal kinds exchanged between cortices.
type Type string

const (
	LeadMessageReceived      Type = "LEAD_MESSAGE_RECEIVED"
	LeadIntentDetected       Type = "LEAD_INTENT_DETECTED"
	LeadQualified            Type = "LEAD_QUALIFIED"
	ReportRequested          Type = "REPORT_REQUESTED"
	ReportGenerated          Type = "REPORT_GENERATED"
	AssistantResponse        Type = "ASSISTANT_RESPONSE"
	DecisionGenerateReport   Type = "DECISION_GENERATE_REPORT"
	DecisionNotifyAdmin      Type = "DECISION_NOTIFY_ADMIN"
	DecisionScheduleFollowup Type = "DECISION_SCHEDULE_FOLLOWUP"
	ErrorIngestionFailed     Type = "ERROR_INGESTION_FAILED"
	ErrorProcessingFailed    Type = "ERROR_PROCESSING_FAILED"
)

var knownTypes = map[Type]struct{}{
	LeadMessageReceived:      {},
	LeadIntentDetected:       {},
	LeadQualified:            {},
	ReportRequested:          {},
	ReportGenerated:          {},
	AssistantResponse:        {},
	DecisionGenerateReport:   {},
	DecisionNotifyAdmin:      {},
	DecisionScheduleFollowup: {},
	ErrorIngestionFailed:     {},
	ErrorProcessingFailed:    {},
}

// Valid reports whether t belongs to the closed set of signal types.
func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Source identifies the component that produced a signal.
type Source string

const (
	SourceSensoriel     Source = "cortex-sensoriel"
	SourceNLP           Source = "cortex-nlp"
	SourceQualification Source = "cortex-qualification"
	SourceBilling       Source = "cortex-billing"
	SourcePrefrontal    Source = "cortex-prefrontal"
)

// Priority is advisory; it never changes delivery order.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

const (
	// ProtocolVersion is stamped into every signal's metadata.
	ProtocolVersion = "1.0.0"
	// DefaultTTL applies when the producer does not pick one.
	DefaultTTL = 60 * time.Second
)

var (
	ErrInvalidSignal = errors.New("invalid signal")
)

// Metadata carries routing hints and tracing identifiers.
type Metadata struct {
	Version  string   `json:"version"`
	Priority Priority `json:"priority"`
	TraceID  string   `json:"trace_id,omitempty"`
	SpanID   string   `json:"span_id,omitempty"`
}

// Signal is the weighted envelope every cortex reads and writes.
//
// Payload holds the encoded type-specific body, so an emitted signal never
// aliases the producer's structures. Confidence travels as "confiance" on the
// wire to stay compatible with the existing consumers.
type Signal struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	Source        Source          `json:"source"`
	Timestamp     int64           `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	Confidence    float64         `json:"confiance"`
	TTL           int64           `json:"ttl"`
	CorrelationID string          `json:"correlation_id"`
	Metadata      Metadata        `json:"metadata"`
}

// Option customises a signal at construction time.
type Option func(*Signal)

// WithConfidence sets the signal strength, clamped into [0,1].
func WithConfidence(c float64) Option {
	return func(s *Signal) { s.Confidence = clampConfidence(c) }
}

// WithTTL sets the time-to-live. Negative durations become zero.
func WithTTL(d time.Duration) Option {
	return func(s *Signal) {
		if d < 0 {
			d = 0
		}
		s.TTL = d.Milliseconds()
	}
}

// WithCorrelationID copies the causal chain identifier from an upstream signal.
func WithCorrelationID(id string) Option {
	return func(s *Signal) { s.CorrelationID = id }
}

// WithPriority sets the advisory priority.
func WithPriority(p Priority) Option {
	return func(s *Signal) { s.Metadata.Priority = p }
}

// WithTrace attaches tracing identifiers.
func WithTrace(traceID, spanID string) Option {
	return func(s *Signal) {
		s.Metadata.TraceID = traceID
		s.Metadata.SpanID = spanID
	}
}

// WithTimestamp overrides the creation instant.
func WithTimestamp(t time.Time) Option {
	return func(s *Signal) { s.Timestamp = t.UnixMilli() }
}

// New builds a signal with a fresh id and timestamp. The payload is encoded
// immediately; later changes to it do not affect the signal.
func New(t Type, source Source, payload any, opts ...Option) (Signal, error) {
	if !t.Valid() {
		return Signal{}, fmt.Errorf("%w: unknown type %q", ErrInvalidSignal, t)
	}
	if source == "" {
		return Signal{}, fmt.Errorf("%w: source is required", ErrInvalidSignal)
	}
	if payload == nil {
		return Signal{}, fmt.Errorf("%w: payload is required", ErrInvalidSignal)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Signal{}, fmt.Errorf("encode %s payload: %w", t, err)
	}

	s := Signal{
		ID:         uuid.NewString(),
		Type:       t,
		Source:     source,
		Timestamp:  time.Now().UnixMilli(),
		Payload:    body,
		Confidence: 1.0,
		TTL:        DefaultTTL.Milliseconds(),
		Metadata: Metadata{
			Version:  ProtocolVersion,
			Priority: PriorityNormal,
		},
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.CorrelationID == "" {
		s.CorrelationID = uuid.NewString()
	}
	return s, nil
}

// IsExpired reports whether the signal outlived its TTL as of now.
func (s Signal) IsExpired() bool {
	return s.IsExpiredAt(time.Now())
}

// IsExpiredAt reports whether now - timestamp > ttl.
func (s Signal) IsExpiredAt(now time.Time) bool {
	return now.UnixMilli()-s.Timestamp > s.TTL
}

// CreatedAt returns the timestamp as a time.Time.
func (s Signal) CreatedAt() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// WithBoostedConfidence returns a copy whose confidence is raised by boost,
// capped at 1. The receiver is left untouched.
func (s Signal) WithBoostedConfidence(boost float64) Signal {
	out := s
	out.Payload = append(json.RawMessage(nil), s.Payload...)
	out.Confidence = clampConfidence(s.Confidence + boost)
	return out
}

// DecodePayload unmarshals the payload into v.
func (s Signal) DecodePayload(v any) error {
	if len(s.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidSignal)
	}
	if err := json.Unmarshal(s.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", s.Type, err)
	}
	return nil
}

// Validate checks the envelope invariants.
func (s Signal) Validate() error {
	switch {
	case s.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidSignal)
	case !s.Type.Valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSignal, s.Type)
	case s.Confidence < 0 || s.Confidence > 1:
		return fmt.Errorf("%w: confidence %v out of range", ErrInvalidSignal, s.Confidence)
	case s.TTL < 0:
		return fmt.Errorf("%w: negative ttl", ErrInvalidSignal)
	}
	return nil
}

// Encode returns the JSON wire form.
func (s Signal) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// Decode parses a JSON wire form. A missing id, timestamp or metadata is
// filled in; the correlation id is left for the consumer to decide. A
// generated id differs on every call, so callers that may decode the same
// record twice should use DecodeWithFallbackID.
func Decode(data []byte) (Signal, error) {
	return decode(data, uuid.NewString)
}

// DecodeWithFallbackID is Decode with a stable id for records that carry none.
func DecodeWithFallbackID(data []byte, id string) (Signal, error) {
	return decode(data, func() string { return id })
}

func decode(data []byte, newID func() string) (Signal, error) {
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	if s.ID == "" {
		s.ID = newID()
	}
	if s.Timestamp == 0 {
		s.Timestamp = time.Now().UnixMilli()
	}
	if s.Metadata.Version == "" {
		s.Metadata.Version = ProtocolVersion
	}
	if s.Metadata.Priority == "" {
		s.Metadata.Priority = PriorityNormal
	}
	if err := s.Validate(); err != nil {
		return Signal{}, err
	}
	return s, nil
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
