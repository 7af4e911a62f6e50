package signal

import "github.com/ntsagui/neocortex/internal/model/chat"

// LeadMessagePayload is carried by LEAD_MESSAGE_RECEIVED.
type LeadMessagePayload struct {
	SessionID           string            `json:"session_id"`
	Message             string            `json:"message"`
	ProspectInfo        chat.ProspectInfo `json:"prospect_info"`
	ConversationHistory []chat.Message    `json:"conversation_history,omitempty"`
	Language            string            `json:"language,omitempty"`
	MessageCount        int               `json:"message_count,omitempty"`
}

// IntentDetectedPayload is carried by LEAD_INTENT_DETECTED.
type IntentDetectedPayload struct {
	SessionID       string   `json:"session_id"`
	Intent          string   `json:"intent"`
	Message         string   `json:"message"`
	KeywordsMatched []string `json:"keywords_matched"`
}

// ResponsePayload is carried by ASSISTANT_RESPONSE.
type ResponsePayload struct {
	SessionID    string `json:"session_id"`
	Response     string `json:"response"`
	MessageCount int    `json:"message_count"`
}

// QualificationPayload is carried by LEAD_QUALIFIED.
type QualificationPayload struct {
	SessionID             string            `json:"session_id"`
	ProspectInfo          chat.ProspectInfo `json:"prospect_info"`
	Score                 int               `json:"score"`
	MessageCount          int               `json:"message_count"`
	RecommendedAction     string            `json:"recommended_action"`
	QualificationCriteria map[string]bool   `json:"qualification_criteria,omitempty"`
}

// ReportPayload is carried by REPORT_GENERATED.
type ReportPayload struct {
	SessionID    string            `json:"session_id"`
	ProspectInfo chat.ProspectInfo `json:"prospect_info"`
	Score        int               `json:"score"`
	Report       string            `json:"report"`
}

// ProcessingErrorPayload is carried by ERROR_PROCESSING_FAILED.
type ProcessingErrorPayload struct {
	SessionID        string `json:"session_id,omitempty"`
	Error            string `json:"error"`
	OriginalSignalID string `json:"original_signal_id"`
}

// IngestionErrorPayload is carried by ERROR_INGESTION_FAILED.
type IngestionErrorPayload struct {
	OriginalRequest any    `json:"original_request"`
	Error           string `json:"error"`
}
