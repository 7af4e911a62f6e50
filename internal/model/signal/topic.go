package signal

// Channel names are part of the wire contract with existing consumers.
const (
	TopicInputChat     = "signals.input.chat"
	TopicOutputChat    = "signals.output.chat"
	TopicIntelligence  = "signals.intelligence"
	TopicQualification = "signals.qualification"
	TopicErrors        = "signals.errors"
	TopicReports       = "signals.reports"
)
