package qualification

import (
	"strings"

	"github.com/ntsagui/neocortex/internal/model/chat"
	"github.com/ntsagui/neocortex/internal/model/signal"
)

// Action is the next step recommended for a lead.
type Action string

const (
	GenerateReport       Action = "GENERATE_REPORT"
	ContinueConversation Action = "CONTINUE_CONVERSATION"
)

const (
	// ReportThreshold is the score from which a report is recommended.
	ReportThreshold = 70
	// MinHistory is the conversation length from which scoring runs.
	MinHistory = 6

	perMessagePoints = 10
	engagementCap    = 50
	phoneBonus       = 20
	keywordBonus     = 5
	maxScore         = 100
)

// Criteria names reported in Result.Criteria.
const (
	CriterionEngaged    = "engaged_conversation"
	CriterionPhone      = "phone_provided"
	CriterionConversion = "conversion_intent"
)

// conversionKeywords each add keywordBonus at most once.
var conversionKeywords = []string{"intéressé", "budget", "quand", "commencer", "interested", "start"}

// Result is a lead score with its recommended action.
type Result struct {
	Score    int
	Action   Action
	Priority signal.Priority
	Criteria map[string]bool
	Matched  []string
}

// Confidence maps the score onto [0,1].
func (r Result) Confidence() float64 {
	return float64(r.Score) / maxScore
}

// Score computes the lead score. It is pure: the same inputs always give the
// same result. conversationText is expected lowercased (see ConversationText).
func Score(messageCount int, prospect chat.ProspectInfo, conversationText string) Result {
	if messageCount < 0 {
		messageCount = 0
	}
	base := min(messageCount*perMessagePoints, engagementCap)

	criteria := map[string]bool{
		CriterionEngaged:    messageCount*perMessagePoints >= engagementCap,
		CriterionPhone:      prospect.HasPhone(),
		CriterionConversion: false,
	}

	if prospect.HasPhone() {
		base += phoneBonus
	}

	var matched []string
	for _, kw := range conversionKeywords {
		if strings.Contains(conversationText, kw) {
			base += keywordBonus
			matched = append(matched, kw)
		}
	}
	criteria[CriterionConversion] = len(matched) > 0

	score := min(base, maxScore)

	res := Result{
		Score:    score,
		Action:   ContinueConversation,
		Priority: signal.PriorityNormal,
		Criteria: criteria,
		Matched:  matched,
	}
	if score >= ReportThreshold {
		res.Action = GenerateReport
		res.Priority = signal.PriorityHigh
	}
	return res
}

// ConversationText joins the lowercased contents of history with single spaces.
func ConversationText(history []chat.Message) string {
	parts := make([]string, len(history))
	for i, m := range history {
		parts[i] = strings.ToLower(m.Content)
	}
	return strings.Join(parts, " ")
}

// ShouldScore reports whether a conversation is long enough to be scored.
func ShouldScore(historyLen int) bool {
	return historyLen >= MinHistory
}
