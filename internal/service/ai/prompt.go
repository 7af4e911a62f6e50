package ai

import (
	"fmt"
	"strings"

	"github.com/ntsagui/neocortex/internal/model/chat"
)

// Phase is the stage of a sales conversation, derived from its length.
type Phase string

const (
	PhaseDiscovery     Phase = "discovery"
	PhaseDeepDive      Phase = "deep-dive"
	PhaseQualification Phase = "qualification"
)

const (
	deepDiveFrom      = 3
	qualificationFrom = 6
	callToActionFrom  = 5
	notProvided       = "N/A"
)

// PhaseFor maps a message count to a conversation phase.
func PhaseFor(messageCount int) Phase {
	switch {
	case messageCount < deepDiveFrom:
		return PhaseDiscovery
	case messageCount < qualificationFrom:
		return PhaseDeepDive
	default:
		return PhaseQualification
	}
}

// PromptBuilder renders the instructions sent ahead of a conversation.
type PromptBuilder struct {
	Company string
}

// NewPromptBuilder returns a builder speaking on behalf of company.
func NewPromptBuilder(company string) *PromptBuilder {
	if strings.TrimSpace(company) == "" {
		company = "NTSAGUI Digital"
	}
	return &PromptBuilder{Company: company}
}

// Instruction builds the sales-assistant instruction for a conversation of
// messageCount turns.
func (pb *PromptBuilder) Instruction(prospect chat.ProspectInfo, messageCount int) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You are an expert sales assistant at %s, specialised in AI solutions and software development.

ROLES: salesperson, project manager and technical consultant.

INSTRUCTIONS:
1. Answer in the prospect's language (%s)
2. Be natural and conversational
3. End with ONE engaging question
4. Current phase: %s

PROSPECT:
- Name: %s
- Company: %s`,
		pb.Company,
		prospect.LanguageOrDefault(),
		strings.ToUpper(string(PhaseFor(messageCount))),
		orNotProvided(prospect.Name),
		orNotProvided(prospect.Company),
	)

	if messageCount >= callToActionFrom {
		b.WriteString("\n\nThe conversation is mature: propose a phone call to move forward.")
	}
	return b.String()
}

// reportSections is the fixed outline of a qualification report.
var reportSections = []string{
	"EXECUTIVE SUMMARY (2-3 sentences)",
	"DETAILED ANALYSIS (4-5 points)",
	"RECOMMENDED SOLUTIONS (3-4 options)",
	"IMPLEMENTATION TIMELINE",
	"COMPATIBILITY SCORE (X/100)",
	"NEXT STEPS",
}

// ReportInstruction builds the analytical report prompt for a conversation.
func (pb *PromptBuilder) ReportInstruction(prospect chat.ProspectInfo, history []chat.Message) string {
	turns := make([]string, len(history))
	for i, m := range history {
		turns[i] = fmt.Sprintf("%s: %s", strings.ToUpper(string(m.Role)), m.Content)
	}

	outline := make([]string, len(reportSections))
	for i, section := range reportSections {
		outline[i] = fmt.Sprintf("%d. %s", i+1, section)
	}

	phone := prospect.Phone
	if !prospect.HasPhone() {
		phone = "not provided"
	}

	return fmt.Sprintf(`You are a senior consultant at %s. Write a professional analysis report.

PROSPECT:
- Name: %s
- Email: %s
- Company: %s
- Phone: %s

CONVERSATION:
%s

REPORT FORMAT:
%s

Write the report now.`,
		pb.Company,
		orNotProvided(prospect.Name),
		orNotProvided(prospect.Email),
		orNotProvided(prospect.Company),
		phone,
		strings.Join(turns, "\n\n"),
		strings.Join(outline, "\n"),
	)
}

func orNotProvided(v string) string {
	if strings.TrimSpace(v) == "" {
		return notProvided
	}
	return v
}
