package intent

import "strings"

// Label names an intent category.
type Label string

const (
	Budget    Label = "budget"
	Timeline  Label = "timeline"
	Technical Label = "technical"
	Demo      Label = "demo"
	Contact   Label = "contact"
	General   Label = "general"
)

const (
	// MatchedConfidence is reported when any keyword bucket matches.
	MatchedConfidence = 0.8
	// FallbackConfidence accompanies the General label.
	FallbackConfidence = 0.5
)

// Rule maps an intent to the keywords that reveal it.
type Rule struct {
	Intent   Label
	Keywords []string
}

// rules is evaluated top to bottom and the first hit wins, so earlier
// entries take priority when a message mentions several topics.
var rules = []Rule{
	{Intent: Budget, Keywords: []string{"budget", "prix", "coût", "tarif", "combien", "price", "cost"}},
	{Intent: Timeline, Keywords: []string{"quand", "délai", "deadline", "timeline", "urgence", "rapide"}},
	{Intent: Technical, Keywords: []string{"technique", "tech", "api", "intégration", "stack", "développement"}},
	{Intent: Demo, Keywords: []string{"demo", "démonstration", "essai", "test", "voir"}},
	{Intent: Contact, Keywords: []string{"appeler", "téléphone", "rdv", "rendez-vous", "contact", "call"}},
}

// Result is the outcome of classifying one message.
type Result struct {
	Intent     Label
	Confidence float64
	Matched    []string
}

// Rules returns a copy of the ordered rule table.
func Rules() []Rule {
	out := make([]Rule, len(rules))
	for i, r := range rules {
		out[i] = Rule{Intent: r.Intent, Keywords: append([]string(nil), r.Keywords...)}
	}
	return out
}

// Classify labels a message by substring keyword matching on its lowercased
// text. Matched lists every keyword of the winning rule found in the message.
func Classify(message string) Result {
	normalized := strings.ToLower(message)

	for _, rule := range rules {
		var matched []string
		for _, kw := range rule.Keywords {
			if strings.Contains(normalized, kw) {
				matched = append(matched, kw)
			}
		}
		if len(matched) > 0 {
			return Result{Intent: rule.Intent, Confidence: MatchedConfidence, Matched: matched}
		}
	}

	return Result{Intent: General, Confidence: FallbackConfidence, Matched: []string{}}
}
