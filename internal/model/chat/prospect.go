package chat

import "strings"

// DefaultLanguage is assumed when a prospect does not state one.
const DefaultLanguage = "fr"

// ProspectInfo describes the lead behind a session. Later writes replace
// earlier ones wholesale.
type ProspectInfo struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Company  string `json:"company"`
	Phone    string `json:"phone,omitempty"`
	Language string `json:"language,omitempty"`
}

// HasPhone reports whether any phone value was supplied. The value is not
// validated.
func (p ProspectInfo) HasPhone() bool {
	return p.Phone != ""
}

// LanguageOrDefault returns the prospect language, falling back to DefaultLanguage.
func (p ProspectInfo) LanguageOrDefault() string {
	if lang := strings.TrimSpace(p.Language); lang != "" {
		return lang
	}
	return DefaultLanguage
}
