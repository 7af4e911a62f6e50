package intent

import "testing"

func TestClassifyBudgetQuestion(t *testing.T) {
	got := Classify("What's the price for this?")
	if got.Intent != Budget {
		t.Fatalf("expected budget intent, got %s", got.Intent)
	}
	if got.Confidence != 0.8 {
		t.Fatalf("expected confidence 0.8, got %v", got.Confidence)
	}
	if len(got.Matched) != 1 || got.Matched[0] != "price" {
		t.Fatalf("unexpected matched keywords: %v", got.Matched)
	}
}

func TestClassifyFallsBackToGeneral(t *testing.T) {
	got := Classify("hi there")
	if got.Intent != General {
		t.Fatalf("expected general intent, got %s", got.Intent)
	}
	if got.Confidence != 0.5 {
		t.Fatalf("expected confidence 0.5, got %v", got.Confidence)
	}
	if len(got.Matched) != 0 {
		t.Fatalf("expected no matches, got %v", got.Matched)
	}
}

func TestClassifyIsCaseInsensitive(t *testing.T) {
	if got := Classify("Quel est le DÉLAI ?"); got.Intent != Timeline {
		t.Fatalf("expected timeline intent, got %s", got.Intent)
	}
}

func TestClassifyEarlierRuleWinsTies(t *testing.T) {
	cases := []struct {
		message string
		want    Label
	}{
		{"can we schedule a call about the cost", Budget},
		{"what is the deadline for the api integration", Timeline},
		{"does your tech stack allow a demo", Technical},
		{"je veux voir une démonstration puis appeler", Demo},
		{"please contact me", Contact},
	}
	for _, tc := range cases {
		if got := Classify(tc.message); got.Intent != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.message, got.Intent, tc.want)
		}
	}
}

func TestRuleOrderIsFixed(t *testing.T) {
	want := []Label{Budget, Timeline, Technical, Demo, Contact}
	got := Rules()
	if len(got) != len(want) {
		t.Fatalf("expected %d rules, got %d", len(want), len(got))
	}
	for i, rule := range got {
		if rule.Intent != want[i] {
			t.Fatalf("rule %d: expected %s, got %s", i, want[i], rule.Intent)
		}
	}
}

func TestRulesReturnsCopy(t *testing.T) {
	r := Rules()
	r[0].Keywords[0] = "mutated"
	if Classify("budget please").Intent != Budget {
		t.Fatal("mutating Rules() output must not change classification")
	}
}
