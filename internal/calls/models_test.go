package calls

import "testing"

func TestNormalizeOutcome(t *testing.T) {
	cases := map[string]Outcome{
		"Callback Requested": OutcomeCallbackRequested,
		" no-answer ":        OutcomeNoAnswer,
		"interested":         OutcomeInterested,
	}
	for in, want := range cases {
		if got := NormalizeOutcome(in); got != want {
			t.Fatalf("NormalizeOutcome(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEffectiveOutcome(t *testing.T) {
	if got := (Call{Status: CallStatusNoAnswer}).EffectiveOutcome(); got != OutcomeNoAnswer {
		t.Fatalf("expected no_answer from status, got %q", got)
	}
	if got := (Call{Status: CallStatusBusy}).EffectiveOutcome(); got != OutcomeBusy {
		t.Fatalf("expected busy from status, got %q", got)
	}
	if got := (Call{Status: CallStatusCompleted, Outcome: "Meeting Scheduled"}).EffectiveOutcome(); got != OutcomeMeetingScheduled {
		t.Fatalf("explicit outcome must win, got %q", got)
	}
	if got := (Call{Status: CallStatusCompleted}).EffectiveOutcome(); got != "" {
		t.Fatalf("expected empty outcome, got %q", got)
	}
}

func TestOutcomeKnown(t *testing.T) {
	if !OutcomeVoicemail.Known() || Outcome("left_company").Known() {
		t.Fatalf("unexpected Known results")
	}
}
