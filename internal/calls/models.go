package calls

import (
	"strings"
	"time"
)

// Call is the finished-call record the telephony side hands to the CRM.
//
// NOTE: Provider-specific fields (like a carrier call sid) stay in the
// telephony subsystem; only the lead/agent context and outcome cross over.
type Call struct {
	CallID   string `json:"call_id" db:"call_id"`
	LeadID   string `json:"lead_id" db:"lead_id"`
	LeadName string `json:"lead_name,omitempty" db:"lead_name"`
	UserID   string `json:"user_id" db:"user_id"`
	// Territory of the lead, used by territory assignment.
	Territory string `json:"territory,omitempty" db:"territory"`

	Status  CallStatus `json:"status" db:"status"`
	Outcome Outcome    `json:"outcome,omitempty" db:"outcome"`
	Notes   string     `json:"notes,omitempty" db:"notes"`

	// Duration is the call duration in seconds.
	DurationSeconds int `json:"duration" db:"duration"`

	EndedAt time.Time `json:"ended_at" db:"ended_at"`
}

type CallStatus string

const (
	CallStatusQueued     CallStatus = "queued"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no_answer"
	CallStatusBusy       CallStatus = "busy"
	CallStatusCanceled   CallStatus = "canceled"
)

// Outcome is the agent's disposition of a call.
type Outcome string

const (
	OutcomeNoAnswer          Outcome = "no_answer"
	OutcomeCallbackRequested Outcome = "callback_requested"
	OutcomeNotInterested     Outcome = "not_interested"
	OutcomeBusy              Outcome = "busy"
	OutcomeVoicemail         Outcome = "voicemail"
	OutcomeInterested        Outcome = "interested"
	OutcomeMeetingScheduled  Outcome = "meeting_scheduled"
	OutcomeWrongNumber       Outcome = "wrong_number"
)

// Known reports whether o has a builtin followup template. Unknown outcomes
// are still accepted and get the generic followup.
func (o Outcome) Known() bool {
	switch o {
	case OutcomeNoAnswer, OutcomeCallbackRequested, OutcomeNotInterested, OutcomeBusy,
		OutcomeVoicemail, OutcomeInterested, OutcomeMeetingScheduled, OutcomeWrongNumber:
		return true
	default:
		return false
	}
}

// NormalizeOutcome lower-cases and snake-cases free-form dispositions
// ("Callback Requested" -> "callback_requested").
func NormalizeOutcome(s string) Outcome {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	return Outcome(s)
}

// EffectiveOutcome falls back to the call status when the agent recorded no
// disposition, so unanswered and busy calls still produce a followup.
func (c Call) EffectiveOutcome() Outcome {
	if c.Outcome != "" {
		return NormalizeOutcome(string(c.Outcome))
	}
	switch c.Status {
	case CallStatusNoAnswer:
		return OutcomeNoAnswer
	case CallStatusBusy:
		return OutcomeBusy
	default:
		return ""
	}
}
