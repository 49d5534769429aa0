package notify

import (
	"context"
	"errors"
	"time"
)

// Kind classifies a notification for routing and templating downstream.
type Kind string

const (
	KindReminder   Kind = "reminder"
	KindOverdue    Kind = "overdue"
	KindDigest     Kind = "digest"
	KindEscalation Kind = "escalation"
	KindAssignment Kind = "assignment"
)

// Notification is what the engine hands to a delivery channel. Delivery
// itself (email, push, in-app) happens outside this module.
type Notification struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	RecipientID string         `json:"recipient_id"`
	Subject     string         `json:"subject"`
	Body        string         `json:"body,omitempty"`
	EntityKind  string         `json:"entity_kind,omitempty"`
	EntityID    string         `json:"entity_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

var ErrNoRecipient = errors.New("notify: recipient required")

// Dispatcher delivers notifications. Send errors are per-notification; callers
// log them and carry on with the rest of their batch.
type Dispatcher interface {
	Send(ctx context.Context, n Notification) error
}

// Multi fans a notification out to every dispatcher and joins the errors.
type Multi []Dispatcher

func (m Multi) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, d := range m {
		if err := d.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
