package notify

import (
	"context"
	"log/slog"
)

// LogDispatcher writes notifications to the structured log. Used when no
// transport is configured (local/dev).
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d LogDispatcher) Send(ctx context.Context, n Notification) error {
	if n.RecipientID == "" {
		return ErrNoRecipient
	}
	l := d.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "notification",
		"kind", n.Kind,
		"recipient_id", n.RecipientID,
		"entity_kind", n.EntityKind,
		"entity_id", n.EntityID,
		"subject", n.Subject,
	)
	return nil
}
