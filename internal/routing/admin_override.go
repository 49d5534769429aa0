package routing

import (
	"context"
	"errors"
	"time"
)

// AdminOverrideEngine applies silent, expiry-based delegation overrides:
// while an agent is out, work routed to them goes to a delegate instead.
//
// Requirements:
//   - Silent: the decision carries no special reason.
//   - Expiry based: overrides are time-bounded.
//   - Every applied override is written to the internal audit trail.
type AdminOverrideEngine struct {
	Store OverrideStore
	Audit AuditLogger
	Now   func() time.Time
}

// OverrideStore resolves currently-active overrides.
type OverrideStore interface {
	// GetActiveOverride returns (Override{}, false, nil) when none applies.
	GetActiveOverride(ctx context.Context, userID string, now time.Time) (Override, bool, error)
}

type AuditLogger interface {
	LogOverrideApplied(ctx context.Context, e OverrideAuditEvent) error
}

type Override struct {
	OverrideID string    `json:"id" db:"id"`
	UserID     string    `json:"user_id" db:"user_id"`
	DelegateTo string    `json:"delegate_to" db:"delegate_to"`
	ExpiresAt  time.Time `json:"expires_at" db:"expires_at"`

	// Metadata is optional JSON for audit correlation.
	Metadata string `json:"metadata,omitempty" db:"metadata"`
}

type OverrideAuditEvent struct {
	OverrideID string
	UserID     string
	DelegateTo string
	IPAddress  string
	AppliedAt  time.Time
	ExpiresAt  time.Time
	Metadata   string
}

func NewAdminOverrideEngine(store OverrideStore, audit AuditLogger) *AdminOverrideEngine {
	return &AdminOverrideEngine{Store: store, Audit: audit, Now: time.Now}
}

// Decide returns (delegate, true, nil) if an active override was applied.
func (e *AdminOverrideEngine) Decide(ctx context.Context, userID string) (string, bool, error) {
	if userID == "" {
		return "", false, errors.New("routing: user_id required")
	}
	if e.Now == nil {
		e.Now = time.Now
	}
	if e.Store == nil {
		return "", false, nil
	}

	now := e.Now()
	o, ok, err := e.Store.GetActiveOverride(ctx, userID, now)
	if err != nil {
		return "", false, err
	}
	if !ok || !o.ExpiresAt.After(now) {
		return "", false, nil
	}
	if o.DelegateTo == "" {
		return "", false, errors.New("routing: override delegate_to empty")
	}

	if e.Audit != nil {
		_ = e.Audit.LogOverrideApplied(ctx, OverrideAuditEvent{
			OverrideID: o.OverrideID,
			UserID:     userID,
			DelegateTo: o.DelegateTo,
			IPAddress:  ClientIPFromContext(ctx),
			AppliedAt:  now,
			ExpiresAt:  o.ExpiresAt,
			Metadata:   o.Metadata,
		})
	}
	return o.DelegateTo, true, nil
}
