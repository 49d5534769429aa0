package routing

import (
	"context"
	"testing"
	"time"

	"sales-crm/internal/audit"
)

type memOverrideStore struct {
	over Override
	ok   bool
	err  error
}

func (m memOverrideStore) GetActiveOverride(ctx context.Context, userID string, now time.Time) (Override, bool, error) {
	if m.over.UserID != userID {
		return Override{}, false, nil
	}
	return m.over, m.ok, m.err
}

type memAudit struct {
	called bool
	event  OverrideAuditEvent
}

func (m *memAudit) LogOverrideApplied(ctx context.Context, e OverrideAuditEvent) error {
	m.called = true
	m.event = e
	return nil
}

func TestAdminOverrideEngine_AppliesWhenActive(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()

	a := &memAudit{}
	e := NewAdminOverrideEngine(memOverrideStore{over: Override{OverrideID: "o1", UserID: "u1", DelegateTo: "u2", ExpiresAt: now.Add(5 * time.Minute)}, ok: true}, a)
	e.Now = func() time.Time { return now }

	ctx := WithClientIP(context.Background(), "10.0.0.1")
	to, applied, err := e.Decide(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !applied || to != "u2" {
		t.Fatalf("expected delegation to u2, got %q applied=%v", to, applied)
	}
	if !a.called || a.event.IPAddress != "10.0.0.1" {
		t.Fatalf("expected audit with client ip, got %+v", a.event)
	}
}

func TestAdminOverrideEngine_IgnoresExpired(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	e := NewAdminOverrideEngine(memOverrideStore{over: Override{UserID: "u1", DelegateTo: "u2", ExpiresAt: now.Add(-1 * time.Second)}, ok: true}, &memAudit{})
	e.Now = func() time.Time { return now }

	_, applied, err := e.Decide(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if applied {
		t.Fatalf("expected not applied")
	}
}

func TestAuditAdapter_WritesOverrideEvent(t *testing.T) {
	repo := audit.NewMemoryRepo()
	a := AuditAdapter{Audit: audit.NewService(repo)}
	if err := a.LogOverrideApplied(context.Background(), OverrideAuditEvent{OverrideID: "o1", UserID: "u1", DelegateTo: "u2"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	evs := repo.Events()
	if len(evs) != 1 || evs[0].Type != audit.EventTypeAssignmentOverride {
		t.Fatalf("unexpected events: %+v", evs)
	}
}
