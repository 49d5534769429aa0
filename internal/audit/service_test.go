package audit

import (
	"context"
	"testing"
	"time"
)

func TestService_AppendRequiresTypeAndSubject(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{EntityID: "t1"}); err == nil {
		t.Fatalf("expected error without type")
	}
	if err := svc.Append(context.Background(), Event{Type: EventTypeAdminAction}); err == nil {
		t.Fatalf("expected error without entity or actor")
	}
}

func TestService_AppendsImmutableEvents(t *testing.T) {
	repo := NewMemoryRepo()
	now := time.Unix(1700000000, 0).UTC()
	svc := NewService(repo).WithClock(func() time.Time { return now })

	if err := svc.LogAdminAction(context.Background(), "u", "admin", "1.2.3.4", "ran worker", "{}"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event")
	}
	if evs[0].IPAddress != "1.2.3.4" {
		t.Fatalf("expected ip captured")
	}
	if evs[0].Type != EventTypeAdminAction || evs[0].ID == "" || !evs[0].CreatedAt.Equal(now) {
		t.Fatalf("unexpected event: %+v", evs[0])
	}
}

func TestService_TransitionTrailPerEntity(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()

	_ = svc.LogTransition(ctx, EntityTask, "t1", "lead1", "pending", "in_progress", "u1")
	_ = svc.LogTransition(ctx, EntityTask, "t2", "lead1", "pending", "cancelled", "u1")
	_ = svc.LogTransition(ctx, EntityTask, "t1", "lead1", "in_progress", "completed", "u1")

	trail := repo.ForEntity(EntityTask, "t1")
	if len(trail) != 2 || trail[0].ToStatus != "in_progress" || trail[1].ToStatus != "completed" {
		t.Fatalf("unexpected trail: %+v", trail)
	}
}
