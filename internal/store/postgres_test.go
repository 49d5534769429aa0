package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"sales-crm/internal/automation"
	"sales-crm/internal/tasks"
	"sales-crm/pkg/utils"
)

func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping postgres test")
	}
	db, err := utils.OpenPostgres(context.Background(), "pgx", dsn, utils.PostgresPoolConfig{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s := NewPostgresStore(db)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestWhereBuilder(t *testing.T) {
	w := &where{}
	w.raw("deleted_at IS NULL")
	w.add("assignee_id = ?", "u1")
	w.add("due_date < ?", time.Unix(0, 0))
	got := w.String() + w.limit(5)
	want := " WHERE deleted_at IS NULL AND assignee_id = $1 AND due_date < $2 LIMIT $3"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if len(w.args) != 3 {
		t.Fatalf("expected 3 args, got %d", len(w.args))
	}
}

func TestNullTime(t *testing.T) {
	if nullTime(nil).Valid {
		t.Fatalf("nil must map to NULL")
	}
	now := time.Unix(1700000000, 0)
	if p := timePtr(sql.NullTime{Time: now, Valid: true}); p == nil || !p.Equal(now) {
		t.Fatalf("round trip lost the value")
	}
}

func TestPostgresStore_TaskAndRuleExecution(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	task, err := s.CreateTask(ctx, tasks.Task{Title: "pg", Status: tasks.StatusPending, Priority: tasks.PriorityHigh, AssigneeID: "u-pg", CreatedAt: now, UpdatedAt: now})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Seq == 0 {
		t.Fatalf("expected seq from bigserial")
	}
	got, err := s.GetTask(ctx, task.ID)
	if err != nil || got.Title != "pg" {
		t.Fatalf("get task: %+v %v", got, err)
	}

	r, err := s.CreateRule(ctx, automation.Rule{Name: "pg", Trigger: automation.TriggerCallOutcome, IsActive: true, CooldownHours: 1, CreatedAt: now, UpdatedAt: now})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if _, err := s.BeginRuleExecution(ctx, r.ID, "L1", now); err != nil {
		t.Fatalf("first execution: %v", err)
	}
	if _, err := s.BeginRuleExecution(ctx, r.ID, "L1", now.Add(time.Minute)); !errors.Is(err, tasks.ErrRuleCooldownActive) {
		t.Fatalf("expected cooldown, got %v", err)
	}
}

func TestPostgresStore_PatchOpenTaskSkipsCompleted(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	task, err := s.CreateTask(ctx, tasks.Task{Title: "pg-patch", Status: tasks.StatusInProgress, Priority: tasks.PriorityLow, StartedAt: &now, CreatedAt: now, UpdatedAt: now})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	stamp := func(cur *tasks.Task) bool {
		at := now
		cur.ReminderSentAt = &at
		return true
	}
	if applied, err := s.PatchOpenTask(ctx, task.ID, stamp); err != nil || !applied {
		t.Fatalf("open task should be patched, applied=%v err=%v", applied, err)
	}
	cur, _ := s.GetTask(ctx, task.ID)
	if cur.ReminderSentAt == nil || cur.Seq != task.Seq {
		t.Fatalf("patch lost: %+v", cur)
	}

	if err := cur.MarkCompleted("won", "", "u-pg", now); err != nil {
		t.Fatalf("complete: %v", err)
	}
	cur.ReminderSentAt = nil
	if err := s.UpdateTask(ctx, cur); err != nil {
		t.Fatalf("update: %v", err)
	}
	if applied, err := s.PatchOpenTask(ctx, task.ID, stamp); err != nil || applied {
		t.Fatalf("completed task must not be patched, applied=%v err=%v", applied, err)
	}
	if got, _ := s.GetTask(ctx, task.ID); got.Status != tasks.StatusCompleted || got.ReminderSentAt != nil {
		t.Fatalf("completed task was rewritten: %+v", got)
	}
}
