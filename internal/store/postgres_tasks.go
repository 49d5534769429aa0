package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"sales-crm/internal/tasks"
	"sales-crm/pkg/utils"
)

func (s *PostgresStore) CreateTask(ctx context.Context, t tasks.Task) (tasks.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	doc, err := marshalDoc(t)
	if err != nil {
		return tasks.Task{}, err
	}
	const q = `
INSERT INTO tasks (
  id, assignee_id, lead_id, status, priority, due_date, reminder_sent_at, deleted_at, doc, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
RETURNING seq
`
	err = s.db.QueryRowContext(ctx, q,
		t.ID,
		t.AssigneeID,
		t.LeadID,
		t.Status,
		t.Priority,
		nullTime(t.DueDate),
		nullTime(t.ReminderSentAt),
		nullTime(t.DeletedAt),
		doc,
		t.CreatedAt.UTC(),
		t.UpdatedAt.UTC(),
	).Scan(&t.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			return tasks.Task{}, tasks.Invalid("id", "already exists")
		}
		return tasks.Task{}, err
	}
	return t, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (tasks.Task, error) {
	const q = `SELECT seq, doc FROM tasks WHERE id = $1 AND deleted_at IS NULL`
	t, err := scanTask(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return tasks.Task{}, tasks.NotFound("task", id)
	}
	return t, err
}

func (s *PostgresStore) UpdateTask(ctx context.Context, t tasks.Task) error {
	return updateTask(ctx, s.db, t)
}

// PatchOpenTask locks the task row and applies fn to the locked copy. Nothing
// is written when the task is no longer open or fn returns false, so a sweep
// racing a completion cannot put the old status back.
func (s *PostgresStore) PatchOpenTask(ctx context.Context, id string, fn func(*tasks.Task) bool) (bool, error) {
	var applied bool
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		applied = false
		t, err := scanTask(tx.QueryRowContext(ctx, `SELECT seq, doc FROM tasks WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return tasks.NotFound("task", id)
		}
		if err != nil {
			return err
		}
		if !t.IsOpen() || !fn(&t) {
			return nil
		}
		t.ID = id
		if err := updateTask(ctx, tx, t); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateTask(ctx context.Context, ex execer, t tasks.Task) error {
	doc, err := marshalDoc(t)
	if err != nil {
		return err
	}
	const q = `
UPDATE tasks
SET assignee_id = $2, lead_id = $3, status = $4, priority = $5, due_date = $6,
    reminder_sent_at = $7, deleted_at = $8, doc = $9, updated_at = $10
WHERE id = $1 AND deleted_at IS NULL
`
	res, err := ex.ExecContext(ctx, q,
		t.ID,
		t.AssigneeID,
		t.LeadID,
		t.Status,
		t.Priority,
		nullTime(t.DueDate),
		nullTime(t.ReminderSentAt),
		nullTime(t.DeletedAt),
		doc,
		t.UpdatedAt.UTC(),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tasks.NotFound("task", t.ID)
	}
	return nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, f tasks.TaskFilter) ([]tasks.Task, error) {
	w := &where{}
	w.raw("deleted_at IS NULL")
	if f.AssigneeID != "" {
		w.add("assignee_id = ?", f.AssigneeID)
	}
	if f.LeadID != "" {
		w.add("lead_id = ?", f.LeadID)
	}
	if f.BlockedBy != "" {
		w.add("doc->'blocked_by' @> jsonb_build_array(?::text)", f.BlockedBy)
	}
	if f.OpenOnly {
		w.raw("status NOT IN ('completed', 'cancelled')")
	}
	if f.DueAfter != nil {
		w.add("due_date >= ?", f.DueAfter.UTC())
	}
	if f.DueBefore != nil {
		w.add("due_date < ?", f.DueBefore.UTC())
	}
	if f.ReminderSentBefore != nil {
		w.add("reminder_sent_at < ?", f.ReminderSentBefore.UTC())
	}
	q := `SELECT seq, doc FROM tasks` + w.String() + ` ORDER BY due_date ASC NULLS LAST, seq ASC` + w.limit(f.Limit)

	rows, err := s.db.QueryContext(ctx, q, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]tasks.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListOpenTasks(ctx context.Context) ([]tasks.Task, error) {
	return s.ListTasks(ctx, tasks.TaskFilter{OpenOnly: true})
}

func (s *PostgresStore) ListTasksByLead(ctx context.Context, leadID string) ([]tasks.Task, error) {
	return s.ListTasks(ctx, tasks.TaskFilter{LeadID: leadID})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (tasks.Task, error) {
	var (
		seq int64
		doc []byte
		t   tasks.Task
	)
	if err := r.Scan(&seq, &doc); err != nil {
		return tasks.Task{}, err
	}
	if err := unmarshalDoc(doc, &t); err != nil {
		return tasks.Task{}, err
	}
	t.Seq = seq
	return t, nil
}

// --- followups ---

func (s *PostgresStore) CreateFollowup(ctx context.Context, f tasks.Followup) (tasks.Followup, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	doc, err := marshalDoc(f)
	if err != nil {
		return tasks.Followup{}, err
	}
	const q = `
INSERT INTO followups (
  id, assignee_id, lead_id, enrollment_id, status, scheduled_for, reschedule_count,
  reminder_sent, reminder_sent_at, deleted_at, doc, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
`
	_, err = s.db.ExecContext(ctx, q,
		f.ID,
		f.AssigneeID,
		f.LeadID,
		f.Automation.EnrollmentID,
		f.Status,
		f.ScheduledFor.UTC(),
		f.RescheduleCount,
		f.ReminderSent,
		nullTime(f.ReminderSentAt),
		nullTime(f.DeletedAt),
		doc,
		f.CreatedAt.UTC(),
		f.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return tasks.Followup{}, tasks.Invalid("id", "already exists")
		}
		return tasks.Followup{}, err
	}
	return f, nil
}

func (s *PostgresStore) GetFollowup(ctx context.Context, id string) (tasks.Followup, error) {
	const q = `SELECT doc FROM followups WHERE id = $1 AND deleted_at IS NULL`
	f, err := scanFollowup(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return tasks.Followup{}, tasks.NotFound("followup", id)
	}
	return f, err
}

func (s *PostgresStore) UpdateFollowup(ctx context.Context, f tasks.Followup) error {
	return updateFollowup(ctx, s.db, f)
}

func (s *PostgresStore) PatchOpenFollowup(ctx context.Context, id string, fn func(*tasks.Followup) bool) (bool, error) {
	var applied bool
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		applied = false
		f, err := scanFollowup(tx.QueryRowContext(ctx, `SELECT doc FROM followups WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return tasks.NotFound("followup", id)
		}
		if err != nil {
			return err
		}
		if !f.IsOpen() || !fn(&f) {
			return nil
		}
		f.ID = id
		if err := updateFollowup(ctx, tx, f); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func updateFollowup(ctx context.Context, ex execer, f tasks.Followup) error {
	doc, err := marshalDoc(f)
	if err != nil {
		return err
	}
	const q = `
UPDATE followups
SET assignee_id = $2, status = $3, scheduled_for = $4, reschedule_count = $5,
    reminder_sent = $6, reminder_sent_at = $7, deleted_at = $8, doc = $9, updated_at = $10
WHERE id = $1 AND deleted_at IS NULL
`
	res, err := ex.ExecContext(ctx, q,
		f.ID,
		f.AssigneeID,
		f.Status,
		f.ScheduledFor.UTC(),
		f.RescheduleCount,
		f.ReminderSent,
		nullTime(f.ReminderSentAt),
		nullTime(f.DeletedAt),
		doc,
		f.UpdatedAt.UTC(),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tasks.NotFound("followup", f.ID)
	}
	return nil
}

func (s *PostgresStore) ListFollowups(ctx context.Context, f tasks.FollowupFilter) ([]tasks.Followup, error) {
	w := &where{}
	w.raw("deleted_at IS NULL")
	if f.AssigneeID != "" {
		w.add("assignee_id = ?", f.AssigneeID)
	}
	if f.LeadID != "" {
		w.add("lead_id = ?", f.LeadID)
	}
	if f.EnrollmentID != "" {
		w.add("enrollment_id = ?", f.EnrollmentID)
	}
	if f.OpenOnly {
		w.raw("status NOT IN ('completed', 'cancelled')")
	}
	if f.ScheduledAfter != nil {
		w.add("scheduled_for >= ?", f.ScheduledAfter.UTC())
	}
	if f.ScheduledBefore != nil {
		w.add("scheduled_for < ?", f.ScheduledBefore.UTC())
	}
	if f.MinRescheduleCount > 0 {
		w.add("reschedule_count >= ?", f.MinRescheduleCount)
	}
	if f.ReminderSentBefore != nil {
		w.raw("reminder_sent")
		w.add("reminder_sent_at < ?", f.ReminderSentBefore.UTC())
	}
	q := `SELECT doc FROM followups` + w.String() + ` ORDER BY scheduled_for ASC, created_at ASC` + w.limit(f.Limit)

	rows, err := s.db.QueryContext(ctx, q, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]tasks.Followup, 0)
	for rows.Next() {
		fu, err := scanFollowup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fu)
	}
	return out, rows.Err()
}

func scanFollowup(r rowScanner) (tasks.Followup, error) {
	var (
		doc []byte
		f   tasks.Followup
	)
	if err := r.Scan(&doc); err != nil {
		return tasks.Followup{}, err
	}
	if err := unmarshalDoc(doc, &f); err != nil {
		return tasks.Followup{}, err
	}
	return f, nil
}
