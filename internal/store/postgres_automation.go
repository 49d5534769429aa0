package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sales-crm/internal/automation"
	"sales-crm/internal/sequence"
	"sales-crm/internal/tasks"
	"sales-crm/pkg/utils"
)

// --- automation rules ---

func (s *PostgresStore) CreateRule(ctx context.Context, r automation.Rule) (automation.Rule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	doc, err := marshalDoc(r)
	if err != nil {
		return automation.Rule{}, err
	}
	const q = `
INSERT INTO automation_rules (
  id, trigger_event, is_active, execution_count, success_count, last_executed, doc, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9
)
`
	_, err = s.db.ExecContext(ctx, q,
		r.ID,
		r.Trigger,
		r.IsActive,
		r.ExecutionCount,
		r.SuccessCount,
		nullTime(r.LastExecuted),
		doc,
		r.CreatedAt.UTC(),
		r.UpdatedAt.UTC(),
	)
	if err != nil {
		return automation.Rule{}, err
	}
	return r, nil
}

const ruleColumns = `doc, is_active, execution_count, success_count, last_executed`

func (s *PostgresStore) GetRule(ctx context.Context, id string) (automation.Rule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return automation.Rule{}, tasks.NotFound("automation_rule", id)
	}
	return r, err
}

func (s *PostgresStore) ListActiveRules(ctx context.Context, trigger automation.Trigger) ([]automation.Rule, error) {
	const q = `SELECT ` + ruleColumns + ` FROM automation_rules WHERE is_active AND trigger_event = $1 ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, q, trigger)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []automation.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// BeginRuleExecution locks the rule row, re-checks CanExecute against the
// locked counters and records the attempt in the same transaction. Concurrent
// events for the same rule serialize on the row lock, so at most one passes a
// cooldown window.
func (s *PostgresStore) BeginRuleExecution(ctx context.Context, ruleID, leadID string, now time.Time) (automation.Rule, error) {
	var out automation.Rule
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		r, err := scanRule(tx.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE id = $1 FOR UPDATE`, ruleID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return tasks.NotFound("automation_rule", ruleID)
			}
			return err
		}
		var leadExecs int
		err = tx.QueryRowContext(ctx, `SELECT executions FROM rule_executions WHERE rule_id = $1 AND lead_id = $2`, ruleID, leadID).Scan(&leadExecs)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err := r.CanExecute(now, leadExecs); err != nil {
			return err
		}

		at := now.UTC()
		if _, err := tx.ExecContext(ctx, `
UPDATE automation_rules
SET execution_count = execution_count + 1, last_executed = $2, updated_at = $2
WHERE id = $1
`, ruleID, at); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO rule_executions (rule_id, lead_id, executions) VALUES ($1, $2, 1)
ON CONFLICT (rule_id, lead_id) DO UPDATE SET executions = rule_executions.executions + 1
`, ruleID, leadID); err != nil {
			return err
		}
		r.ExecutionCount++
		r.LastExecuted = &at
		r.UpdatedAt = at
		out = r
		return nil
	})
	return out, err
}

func (s *PostgresStore) FinishRuleExecution(ctx context.Context, ruleID string, success bool) error {
	if !success {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE automation_rules SET success_count = success_count + 1 WHERE id = $1
`, ruleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tasks.NotFound("automation_rule", ruleID)
	}
	return nil
}

func scanRule(r rowScanner) (automation.Rule, error) {
	var (
		doc              []byte
		active           bool
		execs, successes int
		last             sql.NullTime
		rule             automation.Rule
	)
	if err := r.Scan(&doc, &active, &execs, &successes, &last); err != nil {
		return automation.Rule{}, err
	}
	if err := unmarshalDoc(doc, &rule); err != nil {
		return automation.Rule{}, err
	}
	rule.IsActive = active
	rule.ExecutionCount = execs
	rule.SuccessCount = successes
	rule.LastExecuted = timePtr(last)
	return rule, nil
}

// --- sequences ---

func (s *PostgresStore) CreateSequence(ctx context.Context, seq sequence.Sequence) (sequence.Sequence, error) {
	if seq.ID == "" {
		seq.ID = uuid.NewString()
	}
	doc, err := marshalDoc(seq)
	if err != nil {
		return sequence.Sequence{}, err
	}
	const q = `
INSERT INTO sequences (
  id, is_active, enrollment_count, completion_count, conversion_count, deleted_at, doc, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9
)
`
	_, err = s.db.ExecContext(ctx, q,
		seq.ID,
		seq.IsActive,
		seq.EnrollmentCount,
		seq.CompletionCount,
		seq.ConversionCount,
		nullTime(seq.DeletedAt),
		doc,
		seq.CreatedAt.UTC(),
		seq.UpdatedAt.UTC(),
	)
	if err != nil {
		return sequence.Sequence{}, err
	}
	return seq, nil
}

func (s *PostgresStore) GetSequence(ctx context.Context, id string) (sequence.Sequence, error) {
	const q = `
SELECT doc, is_active, enrollment_count, completion_count, conversion_count, deleted_at
FROM sequences
WHERE id = $1
`
	var (
		doc             []byte
		active          bool
		enr, done, conv int
		deleted         sql.NullTime
		seq             sequence.Sequence
	)
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&doc, &active, &enr, &done, &conv, &deleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sequence.Sequence{}, tasks.NotFound("sequence", id)
		}
		return sequence.Sequence{}, err
	}
	if err := unmarshalDoc(doc, &seq); err != nil {
		return sequence.Sequence{}, err
	}
	seq.IsActive = active
	seq.EnrollmentCount = enr
	seq.CompletionCount = done
	seq.ConversionCount = conv
	seq.DeletedAt = timePtr(deleted)
	return seq, nil
}

func (s *PostgresStore) IncrementSequenceCounter(ctx context.Context, id string, c sequence.Counter) error {
	var col string
	switch c {
	case sequence.CounterEnrollment, sequence.CounterCompletion, sequence.CounterConversion:
		col = string(c)
	default:
		return fmt.Errorf("store: unknown sequence counter %q", c)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sequences SET `+col+` = `+col+` + 1 WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tasks.NotFound("sequence", id)
	}
	return nil
}

// DeleteSequence soft-deletes a sequence that has no active enrollments.
func (s *PostgresStore) DeleteSequence(ctx context.Context, id string, at time.Time) error {
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		var deleted sql.NullTime
		if err := tx.QueryRowContext(ctx, `SELECT deleted_at FROM sequences WHERE id = $1 FOR UPDATE`, id).Scan(&deleted); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return tasks.NotFound("sequence", id)
			}
			return err
		}
		if deleted.Valid {
			return tasks.NotFound("sequence", id)
		}
		var active int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM enrollments WHERE sequence_id = $1 AND status = 'active'`, id).Scan(&active); err != nil {
			return err
		}
		if active > 0 {
			return fmt.Errorf("%w: %s", sequence.ErrSequenceInUse, id)
		}
		_, err := tx.ExecContext(ctx, `UPDATE sequences SET deleted_at = $2, is_active = FALSE, updated_at = $2 WHERE id = $1`, id, at.UTC())
		return err
	})
}

// --- enrollments ---

func (s *PostgresStore) CreateEnrollment(ctx context.Context, e sequence.Enrollment) (sequence.Enrollment, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	doc, err := marshalDoc(e)
	if err != nil {
		return sequence.Enrollment{}, err
	}
	const q = `
INSERT INTO enrollments (id, sequence_id, lead_id, status, enrolled_at, doc)
VALUES ($1,$2,$3,$4,$5,$6)
`
	if _, err := s.db.ExecContext(ctx, q, e.ID, e.SequenceID, e.LeadID, e.Status, e.EnrolledAt.UTC(), doc); err != nil {
		if isUniqueViolation(err) {
			return sequence.Enrollment{}, fmt.Errorf("%w: lead %s", sequence.ErrAlreadyEnrolled, e.LeadID)
		}
		return sequence.Enrollment{}, err
	}
	return e, nil
}

func (s *PostgresStore) GetEnrollment(ctx context.Context, id string) (sequence.Enrollment, error) {
	e, err := scanEnrollment(s.db.QueryRowContext(ctx, `SELECT doc FROM enrollments WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return sequence.Enrollment{}, tasks.NotFound("enrollment", id)
	}
	return e, err
}

func (s *PostgresStore) UpdateEnrollment(ctx context.Context, e sequence.Enrollment) error {
	doc, err := marshalDoc(e)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE enrollments SET status = $2, doc = $3 WHERE id = $1`, e.ID, e.Status, doc)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tasks.NotFound("enrollment", e.ID)
	}
	return nil
}

func (s *PostgresStore) FindActiveEnrollment(ctx context.Context, sequenceID, leadID string) (sequence.Enrollment, bool, error) {
	const q = `SELECT doc FROM enrollments WHERE sequence_id = $1 AND lead_id = $2 AND status = 'active'`
	e, err := scanEnrollment(s.db.QueryRowContext(ctx, q, sequenceID, leadID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sequence.Enrollment{}, false, nil
		}
		return sequence.Enrollment{}, false, err
	}
	return e, true, nil
}

func (s *PostgresStore) ListActiveEnrollments(ctx context.Context) ([]sequence.Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM enrollments WHERE status = 'active' ORDER BY enrolled_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []sequence.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEnrollment(r rowScanner) (sequence.Enrollment, error) {
	var (
		doc []byte
		e   sequence.Enrollment
	)
	if err := r.Scan(&doc); err != nil {
		return sequence.Enrollment{}, err
	}
	if err := unmarshalDoc(doc, &e); err != nil {
		return sequence.Enrollment{}, err
	}
	return e, nil
}
