package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"sales-crm/internal/audit"
	"sales-crm/internal/routing"
	"sales-crm/internal/tasks"
	"sales-crm/internal/users"
)

// --- users ---

func (s *PostgresStore) PutUser(ctx context.Context, u users.User) error {
	skills, err := json.Marshal(u.Skills)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO users (id, name, email, role, manager_id, territory, skills, active, digest_opt_in)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE SET
  name = EXCLUDED.name, email = EXCLUDED.email, role = EXCLUDED.role,
  manager_id = EXCLUDED.manager_id, territory = EXCLUDED.territory, skills = EXCLUDED.skills,
  active = EXCLUDED.active, digest_opt_in = EXCLUDED.digest_opt_in
`
	_, err = s.db.ExecContext(ctx, q, u.ID, u.Name, u.Email, u.Role, u.ManagerID, u.Territory, skills, u.Active, u.DigestOptIn)
	return err
}

const userColumns = `id, name, email, role, manager_id, territory, skills, active, digest_opt_in`

func (s *PostgresStore) GetUser(ctx context.Context, id string) (users.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return users.User{}, users.ErrUserNotFound
	}
	return u, err
}

func (s *PostgresStore) ListActiveUsers(ctx context.Context) ([]users.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]users.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanUser(r rowScanner) (users.User, error) {
	var (
		u      users.User
		skills []byte
	)
	if err := r.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.ManagerID, &u.Territory, &skills, &u.Active, &u.DigestOptIn); err != nil {
		return users.User{}, err
	}
	if len(skills) > 0 {
		if err := unmarshalDoc(skills, &u.Skills); err != nil {
			return users.User{}, err
		}
	}
	return u, nil
}

// --- delegation overrides ---

func (s *PostgresStore) PutOverride(ctx context.Context, o routing.Override) (routing.Override, error) {
	if o.UserID == "" || o.DelegateTo == "" {
		return routing.Override{}, tasks.Invalid("override", "user_id and delegate_to are required")
	}
	if o.OverrideID == "" {
		o.OverrideID = uuid.NewString()
	}
	const q = `
INSERT INTO assignment_overrides (id, user_id, delegate_to, expires_at, metadata)
VALUES ($1,$2,$3,$4,$5)
`
	if _, err := s.db.ExecContext(ctx, q, o.OverrideID, o.UserID, o.DelegateTo, o.ExpiresAt.UTC(), o.Metadata); err != nil {
		return routing.Override{}, err
	}
	return o, nil
}

func (s *PostgresStore) GetActiveOverride(ctx context.Context, userID string, now time.Time) (routing.Override, bool, error) {
	const q = `
SELECT id, user_id, delegate_to, expires_at, metadata
FROM assignment_overrides
WHERE user_id = $1 AND expires_at > $2
ORDER BY created_at DESC
LIMIT 1
`
	var o routing.Override
	err := s.db.QueryRowContext(ctx, q, userID, now.UTC()).Scan(&o.OverrideID, &o.UserID, &o.DelegateTo, &o.ExpiresAt, &o.Metadata)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return routing.Override{}, false, nil
		}
		return routing.Override{}, false, err
	}
	return o, true, nil
}

// --- audit ---

// Append implements audit.Repository. audit_events is INSERT-only.
func (s *PostgresStore) Append(ctx context.Context, e audit.Event) error {
	const q = `
INSERT INTO audit_events (
  id, type, actor_user_id, actor_role, ip_address, entity_kind, entity_id, lead_id,
  from_status, to_status, message, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
`
	_, err := s.db.ExecContext(ctx, q,
		e.ID,
		e.Type,
		e.ActorUserID,
		e.ActorRole,
		e.IPAddress,
		e.EntityKind,
		e.EntityID,
		e.LeadID,
		e.FromStatus,
		e.ToStatus,
		e.Message,
		e.Metadata,
		e.CreatedAt.UTC(),
	)
	return err
}
