package users

import (
	"context"
	"errors"
)

// User is the slice of the CRM user record the engine needs: who reports to
// whom, who can take which work, and who wants a morning digest.
type User struct {
	ID        string   `json:"id" db:"id"`
	Name      string   `json:"name" db:"name"`
	Email     string   `json:"email,omitempty" db:"email"`
	Role      string   `json:"role" db:"role"`
	ManagerID string   `json:"manager_id,omitempty" db:"manager_id"`
	Territory string   `json:"territory,omitempty" db:"territory"`
	Skills    []string `json:"skills,omitempty" db:"skills"`
	Active    bool     `json:"active" db:"active"`

	// DigestOptIn controls the daily digest.
	DigestOptIn bool `json:"digest_opt_in" db:"digest_opt_in"`
}

func (u User) HasSkill(skill string) bool {
	for _, s := range u.Skills {
		if s == skill {
			return true
		}
	}
	return false
}

var ErrUserNotFound = errors.New("user not found")

// Directory is the read-only user lookup used by assignment, escalation and digests.
type Directory interface {
	GetUser(ctx context.Context, id string) (User, error)
	ListActiveUsers(ctx context.Context) ([]User, error)
}

// ManagerOf resolves the escalation target for userID.
func ManagerOf(ctx context.Context, dir Directory, userID string) (User, error) {
	u, err := dir.GetUser(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if u.ManagerID == "" {
		return User{}, ErrUserNotFound
	}
	m, err := dir.GetUser(ctx, u.ManagerID)
	if err != nil {
		return User{}, err
	}
	if !m.Active {
		return User{}, ErrUserNotFound
	}
	return m, nil
}
