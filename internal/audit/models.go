package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - Every event names the entity it is about, or the actor for admin actions.
// - Audit is best-effort; do not block task or followup flows on audit failures.
//
// Storage (Postgres): table audit_events, INSERT-only.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	// IPAddress is the resolved client IP when the change came over HTTP.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	EntityKind EntityKind `json:"entity_kind,omitempty" db:"entity_kind"`
	EntityID   string     `json:"entity_id,omitempty" db:"entity_id"`
	LeadID     string     `json:"lead_id,omitempty" db:"lead_id"`

	FromStatus string `json:"from_status,omitempty" db:"from_status"`
	ToStatus   string `json:"to_status,omitempty" db:"to_status"`

	Message  string `json:"message,omitempty" db:"message"`
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeStatusChanged      EventType = "status_changed"
	EventTypeAssigned           EventType = "assigned"
	EventTypeEscalated          EventType = "escalated"
	EventTypeRescheduled        EventType = "rescheduled"
	EventTypeDeleted            EventType = "deleted"
	EventTypeAdminAction        EventType = "admin_action"
	EventTypeAssignmentOverride EventType = "assignment_override"
)

type EntityKind string

const (
	EntityTask       EntityKind = "task"
	EntityFollowup   EntityKind = "followup"
	EntityRule       EntityKind = "automation_rule"
	EntityEnrollment EntityKind = "enrollment"
)
