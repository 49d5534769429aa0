package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only. No Update/Delete methods are provided.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records the lifecycle trail of tasks and followups plus admin actions.
//
// Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// WithClock overrides the timestamp source. Intended for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.EntityID == "" && e.ActorUserID == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogTransition records a status change on a task or followup.
func (s *Service) LogTransition(ctx context.Context, kind EntityKind, id, leadID, from, to, actorUserID string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeStatusChanged,
		ActorUserID: actorUserID,
		EntityKind:  kind,
		EntityID:    id,
		LeadID:      leadID,
		FromStatus:  from,
		ToStatus:    to,
	})
}

// LogAdminAction records a privileged action such as a manual worker run.
func (s *Service) LogAdminAction(ctx context.Context, actorUserID, actorRole, ip, message, metadata string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeAdminAction,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		Message:     message,
		Metadata:    metadata,
	})
}

// LogOverride records that an assignment was silently redirected by a delegation override.
func (s *Service) LogOverride(ctx context.Context, overrideID, fromUserID, toUserID, ip, metadata string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeAssignmentOverride,
		ActorUserID: fromUserID,
		IPAddress:   ip,
		EntityID:    overrideID,
		Message:     "assignment delegated to " + toUserID,
		Metadata:    metadata,
	})
}
