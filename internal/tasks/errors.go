package tasks

import (
	"errors"
	"fmt"
)

var (
	ErrValidation                   = errors.New("validation error")
	ErrNotFound                     = errors.New("not found")
	ErrInvalidStateTransition       = errors.New("invalid state transition")
	ErrRuleCooldownActive           = errors.New("rule cooldown active")
	ErrEscalationTargetUnresolvable = errors.New("escalation target unresolvable")
)

// ValidationError names the field that was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// TransitionError names the rejected status change.
type TransitionError struct {
	Entity string
	From   string
	To     string
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid %s state transition %s -> %s: %s", e.Entity, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid %s state transition %s -> %s", e.Entity, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}
