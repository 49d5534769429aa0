package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sales-crm/internal/tasks"
)

// Type names a lifecycle event.
type Type string

const (
	TaskCreated       Type = "task.created"
	TaskUpdated       Type = "task.updated"
	TaskAssigned      Type = "task.assigned"
	TaskStatusChanged Type = "task.status_changed"
	TaskCompleted     Type = "task.completed"
	TaskEscalated     Type = "task.escalated"
	TaskDeleted       Type = "task.deleted"

	FollowupCreated     Type = "followup.created"
	FollowupRescheduled Type = "followup.rescheduled"
	FollowupCompleted   Type = "followup.completed"
	FollowupCancelled   Type = "followup.cancelled"
	FollowupEscalated   Type = "followup.escalated"
)

// Event carries a snapshot of the entity after the change.
type Event struct {
	Type    Type      `json:"type"`
	ActorID string    `json:"actor_id,omitempty"`
	At      time.Time `json:"at"`

	// FromStatus is set for status changes; FromAssignee for reassignment.
	FromStatus   string `json:"from_status,omitempty"`
	FromAssignee string `json:"from_assignee,omitempty"`

	Task     *tasks.Task     `json:"task,omitempty"`
	Followup *tasks.Followup `json:"followup,omitempty"`
}

// EntityID returns the id of the task or followup the event is about.
func (e Event) EntityID() string {
	switch {
	case e.Task != nil:
		return e.Task.ID
	case e.Followup != nil:
		return e.Followup.ID
	default:
		return ""
	}
}

// Handler reacts to one event. Handlers run synchronously on the publisher's goroutine.
type Handler func(ctx context.Context, e Event) error

// Bus is a thread-safe in-process publish/subscribe bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]handlerEntry
	all      []handlerEntry
	nextID   int
	history  []Event
	maxHist  int
}

type handlerEntry struct {
	id      int
	handler Handler
}

// NewBus creates a Bus with a 1000-event history cap.
func NewBus() *Bus {
	return &Bus{handlers: map[Type][]handlerEntry{}, maxHist: 1000}
}

// Publish delivers e to handlers subscribed to e.Type and to catch-all handlers.
// Every handler runs even if an earlier one fails; failures are joined.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.Lock()
	b.history = append(b.history, e)
	if len(b.history) > b.maxHist {
		b.history = b.history[len(b.history)-b.maxHist:]
	}
	// Collect handlers to invoke outside the lock.
	targets := make([]Handler, 0, len(b.handlers[e.Type])+len(b.all))
	for _, h := range b.handlers[e.Type] {
		targets = append(targets, h.handler)
	}
	for _, h := range b.all {
		targets = append(targets, h.handler)
	}
	b.mu.Unlock()

	var errs []error
	for _, h := range targets {
		if err := h(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish %s: %w", e.Type, errors.Join(errs...))
	}
	return nil
}

// Subscribe registers h for the given types; no types means every event.
// The returned function unsubscribes.
func (b *Bus) Subscribe(h Handler, types ...Type) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	entry := handlerEntry{id: id, handler: h}
	if len(types) == 0 {
		b.all = append(b.all, entry)
	}
	for _, t := range types {
		b.handlers[t] = append(b.handlers[t], entry)
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = without(b.all, id)
		for _, t := range types {
			if rest := without(b.handlers[t], id); len(rest) > 0 {
				b.handlers[t] = rest
			} else {
				delete(b.handlers, t)
			}
		}
	}
}

// History returns up to limit most recent events, oldest first.
func (b *Bus) History(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	start := 0
	if limit > 0 && len(b.history) > limit {
		start = len(b.history) - limit
	}
	out := make([]Event, len(b.history)-start)
	copy(out, b.history[start:])
	return out
}

func without(entries []handlerEntry, id int) []handlerEntry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}
