package notify

import (
	"context"
	"sync"
)

// MemoryDispatcher records notifications for tests.
type MemoryDispatcher struct {
	mu   sync.Mutex
	sent []Notification
	// Fail, when set, is returned for recipients it reports true for.
	Fail func(n Notification) error
}

func NewMemoryDispatcher() *MemoryDispatcher { return &MemoryDispatcher{} }

func (d *MemoryDispatcher) Send(ctx context.Context, n Notification) error {
	if n.RecipientID == "" {
		return ErrNoRecipient
	}
	if d.Fail != nil {
		if err := d.Fail(n); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, n)
	return nil
}

func (d *MemoryDispatcher) Sent() []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Notification, len(d.sent))
	copy(out, d.sent)
	return out
}

// ByKind returns sent notifications of kind k.
func (d *MemoryDispatcher) ByKind(k Kind) []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Notification
	for _, n := range d.sent {
		if n.Kind == k {
			out = append(out, n)
		}
	}
	return out
}

func (d *MemoryDispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = nil
}
