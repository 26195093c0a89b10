package publisher

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryOutbox is the tested-default Outbox.
type InMemoryOutbox struct {
	mu      sync.Mutex
	entries map[string]*OutboxEntry
}

// NewInMemoryOutbox constructs an empty outbox.
func NewInMemoryOutbox() *InMemoryOutbox {
	return &InMemoryOutbox{entries: make(map[string]*OutboxEntry)}
}

// Enqueue stores e, due immediately.
func (o *InMemoryOutbox) Enqueue(_ context.Context, e OutboxEntry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e.NextAttempt = time.Time{}
	o.entries[e.ID] = &e
	return nil
}

// Due returns up to limit entries whose NextAttempt has passed, oldest
// attempt count first so a flapping entry does not starve the queue.
func (o *InMemoryOutbox) Due(_ context.Context, now time.Time, limit int) ([]OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var due []OutboxEntry
	for _, e := range o.entries {
		if e.NextAttempt.IsZero() || !e.NextAttempt.After(now) {
			due = append(due, *e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Attempts < due[j].Attempts })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		if e, ok := o.entries[due[i].ID]; ok {
			e.Attempts++
			due[i].Attempts = e.Attempts
		}
	}
	return due, nil
}

// MarkDelivered removes a delivered entry.
func (o *InMemoryOutbox) MarkDelivered(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.entries, id)
	return nil
}

// Reschedule moves an entry's next retry attempt forward.
func (o *InMemoryOutbox) Reschedule(_ context.Context, id string, nextAttempt time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[id]; ok {
		e.NextAttempt = nextAttempt
	}
	return nil
}

// Size returns the number of entries still pending delivery (test helper).
func (o *InMemoryOutbox) Size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}
