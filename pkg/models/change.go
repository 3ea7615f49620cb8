package models

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Change actions recorded for downstream publication.
const (
	ChangeActionCreate = "create"
	ChangeActionUpdate = "update"
	ChangeActionDelete = "delete"
)

// Change is one entity write performed while handling an event.
type Change struct {
	Family   string    `json:"family"`
	EntityID uuid.UUID `json:"entity_id"`
	Action   string    `json:"action"`
	Entity   any       `json:"entity"`
}

// ChangeSet collects the writes of one event so they can be published once
// the event's transaction has committed.
type ChangeSet struct {
	mu      sync.Mutex
	changes []Change
}

// Record appends a change.
func (c *ChangeSet) Record(change Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, change)
}

// Changes returns the recorded changes in write order.
func (c *ChangeSet) Changes() []Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Change, len(c.changes))
	copy(out, c.changes)
	return out
}

// changeSetKey is the context key for storing the change set.
type changeSetKey struct{}

// WithChangeSet returns a new context carrying cs.
func WithChangeSet(ctx context.Context, cs *ChangeSet) context.Context {
	return context.WithValue(ctx, changeSetKey{}, cs)
}

// GetChangeSet retrieves the change set from the context.
// Returns nil and false if not present.
func GetChangeSet(ctx context.Context) (*ChangeSet, bool) {
	cs, ok := ctx.Value(changeSetKey{}).(*ChangeSet)
	return cs, ok
}

// RecordChange adds a change to the context's change set, if any.
func RecordChange[E Entity[E]](ctx context.Context, action string, entity E) {
	cs, ok := GetChangeSet(ctx)
	if !ok {
		return
	}
	cs.Record(Change{
		Family:   entity.Family(),
		EntityID: entity.Meta().ID,
		Action:   action,
		Entity:   entity.Clone(),
	})
}
