// Package lifecycle owns the record state machine:
// active -> soft-deleted -> purged. Agent-facing operations only ever move
// records between the first two states; the purge transition belongs to the
// retention sweeper alone.
package lifecycle

import (
	"context"
)

// DeletionStore is the subset of the store the manager needs.
type DeletionStore interface {
	SoftDelete(ctx context.Context, id int64) error
	Undelete(ctx context.Context, id int64) error
}

// Manager exposes the reversible transitions. There is deliberately no
// permanent-delete method here or anywhere on the tool surface.
type Manager struct {
	store DeletionStore
}

// NewManager creates a Manager over the given store.
func NewManager(store DeletionStore) *Manager {
	return &Manager{store: store}
}

// Delete soft-deletes a record. Idempotent: deleting an already-deleted or
// unknown id succeeds.
func (m *Manager) Delete(ctx context.Context, id int64) error {
	return m.store.SoftDelete(ctx, id)
}

// Undelete restores a soft-deleted record. Returns storage.ErrNotFound when
// the id does not exist, including records already purged.
func (m *Manager) Undelete(ctx context.Context, id int64) error {
	return m.store.Undelete(ctx, id)
}
