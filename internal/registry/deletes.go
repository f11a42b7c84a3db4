package registry

import (
	"time"

	"github.com/hyperstack/kbsync/internal/statestore"
	"github.com/hyperstack/kbsync/internal/types"
)

// DeleteRegistry records files the user deleted before the backend
// confirmed. An entry pins the display status at "deleted" regardless of
// stale cache reads; successful deletions do not remove entries, only an
// explicit Clear does.
type DeleteRegistry struct {
	store *statestore.Store
	clock func() time.Time
}

// NewDeleteRegistry creates a registry over the given store.
func NewDeleteRegistry(store *statestore.Store) *DeleteRegistry {
	return &DeleteRegistry{store: store, clock: time.Now}
}

// Mark records an optimistic deletion for fileID.
func (r *DeleteRegistry) Mark(kbID, fileID, fileName string) {
	r.store.Update(statestore.KeyDeleteRegistry, func(prev any) any {
		entries, _ := prev.(map[string]types.OptimisticDelete)
		next := make(map[string]types.OptimisticDelete, len(entries)+1)
		for k, v := range entries {
			next[k] = v
		}
		next[fileID] = types.OptimisticDelete{
			FileID:   fileID,
			FileName: fileName,
			KBID:     kbID,
			MarkedAt: r.clock(),
			Locked:   true,
		}
		return next
	})
	r.store.Bump(statestore.KeyOptimisticCounter)
}

// Contains reports whether fileID has an optimistic delete entry.
func (r *DeleteRegistry) Contains(fileID string) bool {
	entries, ok := statestore.GetAs[map[string]types.OptimisticDelete](r.store, statestore.KeyDeleteRegistry)
	if !ok {
		return false
	}
	_, ok = entries[fileID]
	return ok
}

// Entries returns a copy of all registered deletions.
func (r *DeleteRegistry) Entries() []types.OptimisticDelete {
	entries, ok := statestore.GetAs[map[string]types.OptimisticDelete](r.store, statestore.KeyDeleteRegistry)
	if !ok {
		return nil
	}
	out := make([]types.OptimisticDelete, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	return out
}

// Clear removes every entry. Used on reset and when a new KB replaces
// the old one.
func (r *DeleteRegistry) Clear() {
	r.store.Set(statestore.KeyDeleteRegistry, map[string]types.OptimisticDelete{})
	r.store.Bump(statestore.KeyOptimisticCounter)
}
