// Package resolver computes the single authoritative display status of a
// file from the state store. The precedence order is fixed: optimistic
// deletes beat cached backend state, cached state beats optimistic folder
// markers, and anything unmatched is absent from the KB. The display rule
// mapping backend "pending" to Indexed is applied here and nowhere else.
package resolver

import (
	"sync"

	"github.com/hyperstack/kbsync/internal/registry"
	"github.com/hyperstack/kbsync/internal/statestore"
	"github.com/hyperstack/kbsync/internal/types"
)

type memoKey struct {
	fileID     string
	kbID       string
	folderPath string
}

// Resolver resolves display statuses with per-lookup memoization.
// The memo is flushed whenever the delete registry or the optimistic
// update counter changes; both signal that any precedence input may have
// changed.
type Resolver struct {
	store   *statestore.Store
	deletes *registry.DeleteRegistry
	folders *registry.FolderRegistry

	mu   sync.Mutex
	memo map[memoKey]types.DisplayStatus

	unsubscribe func()
}

// New creates a resolver and subscribes it to store invalidation.
// Callers must Close it to release the subscription.
func New(store *statestore.Store, deletes *registry.DeleteRegistry, folders *registry.FolderRegistry) *Resolver {
	r := &Resolver{
		store:   store,
		deletes: deletes,
		folders: folders,
		memo:    make(map[memoKey]types.DisplayStatus),
	}
	r.unsubscribe = store.Subscribe(func(key string) {
		if key == statestore.KeyDeleteRegistry || key == statestore.KeyOptimisticCounter {
			r.flush()
		}
	})
	return r
}

// Close releases the store subscription.
func (r *Resolver) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
}

// Resolve returns the display status for fileID in the context of kbID
// and the folder path it is rendered under.
func (r *Resolver) Resolve(fileID, kbID, folderPath string) types.DisplayStatus {
	key := memoKey{fileID: fileID, kbID: kbID, folderPath: folderPath}

	r.mu.Lock()
	if status, ok := r.memo[key]; ok {
		r.mu.Unlock()
		return status
	}
	r.mu.Unlock()

	status := r.resolve(fileID, kbID, folderPath)

	r.mu.Lock()
	r.memo[key] = status
	r.mu.Unlock()
	return status
}

func (r *Resolver) resolve(fileID, kbID, folderPath string) types.DisplayStatus {
	// 1. Optimistic deletes lock the status regardless of cache state.
	if r.deletes.Contains(fileID) {
		return types.DisplayDeleted
	}

	// 2. Root resource cache.
	if root, ok := r.store.Listing(statestore.KeyRootCache(kbID)); ok {
		if rec, ok := findRecord(root.Records, fileID); ok {
			return displayFor(rec.Status)
		}
	}

	// 3. Folder status cache for this exact path.
	if folder, ok := r.store.Listing(statestore.KeyFolderCache(kbID, folderPath)); ok {
		if rec, ok := findRecord(folder.Records, fileID); ok {
			return displayFor(rec.Status)
		}
	}

	// 4. Descendant of an optimistically-indexed subtree.
	if folderPath != "" && r.folders.IsDescendant(kbID, folderPath) {
		return types.DisplayIndexed
	}

	// 5. Not part of this KB.
	return types.DisplayAbsent
}

func (r *Resolver) flush() {
	r.mu.Lock()
	r.memo = make(map[memoKey]types.DisplayStatus)
	r.mu.Unlock()
}

func findRecord(records []types.FileRecord, fileID string) (types.FileRecord, bool) {
	for _, rec := range records {
		if rec.ID == fileID {
			return rec, true
		}
	}
	return types.FileRecord{}, false
}

// displayFor maps a backend status to its display form. Pending files
// show as Indexed so the UI reflects the optimistic outcome.
func displayFor(status types.ResourceStatus) types.DisplayStatus {
	switch status {
	case types.StatusPending, types.StatusIndexed:
		return types.DisplayIndexed
	case types.StatusError, types.StatusFailed:
		return types.DisplayError
	case types.StatusPendingDelete:
		return types.DisplayDeleted
	default:
		return types.DisplayUnknown
	}
}
