package registry

import (
	"time"

	"github.com/hyperstack/kbsync/internal/statestore"
	"github.com/hyperstack/kbsync/internal/types"
)

// FolderRegistry tracks folder subtrees optimistically marked as being
// indexed for a KB. Entries are keyed by kbID+folderID in the state
// store and matched against file paths by ancestor/descendant rules.
type FolderRegistry struct {
	store *statestore.Store
	clock func() time.Time
}

// NewFolderRegistry creates a registry over the given store.
func NewFolderRegistry(store *statestore.Store) *FolderRegistry {
	return &FolderRegistry{store: store, clock: time.Now}
}

// Mark registers folderIDs as optimistically indexed for kbID. The
// canonical path of each folder is derived from its path-qualified name
// in names; ids without a name are skipped. rootIDs records the
// originally-selected folder ids that caused this registration.
func (r *FolderRegistry) Mark(kbID string, folderIDs []string, names map[string]string, rootIDs []string) {
	roots := make(map[string]struct{}, len(rootIDs))
	for _, id := range rootIDs {
		roots[id] = struct{}{}
	}

	now := r.clock()
	r.store.Update(statestore.KeyFolderRegistry(kbID), func(prev any) any {
		entries, _ := prev.(map[string]types.OptimisticFolder)
		next := make(map[string]types.OptimisticFolder, len(entries)+len(folderIDs))
		for k, v := range entries {
			next[k] = v
		}
		for _, id := range folderIDs {
			name, ok := names[id]
			if !ok {
				continue
			}
			next[id] = types.OptimisticFolder{
				KBID:          kbID,
				FolderID:      id,
				FolderPath:    NormalizePath(name),
				CreatedAt:     now,
				RootFolderIDs: roots,
			}
		}
		return next
	})
	r.store.Bump(statestore.KeyOptimisticCounter)
}

// Put registers a single pre-built entry. Used when migrating entries
// from a temporary KB id to the real one: entries are re-created under
// the new id, never renamed in place.
func (r *FolderRegistry) Put(entry types.OptimisticFolder) {
	r.store.Update(statestore.KeyFolderRegistry(entry.KBID), func(prev any) any {
		entries, _ := prev.(map[string]types.OptimisticFolder)
		next := make(map[string]types.OptimisticFolder, len(entries)+1)
		for k, v := range entries {
			next[k] = v
		}
		next[entry.FolderID] = entry
		return next
	})
	r.store.Bump(statestore.KeyOptimisticCounter)
}

// IsDescendant reports whether path lies at or below any registered
// folder for kbID.
func (r *FolderRegistry) IsDescendant(kbID, path string) bool {
	_, ok := r.Ancestor(kbID, path)
	return ok
}

// Ancestor returns the deepest registered folder whose path contains the
// given path. Longest path string wins; ties cannot occur because entry
// paths are unique per KB.
func (r *FolderRegistry) Ancestor(kbID, path string) (types.OptimisticFolder, bool) {
	entries, ok := statestore.GetAs[map[string]types.OptimisticFolder](r.store, statestore.KeyFolderRegistry(kbID))
	if !ok {
		return types.OptimisticFolder{}, false
	}

	target := NormalizePath(path)
	var best types.OptimisticFolder
	found := false
	for _, e := range entries {
		if !isWithin(e.FolderPath, target) {
			continue
		}
		if !found || len(e.FolderPath) > len(best.FolderPath) {
			best = e
			found = true
		}
	}
	return best, found
}

// Remove drops the entry for folderID. Used when a folder's real backend
// status has been confirmed and the optimistic marker is obsolete.
func (r *FolderRegistry) Remove(kbID, folderID string) {
	r.store.Update(statestore.KeyFolderRegistry(kbID), func(prev any) any {
		entries, _ := prev.(map[string]types.OptimisticFolder)
		next := make(map[string]types.OptimisticFolder, len(entries))
		for k, v := range entries {
			if k != folderID {
				next[k] = v
			}
		}
		return next
	})
	r.store.Bump(statestore.KeyOptimisticCounter)
}

// RemoveByPath drops any entry whose path equals the given path.
func (r *FolderRegistry) RemoveByPath(kbID, path string) {
	target := NormalizePath(path)
	r.store.Update(statestore.KeyFolderRegistry(kbID), func(prev any) any {
		entries, _ := prev.(map[string]types.OptimisticFolder)
		next := make(map[string]types.OptimisticFolder, len(entries))
		for k, v := range entries {
			if v.FolderPath != target {
				next[k] = v
			}
		}
		return next
	})
	r.store.Bump(statestore.KeyOptimisticCounter)
}

// EntriesForKB returns a copy of all entries registered under kbID.
func (r *FolderRegistry) EntriesForKB(kbID string) []types.OptimisticFolder {
	entries, ok := statestore.GetAs[map[string]types.OptimisticFolder](r.store, statestore.KeyFolderRegistry(kbID))
	if !ok {
		return nil
	}
	out := make([]types.OptimisticFolder, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	return out
}

// ClearForKB removes every entry registered under kbID.
func (r *FolderRegistry) ClearForKB(kbID string) {
	r.store.Delete(statestore.KeyFolderRegistry(kbID))
	r.store.Bump(statestore.KeyOptimisticCounter)
}
