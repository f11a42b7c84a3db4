package statestore

import (
	"sort"
	"time"

	"github.com/hyperstack/kbsync/internal/types"
)

// Export captures everything the persistent snapshot store needs for the
// given KB: the root cache, every folder status cache, and both
// optimistic registries.
func (s *Store) Export(kbID string) types.Snapshot {
	snap := types.Snapshot{
		KBID:           kbID,
		Timestamp:      time.Now().UTC(),
		FolderStatuses: make(map[string][]types.FileRecord),
		Version:        types.SnapshotVersion,
	}

	if root, ok := s.Listing(KeyRootCache(kbID)); ok {
		snap.RootResources = append(snap.RootResources, root.Records...)
	}

	for _, key := range s.FolderCacheKeys(kbID) {
		path, ok := FolderCachePath(kbID, key)
		if !ok {
			continue
		}
		if listing, ok := s.Listing(key); ok {
			records := make([]types.FileRecord, len(listing.Records))
			copy(records, listing.Records)
			snap.FolderStatuses[path] = records
		}
	}

	if deletes, ok := GetAs[map[string]types.OptimisticDelete](s, KeyDeleteRegistry); ok {
		for _, d := range deletes {
			snap.OptimisticDeletes = append(snap.OptimisticDeletes, d)
		}
		sort.Slice(snap.OptimisticDeletes, func(i, j int) bool {
			return snap.OptimisticDeletes[i].FileID < snap.OptimisticDeletes[j].FileID
		})
	}

	if folders, ok := GetAs[map[string]types.OptimisticFolder](s, KeyFolderRegistry(kbID)); ok {
		for _, f := range folders {
			snap.OptimisticFolders = append(snap.OptimisticFolders, f)
		}
		sort.Slice(snap.OptimisticFolders, func(i, j int) bool {
			return snap.OptimisticFolders[i].FolderID < snap.OptimisticFolders[j].FolderID
		})
	}

	return snap
}

// Restore seeds the store from a persisted snapshot. Existing slots for
// the snapshot's KB are replaced wholesale.
func (s *Store) Restore(snap types.Snapshot) {
	if snap.KBID == "" {
		return
	}

	s.Set(KeySyncState, types.SyncState{Phase: types.SyncSynced, KBID: snap.KBID})

	if len(snap.RootResources) > 0 {
		s.PutListing(KeyRootCache(snap.KBID), snap.RootResources)
	}
	for path, records := range snap.FolderStatuses {
		s.PutListing(KeyFolderCache(snap.KBID, path), records)
	}

	deletes := make(map[string]types.OptimisticDelete, len(snap.OptimisticDeletes))
	for _, d := range snap.OptimisticDeletes {
		deletes[d.FileID] = d
	}
	s.Set(KeyDeleteRegistry, deletes)

	folders := make(map[string]types.OptimisticFolder, len(snap.OptimisticFolders))
	for _, f := range snap.OptimisticFolders {
		folders[f.FolderID] = f
	}
	s.Set(KeyFolderRegistry(snap.KBID), folders)

	s.Bump(KeyOptimisticCounter)
}
