package statestore

import (
	"time"

	"github.com/hyperstack/kbsync/internal/types"
)

// Listing returns the cached listing at key.
func (s *Store) Listing(key string) (types.CachedListing, bool) {
	return GetAs[types.CachedListing](s, key)
}

// PutListing replaces the listing at key and bumps the optimistic
// counter so memoized resolver results are flushed.
func (s *Store) PutListing(key string, records []types.FileRecord) {
	s.Set(key, types.CachedListing{
		Records:     records,
		LastUpdated: s.clock(),
	})
	s.Bump(KeyOptimisticCounter)
}

// PutListingSeq replaces the listing at key only when seq is not older
// than the slot's recorded sequence. Stale writes are dropped and do not
// bump the optimistic counter.
func (s *Store) PutListingSeq(key string, records []types.FileRecord, seq uint64) bool {
	ok := s.SetSeq(key, types.CachedListing{
		Records:     records,
		LastUpdated: s.clock(),
		Seq:         seq,
	}, seq)
	if ok {
		s.Bump(KeyOptimisticCounter)
	}
	return ok
}

// RemoveFromListing drops the record with fileID from the listing at key,
// if present. The record slice is copied, never edited in place.
func (s *Store) RemoveFromListing(key string, fileID string) {
	prev, ok := s.Listing(key)
	if !ok {
		return
	}
	found := false
	next := make([]types.FileRecord, 0, len(prev.Records))
	for _, r := range prev.Records {
		if r.ID == fileID {
			found = true
			continue
		}
		next = append(next, r)
	}
	if !found {
		return
	}
	s.Set(key, types.CachedListing{
		Records:     next,
		LastUpdated: s.clock(),
		Seq:         prev.Seq,
	})
	s.Bump(KeyOptimisticCounter)
}

// CopyListing duplicates the listing at src into dst, refreshing its
// LastUpdated stamp. Missing sources are a no-op.
func (s *Store) CopyListing(src, dst string) {
	prev, ok := s.Listing(src)
	if !ok {
		return
	}
	records := make([]types.FileRecord, len(prev.Records))
	copy(records, prev.Records)
	s.Set(dst, types.CachedListing{
		Records:     records,
		LastUpdated: s.clock(),
		Seq:         prev.Seq,
	})
	s.Bump(KeyOptimisticCounter)
}

// DeleteKBSlots removes every cache slot and registry entry keyed by
// kbID. Used for temp-id cleanup after migration and for rollback.
func (s *Store) DeleteKBSlots(kbID string) {
	s.Delete(KeyRootCache(kbID))
	for _, key := range s.FolderCacheKeys(kbID) {
		s.Delete(key)
	}
	s.Delete(KeyFolderRegistry(kbID))
	s.Bump(KeyOptimisticCounter)
}

// SetClock overrides the store's time source. Tests only.
func (s *Store) SetClock(clock func() time.Time) {
	s.mu.Lock()
	s.clock = clock
	s.mu.Unlock()
}
