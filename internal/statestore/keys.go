package statestore

// Key namespaces. All synchronization state lives under one of these
// prefixes so snapshot export and temp-id cleanup can enumerate slots.
const (
	// KeySyncState holds the process-wide types.SyncState.
	KeySyncState = "sync/state"

	// KeyDeleteQueue holds the types.DeleteQueue.
	KeyDeleteQueue = "delete/queue"

	// KeyDeleteRegistry holds the optimistic delete registry,
	// a map[string]types.OptimisticDelete keyed by file id.
	KeyDeleteRegistry = "registry/deletes"

	// KeyOptimisticCounter is bumped on every optimistic cache or
	// registry write; the resolver flushes its memo when it changes.
	KeyOptimisticCounter = "registry/counter"

	keyFolderRegistryPrefix = "registry/folders/"
	keyRootCachePrefix      = "cache/root/"
	keyFolderCachePrefix    = "cache/folder/"
	keyRawListingPrefix     = "cache/raw/"
)

// KeyFolderRegistry addresses the optimistic folder registry for a KB,
// a map[string]types.OptimisticFolder keyed by folder id.
func KeyFolderRegistry(kbID string) string {
	return keyFolderRegistryPrefix + kbID
}

// KeyRootCache addresses the root resource listing for a KB.
func KeyRootCache(kbID string) string {
	return keyRootCachePrefix + kbID
}

// KeyFolderCache addresses the folder status listing for a KB and folder
// path. The ":" separator cannot appear in a KB id, so keys stay
// unambiguous even though folder paths contain slashes.
func KeyFolderCache(kbID, folderPath string) string {
	return keyFolderCachePrefix + kbID + ":" + folderPath
}

// KeyRawListing addresses the raw remote listing for a folder id,
// independent of any KB.
func KeyRawListing(folderID string) string {
	return keyRawListingPrefix + folderID
}

// FolderCacheKeys returns every folder status cache key for a KB.
func (s *Store) FolderCacheKeys(kbID string) []string {
	return s.Keys(keyFolderCachePrefix + kbID + ":")
}

// FolderCachePath extracts the folder path from a folder cache key for
// the given KB. Returns false if the key does not belong to that KB.
func FolderCachePath(kbID, key string) (string, bool) {
	prefix := keyFolderCachePrefix + kbID + ":"
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return "", false
	}
	return key[len(prefix):], true
}
