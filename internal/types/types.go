package types

import (
	"strings"
	"time"
)

// TempIDPrefix marks locally-generated placeholder KB identifiers used
// during creation, before the real backend id is known.
const TempIDPrefix = "tmp-"

// IsTempID reports whether id is a temporary placeholder identifier.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// ResourceType distinguishes files from directories in remote listings.
type ResourceType string

const (
	ResourceFile      ResourceType = "file"
	ResourceDirectory ResourceType = "directory"
)

// ResourceStatus is the backend-reported indexing status of a resource.
// An empty status means the backend has not reported one yet.
type ResourceStatus string

const (
	StatusPending       ResourceStatus = "pending"
	StatusIndexed       ResourceStatus = "indexed"
	StatusError         ResourceStatus = "error"
	StatusFailed        ResourceStatus = "failed"
	StatusPendingDelete ResourceStatus = "pending_delete"
)

// Settled reports whether the status is terminal and needs no further polling.
func (s ResourceStatus) Settled() bool {
	switch s {
	case StatusIndexed, StatusError, StatusFailed:
		return true
	}
	return false
}

// Failed reports whether the backend marked indexing as unsuccessful.
func (s ResourceStatus) Failed() bool {
	return s == StatusError || s == StatusFailed
}

// DisplayStatus is the single authoritative status shown for a file.
// It is produced by the resolver, never stored.
type DisplayStatus string

const (
	DisplayIndexed DisplayStatus = "indexed"
	DisplayError   DisplayStatus = "error"
	DisplayDeleted DisplayStatus = "deleted"
	DisplayUnknown DisplayStatus = "unknown"
	DisplayAbsent  DisplayStatus = "absent"
)

// FileRecord is a single resource as known to the engine.
// Name is always the full path-qualified name, e.g. "docs/guides/setup.md".
type FileRecord struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Type   ResourceType   `json:"type"`
	Size   int64          `json:"size,omitempty"`
	Status ResourceStatus `json:"status,omitempty"`
}

// IsFile reports whether the record is a plain file.
func (r FileRecord) IsFile() bool {
	return r.Type == ResourceFile
}

// CachedListing is one addressable slice of the resource cache.
// Records are treated as immutable once stored; Seq guards against
// out-of-order writes from concurrent background fetches.
type CachedListing struct {
	Records     []FileRecord `json:"records"`
	LastUpdated time.Time    `json:"last_updated"`
	Seq         uint64       `json:"seq,omitempty"`
}

// SyncPhase is the process-wide synchronization phase.
type SyncPhase string

const (
	SyncIdle    SyncPhase = "idle"
	SyncPending SyncPhase = "pending"
	SyncSynced  SyncPhase = "synced"
)

// SyncState drives the delete queue and the polling reconciler.
// KBID may be a temporary identifier while a creation is pending.
type SyncState struct {
	Phase SyncPhase `json:"phase"`
	KBID  string    `json:"kb_id,omitempty"`
}

// DeleteRequest is a deletion that could not be performed immediately
// because synchronization was still pending. It is consumed exactly once.
type DeleteRequest struct {
	ID           string    `json:"id"`
	FileID       string    `json:"file_id"`
	FileName     string    `json:"file_name"`
	ResourcePath string    `json:"resource_path"`
	KBID         string    `json:"kb_id"`
	QueuedAt     time.Time `json:"queued_at"`
}

// DeleteQueue holds pending deletions in insertion order.
type DeleteQueue struct {
	Items      []DeleteRequest `json:"items"`
	Processing bool            `json:"processing"`
}

// OptimisticDelete locks a file's display status at "deleted" before the
// backend confirms the deletion. Entries survive successful deletions and
// are removed only by an explicit registry clear.
type OptimisticDelete struct {
	FileID   string    `json:"file_id"`
	FileName string    `json:"file_name"`
	KBID     string    `json:"kb_id"`
	MarkedAt time.Time `json:"marked_at"`
	Locked   bool      `json:"locked"`
}

// OptimisticFolder marks a folder subtree as being indexed before the
// backend reports per-file statuses.
type OptimisticFolder struct {
	KBID          string              `json:"kb_id"`
	FolderID      string              `json:"folder_id"`
	FolderPath    string              `json:"folder_path"`
	CreatedAt     time.Time           `json:"created_at"`
	RootFolderIDs map[string]struct{} `json:"root_folder_ids,omitempty"`
}

// KnowledgeBase is the backend's representation of an indexed collection.
type KnowledgeBase struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// SnapshotVersion is the current persisted snapshot format.
const SnapshotVersion = 1

// Snapshot is the persistence payload handed to the snapshot store.
// It captures everything needed to reproduce resolver results after a
// restart: caches, both optimistic registries, and the owning KB id.
type Snapshot struct {
	KBID              string                  `json:"kb_id"`
	Timestamp         time.Time               `json:"timestamp"`
	RootResources     []FileRecord            `json:"root_resources"`
	FolderStatuses    map[string][]FileRecord `json:"folder_statuses"`
	OptimisticDeletes []OptimisticDelete      `json:"optimistic_deletes"`
	OptimisticFolders []OptimisticFolder      `json:"optimistic_folders"`
	Version           int                     `json:"version"`
}
