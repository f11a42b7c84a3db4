// Package backend defines the remote collaborators the engine depends
// on and their HTTP implementations. The engine only sees the
// interfaces; everything here is replaceable in tests.
package backend

import (
	"context"

	"github.com/hyperstack/kbsync/internal/types"
)

// KnowledgeBaseSpec describes a KB to create.
type KnowledgeBaseSpec struct {
	Name        string   `json:"name"`
	ResourceIDs []string `json:"resource_ids"`
}

// Indexing is the remote indexing service.
type Indexing interface {
	// CreateKnowledgeBase registers a new KB and returns its real id.
	CreateKnowledgeBase(ctx context.Context, spec KnowledgeBaseSpec) (types.KnowledgeBase, error)

	// SyncKnowledgeBase triggers the KB's asynchronous indexing job.
	SyncKnowledgeBase(ctx context.Context, kbID string) error

	// ListKBResources returns the KB's root resource listing. Transient
	// failures surface as errors for the caller's retry policy.
	ListKBResources(ctx context.Context, kbID string) ([]types.FileRecord, error)

	// ListKBResourcesSafe returns the status listing for one folder
	// path. It never fails: any error yields an empty listing.
	ListKBResourcesSafe(ctx context.Context, kbID, folderPath string) []types.FileRecord

	// DeleteKBResource removes a resource from the KB by path.
	DeleteKBResource(ctx context.Context, kbID, resourcePath string) error
}

// FileSource is the remote file-listing service. An empty folderID
// lists the root of the hierarchy.
type FileSource interface {
	ListResources(ctx context.Context, folderID string) ([]types.FileRecord, error)
}
