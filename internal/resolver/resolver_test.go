package resolver

import (
	"testing"

	"github.com/hyperstack/kbsync/internal/registry"
	"github.com/hyperstack/kbsync/internal/statestore"
	"github.com/hyperstack/kbsync/internal/types"
)

func newResolver(t *testing.T) (*Resolver, *statestore.Store, *registry.DeleteRegistry, *registry.FolderRegistry) {
	t.Helper()
	store := statestore.New()
	deletes := registry.NewDeleteRegistry(store)
	folders := registry.NewFolderRegistry(store)
	r := New(store, deletes, folders)
	t.Cleanup(r.Close)
	return r, store, deletes, folders
}

func TestResolve_DeleteRegistryBeatsEverything(t *testing.T) {
	r, store, deletes, _ := newResolver(t)

	// The cache still says indexed, but the user already deleted the file.
	store.PutListing(statestore.KeyRootCache("kb1"), []types.FileRecord{
		{ID: "f1", Name: "a.md", Status: types.StatusIndexed},
	})
	deletes.Mark("kb1", "f1", "a.md")

	if got := r.Resolve("f1", "kb1", ""); got != types.DisplayDeleted {
		t.Errorf("got %v, want %v", got, types.DisplayDeleted)
	}
}

func TestResolve_RootCacheBeatsFolderCache(t *testing.T) {
	r, store, _, _ := newResolver(t)

	store.PutListing(statestore.KeyRootCache("kb1"), []types.FileRecord{
		{ID: "f1", Status: types.StatusFailed},
	})
	store.PutListing(statestore.KeyFolderCache("kb1", "/docs"), []types.FileRecord{
		{ID: "f1", Status: types.StatusIndexed},
	})

	if got := r.Resolve("f1", "kb1", "/docs"); got != types.DisplayError {
		t.Errorf("got %v, want %v", got, types.DisplayError)
	}
}

func TestResolve_FolderCache(t *testing.T) {
	r, store, _, _ := newResolver(t)

	store.PutListing(statestore.KeyFolderCache("kb1", "/docs"), []types.FileRecord{
		{ID: "f1", Status: types.StatusPendingDelete},
	})

	if got := r.Resolve("f1", "kb1", "/docs"); got != types.DisplayDeleted {
		t.Errorf("got %v, want %v", got, types.DisplayDeleted)
	}
	// Same file asked under a different folder path does not match.
	if got := r.Resolve("f1", "kb1", "/other"); got != types.DisplayAbsent {
		t.Errorf("got %v, want %v", got, types.DisplayAbsent)
	}
}

func TestResolve_OptimisticFolderDescendant(t *testing.T) {
	r, _, _, folders := newResolver(t)

	folders.Mark("kb1", []string{"d1"}, map[string]string{"d1": "docs"}, nil)

	if got := r.Resolve("unknown-file", "kb1", "/docs/deep/nested"); got != types.DisplayIndexed {
		t.Errorf("got %v, want %v", got, types.DisplayIndexed)
	}
	// An empty folder path never matches the subtree rule.
	if got := r.Resolve("unknown-file", "kb1", ""); got != types.DisplayAbsent {
		t.Errorf("got %v, want %v", got, types.DisplayAbsent)
	}
}

func TestResolve_UnmatchedIsAbsent(t *testing.T) {
	r, _, _, _ := newResolver(t)

	if got := r.Resolve("nope", "kb1", "/anywhere"); got != types.DisplayAbsent {
		t.Errorf("got %v, want %v", got, types.DisplayAbsent)
	}
}

func TestResolve_DisplayMapping(t *testing.T) {
	tests := []struct {
		status types.ResourceStatus
		want   types.DisplayStatus
	}{
		{types.StatusPending, types.DisplayIndexed},
		{types.StatusIndexed, types.DisplayIndexed},
		{types.StatusError, types.DisplayError},
		{types.StatusFailed, types.DisplayError},
		{types.StatusPendingDelete, types.DisplayDeleted},
		{"", types.DisplayUnknown},
	}
	for _, tt := range tests {
		r, store, _, _ := newResolver(t)
		store.PutListing(statestore.KeyRootCache("kb1"), []types.FileRecord{
			{ID: "f1", Status: tt.status},
		})
		if got := r.Resolve("f1", "kb1", ""); got != tt.want {
			t.Errorf("status %q: got %v, want %v", tt.status, got, tt.want)
		}
		r.Close()
	}
}

func TestResolve_MemoFlushedOnCacheWrite(t *testing.T) {
	r, store, _, _ := newResolver(t)

	store.PutListing(statestore.KeyRootCache("kb1"), []types.FileRecord{
		{ID: "f1", Status: types.StatusPending},
	})
	if got := r.Resolve("f1", "kb1", ""); got != types.DisplayIndexed {
		t.Fatalf("got %v, want %v", got, types.DisplayIndexed)
	}

	// The cache write bumps the optimistic counter, which must flush the
	// memoized answer.
	store.PutListing(statestore.KeyRootCache("kb1"), []types.FileRecord{
		{ID: "f1", Status: types.StatusFailed},
	})
	if got := r.Resolve("f1", "kb1", ""); got != types.DisplayError {
		t.Errorf("got stale %v after cache update, want %v", got, types.DisplayError)
	}
}

func TestResolve_MemoFlushedOnDeleteMark(t *testing.T) {
	r, store, deletes, _ := newResolver(t)

	store.PutListing(statestore.KeyRootCache("kb1"), []types.FileRecord{
		{ID: "f1", Status: types.StatusIndexed},
	})
	if got := r.Resolve("f1", "kb1", ""); got != types.DisplayIndexed {
		t.Fatalf("got %v, want %v", got, types.DisplayIndexed)
	}

	deletes.Mark("kb1", "f1", "a.md")
	if got := r.Resolve("f1", "kb1", ""); got != types.DisplayDeleted {
		t.Errorf("got stale %v after delete mark, want %v", got, types.DisplayDeleted)
	}
}
