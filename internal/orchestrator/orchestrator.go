// Package orchestrator performs optimistic knowledge base creation:
// immediate local feedback under a temporary id, background population of
// uncached folder data, and on backend confirmation an atomic migration
// of all temp-keyed state to the real id, or a full rollback on failure.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hyperstack/kbsync/internal/backend"
	"github.com/hyperstack/kbsync/internal/deletequeue"
	"github.com/hyperstack/kbsync/internal/notify"
	"github.com/hyperstack/kbsync/internal/registry"
	"github.com/hyperstack/kbsync/internal/statestore"
	"github.com/hyperstack/kbsync/internal/types"
)

// Phase is the orchestrator's creation state.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseOptimisticPending Phase = "optimistic_pending"
	PhaseCommitted         Phase = "committed"
	PhaseRolledBack        Phase = "rolled_back"
)

// ErrCreationInProgress is returned when a creation is already pending.
var ErrCreationInProgress = errors.New("knowledge base creation already in progress")

// backgroundFetchLimit bounds concurrent folder content fetches during
// the optimistic phase.
const backgroundFetchLimit = 4

// Orchestrator runs the Idle -> OptimisticPending -> Committed|RolledBack
// state machine for KB creation.
type Orchestrator struct {
	store    *statestore.Store
	folders  *registry.FolderRegistry
	queue    *deletequeue.Manager
	indexing backend.Indexing
	source   backend.FileSource
	notifier notify.Notifier

	// fetchSeq tags folder-cache writes so a slow background fetch can
	// never overwrite data from a newer one.
	fetchSeq atomic.Uint64

	// fetches tracks in-flight background folder fetches. Commit waits
	// for them so their results are part of the migration; rollback does
	// not, so results landing afterwards must be dropped.
	fetches sync.WaitGroup

	mu     sync.Mutex
	phase  Phase
	tempID string

	// onCommitted is invoked after a successful migration with the real
	// KB id. The engine uses it to start polling.
	onCommitted func(kbID string)
}

// New creates an orchestrator in the Idle phase.
func New(
	store *statestore.Store,
	folders *registry.FolderRegistry,
	queue *deletequeue.Manager,
	indexing backend.Indexing,
	source backend.FileSource,
	notifier notify.Notifier,
) *Orchestrator {
	return &Orchestrator{
		store:    store,
		folders:  folders,
		queue:    queue,
		indexing: indexing,
		source:   source,
		notifier: notifier,
		phase:    PhaseIdle,
	}
}

// OnCommitted registers the post-commit hook. Must be called before
// CreateKnowledgeBase.
func (o *Orchestrator) OnCommitted(fn func(kbID string)) {
	o.onCommitted = fn
}

// Phase returns the current creation phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Pending reports whether a creation is currently in flight.
func (o *Orchestrator) Pending() bool {
	return o.Phase() == PhaseOptimisticPending
}

// CreateKnowledgeBase creates a KB from the user's selection. The
// optimistic phase completes before any backend call: cached data is
// synthesized immediately, uncached folders populate in the background.
// Returns the real KB id on success. On failure no temp-keyed state
// survives and sync state is back to Idle.
func (o *Orchestrator) CreateKnowledgeBase(ctx context.Context, name string, selection []types.FileRecord) (string, error) {
	o.mu.Lock()
	if o.phase == PhaseOptimisticPending {
		o.mu.Unlock()
		return "", ErrCreationInProgress
	}
	tempID := types.TempIDPrefix + ulid.Make().String()
	o.phase = PhaseOptimisticPending
	o.tempID = tempID
	o.mu.Unlock()

	slog.Info("knowledge base creation started",
		"component", "orchestrator",
		"action", "creation_started",
		"temp_id", tempID,
		"selection", len(selection),
	)

	o.store.Set(statestore.KeySyncState, types.SyncState{Phase: types.SyncPending, KBID: tempID})

	files, folders := partition(selection)
	o.synthesizeRootFiles(tempID, files)

	rootIDs := make([]string, 0, len(folders))
	for _, f := range folders {
		rootIDs = append(rootIDs, f.ID)
	}

	var uncached []types.FileRecord
	for _, folder := range folders {
		if listing, ok := o.store.Listing(statestore.KeyRawListing(folder.ID)); ok {
			o.synthesizeFolder(tempID, folder, listing.Records, rootIDs, o.fetchSeq.Add(1))
		} else {
			uncached = append(uncached, folder)
		}
	}

	if len(uncached) > 0 {
		o.fetchInBackground(ctx, tempID, uncached, rootIDs)
	}

	ids := make([]string, 0, len(selection))
	for _, rec := range selection {
		ids = append(ids, rec.ID)
	}

	kb, err := o.indexing.CreateKnowledgeBase(ctx, backend.KnowledgeBaseSpec{Name: name, ResourceIDs: ids})
	if err != nil {
		o.rollback(tempID, fmt.Errorf("create knowledge base: %w", err))
		return "", err
	}

	if err := o.indexing.SyncKnowledgeBase(ctx, kb.ID); err != nil {
		o.rollback(tempID, fmt.Errorf("sync knowledge base: %w", err))
		return "", err
	}

	o.commit(tempID, kb.ID)
	return kb.ID, nil
}

// partition splits a selection into individual files and folders.
func partition(selection []types.FileRecord) (files, folders []types.FileRecord) {
	for _, rec := range selection {
		if rec.Type == types.ResourceDirectory {
			folders = append(folders, rec)
		} else {
			files = append(files, rec)
		}
	}
	return files, folders
}

// synthesizeRootFiles writes Indexed records for individually selected
// files into the root cache.
func (o *Orchestrator) synthesizeRootFiles(kbID string, files []types.FileRecord) {
	if len(files) == 0 {
		return
	}
	records := make([]types.FileRecord, 0, len(files))
	for _, f := range files {
		f.Status = types.StatusIndexed
		records = append(records, f)
	}
	o.store.PutListing(statestore.KeyRootCache(kbID), records)
}

// synthesizeFolder writes Indexed records for a folder's children into
// the folder status cache and registers the folder as optimistic. The
// sequence number makes the write last-writer-wins by fetch recency, not
// completion order.
func (o *Orchestrator) synthesizeFolder(kbID string, folder types.FileRecord, children []types.FileRecord, rootIDs []string, seq uint64) {
	folderPath := registry.NormalizePath(folder.Name)
	records := make([]types.FileRecord, 0, len(children))
	for _, child := range children {
		if !child.IsFile() {
			continue
		}
		// The folder's canonical path is the parent directory of the
		// files it contains.
		folderPath = registry.ParentDir(child.Name)
		child.Status = types.StatusIndexed
		records = append(records, child)
	}

	if !o.store.PutListingSeq(statestore.KeyFolderCache(kbID, folderPath), records, seq) {
		slog.Debug("stale folder fetch dropped",
			"component", "orchestrator",
			"action", "stale_fetch_dropped",
			"kb_id", kbID,
			"folder_path", folderPath,
		)
		return
	}

	o.folders.Mark(kbID, []string{folder.ID}, map[string]string{folder.ID: folderPath}, rootIDs)
}

// fetchInBackground populates folder caches for folders whose contents
// were not cached at selection time. Fetches for distinct folders run
// concurrently with no ordering guarantee; completion never blocks the
// creation call.
func (o *Orchestrator) fetchInBackground(ctx context.Context, tempID string, folders []types.FileRecord, rootIDs []string) {
	g, ctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(backgroundFetchLimit)

	for _, folder := range folders {
		folder := folder
		seq := o.fetchSeq.Add(1)
		o.fetches.Add(1)
		g.Go(func() error {
			defer o.fetches.Done()
			children, err := o.source.ListResources(ctx, folder.ID)
			if err != nil {
				slog.Warn("background folder fetch failed",
					"component", "orchestrator",
					"action", "background_fetch_failed",
					"folder_id", folder.ID,
					"error", err,
				)
				return nil
			}
			o.store.PutListing(statestore.KeyRawListing(folder.ID), children)
			o.applyFetched(tempID, folder, children, rootIDs, seq)
			return nil
		})
	}

	go func() {
		// Errors are handled per-fetch; Wait only bounds goroutine life.
		_ = g.Wait()
	}()
}

// applyFetched writes a background fetch result under the temp id, but
// only while that creation is still pending. A result arriving after the
// creation rolled back would resurrect temp-keyed state, so it is
// dropped instead.
func (o *Orchestrator) applyFetched(tempID string, folder types.FileRecord, children []types.FileRecord, rootIDs []string, seq uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase != PhaseOptimisticPending || o.tempID != tempID {
		slog.Debug("background fetch result dropped, creation no longer pending",
			"component", "orchestrator",
			"action", "background_fetch_dropped",
			"temp_id", tempID,
			"folder_id", folder.ID,
		)
		return
	}
	o.synthesizeFolder(tempID, folder, children, rootIDs, seq)
}

// commit migrates all temp-keyed state to the real id. In-flight
// background fetches are awaited first so their data is part of the
// migration rather than stranded under the temp id. Queued deletes are
// rewritten before the Synced transition so the drain it triggers only
// ever sees real ids. Cache slots are copied before the temp slots are
// deleted so no reader observes neither slot populated.
func (o *Orchestrator) commit(tempID, realID string) {
	o.fetches.Wait()

	o.queue.RewriteKBID(tempID, realID)

	o.store.CopyListing(statestore.KeyRootCache(tempID), statestore.KeyRootCache(realID))
	for _, key := range o.store.FolderCacheKeys(tempID) {
		path, ok := statestore.FolderCachePath(tempID, key)
		if !ok {
			continue
		}
		o.store.CopyListing(key, statestore.KeyFolderCache(realID, path))
	}

	entries := o.folders.EntriesForKB(tempID)
	o.folders.ClearForKB(tempID)
	for _, e := range entries {
		e.KBID = realID
		o.folders.Put(e)
	}

	o.store.DeleteKBSlots(tempID)

	o.store.Set(statestore.KeySyncState, types.SyncState{Phase: types.SyncSynced, KBID: realID})

	o.mu.Lock()
	o.phase = PhaseCommitted
	o.tempID = ""
	o.mu.Unlock()

	slog.Info("knowledge base creation committed",
		"component", "orchestrator",
		"action", "creation_committed",
		"kb_id", realID,
	)
	o.notifier.Success("kb-created-"+realID, "Knowledge base created")

	if o.onCommitted != nil {
		o.onCommitted(realID)
	}
}

// rollback removes every trace of the temporary id. Readers never see a
// partial commit: either the whole optimistic state exists or none does.
// The lock is held across the removal so a background fetch completing
// mid-rollback cannot re-create temp-keyed state afterwards.
func (o *Orchestrator) rollback(tempID string, cause error) {
	o.mu.Lock()
	o.phase = PhaseRolledBack
	o.tempID = ""
	o.queue.DropForKB(tempID)
	o.store.DeleteKBSlots(tempID)
	o.store.Set(statestore.KeySyncState, types.SyncState{Phase: types.SyncIdle})
	o.mu.Unlock()

	slog.Warn("knowledge base creation rolled back",
		"component", "orchestrator",
		"action", "creation_rolled_back",
		"temp_id", tempID,
		"error", cause,
	)
	o.notifier.Error("kb-create-failed", "Knowledge base creation failed")
}
