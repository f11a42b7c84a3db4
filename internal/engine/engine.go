// Package engine wires the state store, registries, resolver, delete
// queue, creation orchestrator, polling reconciler, prefetch scheduler
// and snapshot persistence into the single facade the control surface
// talks to.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperstack/kbsync/internal/backend"
	"github.com/hyperstack/kbsync/internal/deletequeue"
	"github.com/hyperstack/kbsync/internal/notify"
	"github.com/hyperstack/kbsync/internal/orchestrator"
	"github.com/hyperstack/kbsync/internal/prefetch"
	"github.com/hyperstack/kbsync/internal/reconciler"
	"github.com/hyperstack/kbsync/internal/registry"
	"github.com/hyperstack/kbsync/internal/resolver"
	"github.com/hyperstack/kbsync/internal/statestore"
	"github.com/hyperstack/kbsync/internal/types"
)

// SnapshotStore is the persistent snapshot collaborator.
type SnapshotStore interface {
	Save(ctx context.Context, snap types.Snapshot) error
	Load(ctx context.Context) (types.Snapshot, bool, error)
	Clear(ctx context.Context) error
}

// Options tune the engine's subsystems.
type Options struct {
	PollInterval         time.Duration
	PollMaxDuration      time.Duration
	FolderPollers        int
	DeleteInterItemDelay time.Duration
	PrefetchConcurrency  int
	HoverDebounce        time.Duration
}

// Engine is the optimistic cache and synchronization engine.
type Engine struct {
	store     *statestore.Store
	deletes   *registry.DeleteRegistry
	folders   *registry.FolderRegistry
	resolver  *resolver.Resolver
	queue     *deletequeue.Manager
	orch      *orchestrator.Orchestrator
	recon     *reconciler.Reconciler
	prefetch  *prefetch.Scheduler
	snapshots SnapshotStore
	deduper   *notify.Deduper
	indexing  backend.Indexing
	source    backend.FileSource

	mu       sync.Mutex
	ctx      context.Context
	deferred map[string]deferredFolder
}

// deferredFolder is a folder expanded while creation was in flight;
// its poller starts once creation commits.
type deferredFolder struct {
	folderID   string
	folderPath string
	expected   []string
}

// New assembles an engine from its collaborators.
func New(indexing backend.Indexing, source backend.FileSource, snapshots SnapshotStore, notifier notify.Notifier, opts Options) *Engine {
	store := statestore.New()
	deletes := registry.NewDeleteRegistry(store)
	folders := registry.NewFolderRegistry(store)
	deduper := notify.NewDeduper(notifier)

	queue := deletequeue.NewManager(store, indexing, deduper, opts.DeleteInterItemDelay)
	orch := orchestrator.New(store, folders, queue, indexing, source, deduper)
	recon := reconciler.New(store, indexing, deletes, folders, deduper, reconciler.Options{
		Interval:         opts.PollInterval,
		MaxDuration:      opts.PollMaxDuration,
		MaxFolderPollers: opts.FolderPollers,
	})
	pf := prefetch.New(store, source, opts.HoverDebounce, opts.PrefetchConcurrency)

	e := &Engine{
		store:     store,
		deletes:   deletes,
		folders:   folders,
		resolver:  resolver.New(store, deletes, folders),
		queue:     queue,
		orch:      orch,
		recon:     recon,
		prefetch:  pf,
		snapshots: snapshots,
		deduper:   deduper,
		indexing:  indexing,
		source:    source,
		deferred:  make(map[string]deferredFolder),
	}
	orch.OnCommitted(e.onCreationCommitted)
	return e
}

// Store exposes the underlying state store. Tests and the control
// surface's state endpoint read through it; all writes go through the
// engine's operations.
func (e *Engine) Store() *statestore.Store {
	return e.store
}

// Start restores persisted state and begins background processing.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()

	e.recon.Start(ctx)
	e.prefetch.Start(ctx)
	e.queue.Start(ctx)

	snap, ok, err := e.snapshots.Load(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if ok {
		e.store.Restore(snap)
		slog.Info("state restored from snapshot",
			"component", "engine",
			"action", "snapshot_restored",
			"kb_id", snap.KBID,
			"root_resources", len(snap.RootResources),
		)
		if hasUnsettledFiles(snap.RootResources) {
			e.recon.StartRoot(snap.KBID)
		}
	}
	return nil
}

// Close releases subscriptions. Background goroutines stop with the
// context passed to Start.
func (e *Engine) Close() {
	e.resolver.Close()
	e.queue.Close()
}

// SyncState returns the current process-wide synchronization state.
func (e *Engine) SyncState() types.SyncState {
	state, ok := statestore.GetAs[types.SyncState](e.store, statestore.KeySyncState)
	if !ok {
		return types.SyncState{Phase: types.SyncIdle}
	}
	return state
}

// ResolveStatus returns the authoritative display status for a file.
func (e *Engine) ResolveStatus(fileID, kbID, folderPath string) types.DisplayStatus {
	return e.resolver.Resolve(fileID, kbID, folderPath)
}

// CreateKnowledgeBase creates a KB from the selection. Optimistic state
// is visible to readers before this returns; the returned id is the
// real backend id.
func (e *Engine) CreateKnowledgeBase(ctx context.Context, name string, selection []types.FileRecord) (string, error) {
	// A new KB replaces the previous one wholesale.
	prev := e.SyncState()
	if prev.KBID != "" && !types.IsTempID(prev.KBID) {
		e.recon.StopAll()
		e.deletes.Clear()
		e.folders.ClearForKB(prev.KBID)
		e.store.DeleteKBSlots(prev.KBID)
		e.deduper.Reset()
	}

	kbID, err := e.orch.CreateKnowledgeBase(ctx, name, selection)
	if err != nil {
		return "", err
	}
	return kbID, nil
}

// onCreationCommitted runs after a successful temp-to-real migration.
func (e *Engine) onCreationCommitted(kbID string) {
	e.recon.StartRoot(kbID)

	e.mu.Lock()
	deferred := e.deferred
	e.deferred = make(map[string]deferredFolder)
	e.mu.Unlock()

	for _, d := range deferred {
		if !e.shouldPollFolder(kbID, d.folderPath) {
			continue
		}
		e.recon.StartFolder(kbID, d.folderPath, d.expected)
	}

	e.persist(kbID)
}

// DeleteResource deletes a file from the current KB. The display status
// flips to deleted immediately; the backend call is queued while sync is
// pending and fired directly otherwise. Each deletion gets exactly one
// attempt.
func (e *Engine) DeleteResource(ctx context.Context, fileID, fileName, resourcePath string) error {
	state := e.SyncState()
	if state.KBID == "" {
		return fmt.Errorf("no knowledge base to delete from")
	}
	kbID := state.KBID

	e.deletes.Mark(kbID, fileID, fileName)
	e.store.RemoveFromListing(statestore.KeyRootCache(kbID), fileID)
	for _, key := range e.store.FolderCacheKeys(kbID) {
		e.store.RemoveFromListing(key, fileID)
	}

	if state.Phase == types.SyncPending {
		e.queue.Enqueue(kbID, fileID, fileName, resourcePath)
		return nil
	}

	go func() {
		e.mu.Lock()
		bg := e.ctx
		e.mu.Unlock()
		if bg == nil {
			bg = context.Background()
		}
		if err := e.indexing.DeleteKBResource(bg, kbID, resourcePath); err != nil {
			slog.Warn("direct deletion failed",
				"component", "engine",
				"action", "delete_failed",
				"file_id", fileID,
				"error", err,
			)
			e.deduper.Error("delete-failed-"+fileID,
				fmt.Sprintf("Failed to remove %s from the knowledge base", fileName))
		}
		e.persist(kbID)
	}()

	e.persist(kbID)
	return nil
}

// ExpandFolder fetches a folder's raw listing (if uncached) and starts
// folder polling when the folder belongs to an optimistic subtree or
// still has pending files. Returns the children for display.
func (e *Engine) ExpandFolder(ctx context.Context, folderID, folderName string) ([]types.FileRecord, error) {
	children, err := e.rawListing(ctx, folderID)
	if err != nil {
		return nil, err
	}

	folderPath := registry.NormalizePath(folderName)
	var expected []string
	for _, child := range children {
		if !child.IsFile() {
			continue
		}
		folderPath = registry.ParentDir(child.Name)
		expected = append(expected, child.ID)
	}

	state := e.SyncState()
	if state.KBID == "" {
		return children, nil
	}

	if state.Phase == types.SyncPending {
		e.mu.Lock()
		e.deferred[folderID] = deferredFolder{folderID: folderID, folderPath: folderPath, expected: expected}
		e.mu.Unlock()
		return children, nil
	}

	if e.shouldPollFolder(state.KBID, folderPath) {
		e.recon.StartFolder(state.KBID, folderPath, expected)
	}
	return children, nil
}

// CollapseFolder withdraws polling interest for a folder. A queued
// poller request for it will be skipped when its turn comes.
func (e *Engine) CollapseFolder(folderPath string) {
	state := e.SyncState()
	if state.KBID == "" {
		return
	}
	e.recon.UnmarkInterest(state.KBID, registry.NormalizePath(folderPath))
}

// shouldPollFolder reports whether an expanded folder warrants polling:
// it is a descendant of an optimistically-indexed subtree, or its cached
// status listing still has pending files.
func (e *Engine) shouldPollFolder(kbID, folderPath string) bool {
	if e.folders.IsDescendant(kbID, folderPath) {
		return true
	}
	if listing, ok := e.store.Listing(statestore.KeyFolderCache(kbID, folderPath)); ok {
		for _, rec := range listing.Records {
			if rec.Status == types.StatusPending {
				return true
			}
		}
	}
	return false
}

// rawListing returns the folder's cached raw listing, fetching it once
// on miss. An empty folderID lists the source root.
func (e *Engine) rawListing(ctx context.Context, folderID string) ([]types.FileRecord, error) {
	if listing, ok := e.store.Listing(statestore.KeyRawListing(folderID)); ok {
		return listing.Records, nil
	}
	children, err := e.source.ListResources(ctx, folderID)
	if err != nil {
		return nil, fmt.Errorf("list folder contents: %w", err)
	}
	e.store.PutListing(statestore.KeyRawListing(folderID), children)
	return children, nil
}

// Hover registers prefetch hover intent.
func (e *Engine) Hover(folderID string) {
	e.prefetch.Hover(folderID)
}

// LeaveHover withdraws prefetch hover intent.
func (e *Engine) LeaveHover(folderID string) {
	e.prefetch.LeaveHover(folderID)
}

// SetViewport replaces the set of folders visible to the user.
func (e *Engine) SetViewport(folderIDs []string) {
	e.prefetch.SetViewport(folderIDs)
}

// State summarizes the engine for the control surface.
type State struct {
	Sync                types.SyncState    `json:"sync"`
	CreationPhase       orchestrator.Phase `json:"creation_phase"`
	QueueDepth          int                `json:"queue_depth"`
	RootPolling         reconciler.State   `json:"root_polling"`
	ActiveFolderPollers int                `json:"active_folder_pollers"`
	ActivePrefetches    int                `json:"active_prefetches"`
}

// State returns a point-in-time summary.
func (e *Engine) State() State {
	return State{
		Sync:                e.SyncState(),
		CreationPhase:       e.orch.Phase(),
		QueueDepth:          e.queue.Depth(),
		RootPolling:         e.recon.RootState(),
		ActiveFolderPollers: e.recon.ActiveFolderPollers(),
		ActivePrefetches:    e.prefetch.Active(),
	}
}

// Persist writes the current KB's state to the snapshot store.
func (e *Engine) Persist(ctx context.Context) error {
	state := e.SyncState()
	if state.KBID == "" || types.IsTempID(state.KBID) {
		return nil
	}
	if err := e.snapshots.Save(ctx, e.store.Export(state.KBID)); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

// persist is the fire-and-forget variant used after mutations; failures
// are logged, never surfaced to the caller of a UI action.
func (e *Engine) persist(kbID string) {
	if kbID == "" || types.IsTempID(kbID) {
		return
	}
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.snapshots.Save(ctx, e.store.Export(kbID)); err != nil {
		slog.Warn("snapshot save failed",
			"component", "engine",
			"action", "snapshot_save_failed",
			"kb_id", kbID,
			"error", err,
		)
	}
}

// Reset clears all synchronization state: pollers, caches, registries,
// the delete queue and the persisted snapshot.
func (e *Engine) Reset(ctx context.Context) error {
	state := e.SyncState()

	e.recon.StopAll()
	e.queue.Clear()
	e.deletes.Clear()
	if state.KBID != "" {
		e.folders.ClearForKB(state.KBID)
		e.store.DeleteKBSlots(state.KBID)
	}
	e.store.Set(statestore.KeySyncState, types.SyncState{Phase: types.SyncIdle})
	e.deduper.Reset()

	e.mu.Lock()
	e.deferred = make(map[string]deferredFolder)
	e.mu.Unlock()

	if err := e.snapshots.Clear(ctx); err != nil {
		return fmt.Errorf("clear snapshots: %w", err)
	}
	slog.Info("engine reset",
		"component", "engine",
		"action", "reset",
		"kb_id", state.KBID,
	)
	return nil
}

func hasUnsettledFiles(records []types.FileRecord) bool {
	for _, rec := range records {
		if rec.IsFile() && !rec.Status.Settled() {
			return true
		}
	}
	return false
}
