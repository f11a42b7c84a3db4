package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperstack/kbsync/internal/statestore"
	"github.com/hyperstack/kbsync/internal/types"
)

// MarkInterest records that a folder is still worth polling. Queued
// requests whose folder has lost interest by the time a slot frees are
// skipped entirely.
func (r *Reconciler) MarkInterest(kbID, folderPath string) {
	r.mu.Lock()
	r.interest[folderKey(kbID, folderPath)] = struct{}{}
	r.mu.Unlock()
}

// UnmarkInterest withdraws a folder from the interest set.
func (r *Reconciler) UnmarkInterest(kbID, folderPath string) {
	r.mu.Lock()
	delete(r.interest, folderKey(kbID, folderPath))
	r.mu.Unlock()
}

// FolderState returns the state of the poller for a folder, StateIdle
// if none was ever started.
func (r *Reconciler) FolderState(kbID, folderPath string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.folderStates[folderKey(kbID, folderPath)]; ok {
		return s
	}
	return StateIdle
}

// StartFolder requests polling of one folder until none of the expected
// file ids remain pending. At most MaxFolderPollers run concurrently;
// excess requests wait in FIFO order.
func (r *Reconciler) StartFolder(kbID, folderPath string, expected []string) {
	if kbID == "" || types.IsTempID(kbID) {
		return
	}
	req := folderRequest{kbID: kbID, folderPath: folderPath, expected: expected}
	key := folderKey(kbID, folderPath)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil {
		return
	}
	r.interest[key] = struct{}{}
	if r.folderStates[key] == StateActive {
		return
	}
	if r.activeCount < r.opts.MaxFolderPollers {
		r.startFolderLocked(req)
		return
	}
	r.waiting = append(r.waiting, req)
	slog.Debug("folder poll queued",
		"component", "reconciler",
		"action", "folder_poll_queued",
		"kb_id", kbID,
		"folder_path", folderPath,
		"queue_len", len(r.waiting),
	)
}

// startFolderLocked claims a slot and launches the poller goroutine.
// Caller holds r.mu.
func (r *Reconciler) startFolderLocked(req folderRequest) {
	key := folderKey(req.kbID, req.folderPath)
	r.activeCount++
	r.folderStates[key] = StateActive
	go r.runFolder(r.folderCtx, req)
}

// runFolder polls one folder's status listing until no expected file id
// remains pending, then confirms the folder's real status by removing
// its optimistic registry entry.
func (r *Reconciler) runFolder(ctx context.Context, req folderRequest) {
	key := folderKey(req.kbID, req.folderPath)
	defer r.releaseSlot(key)

	slog.Debug("folder polling started",
		"component", "reconciler",
		"action", "folder_poll_started",
		"kb_id", req.kbID,
		"folder_path", req.folderPath,
	)

	deadline := time.Now().Add(r.opts.MaxDuration)
	for {
		if ctx.Err() != nil {
			r.setFolderState(key, StateStopped)
			return
		}

		// An empty fetch is indistinguishable from a transient backend
		// failure. The optimistic entry stays until a fetch actually
		// returns records; removing it on a failed fetch would flip the
		// whole subtree to absent.
		records := r.indexing.ListKBResourcesSafe(ctx, req.kbID, req.folderPath)
		if len(records) > 0 {
			r.store.PutListing(statestore.KeyFolderCache(req.kbID, req.folderPath), records)

			if !anyPending(records, req.expected) {
				r.setFolderState(key, StateSettled)
				r.folders.RemoveByPath(req.kbID, req.folderPath)
				r.notifyFolderErrored(req.kbID, req.folderPath, records)
				slog.Debug("folder polling settled",
					"component", "reconciler",
					"action", "folder_poll_settled",
					"kb_id", req.kbID,
					"folder_path", req.folderPath,
				)
				return
			}
		}

		if time.Now().After(deadline) {
			r.setFolderState(key, StateTimedOut)
			return
		}
		if !sleep(ctx, r.opts.Interval) {
			r.setFolderState(key, StateStopped)
			return
		}
	}
}

// anyPending reports whether any expected id is still pending in the
// latest fetch. Ids missing from the fetch are treated as settled: the
// backend no longer reports them.
func anyPending(records []types.FileRecord, expected []string) bool {
	pending := make(map[string]struct{})
	for _, rec := range records {
		if rec.Status == types.StatusPending {
			pending[rec.ID] = struct{}{}
		}
	}
	for _, id := range expected {
		if _, ok := pending[id]; ok {
			return true
		}
	}
	return false
}

// notifyFolderErrored emits at most one notification per folder scope
// for files whose indexing terminally failed.
func (r *Reconciler) notifyFolderErrored(kbID, folderPath string, records []types.FileRecord) {
	var failed int
	for _, rec := range records {
		if rec.Status.Failed() {
			failed++
		}
	}
	if failed == 0 {
		return
	}
	r.notifier.Error("folder-indexing-errors-"+kbID+":"+folderPath,
		fmt.Sprintf("%d file(s) in %s failed to index", failed, folderPath))
}

func (r *Reconciler) setFolderState(key string, s State) {
	r.mu.Lock()
	if r.folderStates[key] == StateActive {
		r.folderStates[key] = s
	}
	r.mu.Unlock()
}

// releaseSlot frees the poller's slot and promotes the first queued
// request whose folder is still of interest; stale requests are skipped.
func (r *Reconciler) releaseSlot(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeCount--

	for len(r.waiting) > 0 {
		next := r.waiting[0]
		r.waiting = r.waiting[1:]
		nextKey := folderKey(next.kbID, next.folderPath)
		if _, ok := r.interest[nextKey]; !ok {
			slog.Debug("queued folder poll skipped, no longer of interest",
				"component", "reconciler",
				"action", "folder_poll_skipped",
				"kb_id", next.kbID,
				"folder_path", next.folderPath,
			)
			continue
		}
		r.startFolderLocked(next)
		return
	}
}

// StopAll cancels the root poller and every folder poller and clears the
// overflow queue. Cancelled pollers transition to StateStopped on their
// next suspension point.
func (r *Reconciler) StopAll() {
	r.StopRoot()
	r.mu.Lock()
	r.waiting = nil
	r.interest = make(map[string]struct{})
	if r.folderCancel != nil {
		r.folderCancel()
	}
	if r.ctx != nil {
		r.folderCtx, r.folderCancel = context.WithCancel(r.ctx)
	}
	r.mu.Unlock()
}
