// Package reconciler polls backend state until optimistic feedback and
// confirmed reality agree. A root poller refetches the KB's root listing
// until every file settles or a hard timeout fires; per-folder pollers
// chase individual folders whose expected files are still pending, with
// bounded concurrency and a FIFO overflow queue.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hyperstack/kbsync/internal/backend"
	"github.com/hyperstack/kbsync/internal/notify"
	"github.com/hyperstack/kbsync/internal/registry"
	"github.com/hyperstack/kbsync/internal/statestore"
	"github.com/hyperstack/kbsync/internal/types"
)

// State is a poller's lifecycle state. Cancellation is a transition to
// StateStopped, not a side-channel flag.
type State string

const (
	StateIdle     State = "idle"
	StateActive   State = "active"
	StateSettled  State = "settled"
	StateTimedOut State = "timed_out"
	StateErrored  State = "errored"
	StateStopped  State = "stopped"
)

// Defaults used when the corresponding config value is zero.
const (
	DefaultInterval    = 3 * time.Second
	DefaultMaxDuration = 5 * time.Minute
	DefaultMaxFolders  = 3
)

// Options tune the reconciler's intervals and bounds.
type Options struct {
	// Interval between successive polls of the same target.
	Interval time.Duration
	// MaxDuration is the hard poll timeout, independent of settlement.
	MaxDuration time.Duration
	// MaxFolderPollers bounds concurrently running folder pollers.
	MaxFolderPollers int
}

func (o *Options) fill() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = DefaultMaxDuration
	}
	if o.MaxFolderPollers <= 0 {
		o.MaxFolderPollers = DefaultMaxFolders
	}
}

type folderRequest struct {
	kbID       string
	folderPath string
	expected   []string
}

func folderKey(kbID, folderPath string) string {
	return kbID + ":" + folderPath
}

// Reconciler owns the root poller and all folder pollers.
type Reconciler struct {
	store    *statestore.Store
	indexing backend.Indexing
	deletes  *registry.DeleteRegistry
	folders  *registry.FolderRegistry
	notifier notify.Notifier
	opts     Options

	mu           sync.Mutex
	ctx          context.Context
	folderCtx    context.Context
	folderCancel context.CancelFunc
	rootKB       string
	rootState    State
	rootCancel   context.CancelFunc

	folderStates map[string]State
	activeCount  int
	waiting      []folderRequest
	interest     map[string]struct{}
}

// New creates a reconciler. Start must be called before any polling.
func New(
	store *statestore.Store,
	indexing backend.Indexing,
	deletes *registry.DeleteRegistry,
	folders *registry.FolderRegistry,
	notifier notify.Notifier,
	opts Options,
) *Reconciler {
	opts.fill()
	return &Reconciler{
		store:        store,
		indexing:     indexing,
		deletes:      deletes,
		folders:      folders,
		notifier:     notifier,
		opts:         opts,
		rootState:    StateIdle,
		folderStates: make(map[string]State),
		interest:     make(map[string]struct{}),
	}
}

// Start binds the reconciler to its lifetime context.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.folderCtx, r.folderCancel = context.WithCancel(ctx)
	r.mu.Unlock()
}

// RootState returns the root poller's current state.
func (r *Reconciler) RootState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rootState
}

// ActiveFolderPollers returns the number of folder pollers currently
// holding a slot.
func (r *Reconciler) ActiveFolderPollers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeCount
}

// StartRoot begins root polling for kbID. Temporary ids are never
// polled; an already-active poller for the same KB is left alone.
func (r *Reconciler) StartRoot(kbID string) {
	if kbID == "" || types.IsTempID(kbID) {
		return
	}

	r.mu.Lock()
	if r.ctx == nil {
		r.mu.Unlock()
		return
	}
	if r.rootState == StateActive && r.rootKB == kbID {
		r.mu.Unlock()
		return
	}
	if r.rootCancel != nil {
		r.rootCancel()
	}
	ctx, cancel := context.WithCancel(r.ctx)
	r.rootKB = kbID
	r.rootState = StateActive
	r.rootCancel = cancel
	r.mu.Unlock()

	slog.Info("root polling started",
		"component", "reconciler",
		"action", "root_poll_started",
		"kb_id", kbID,
	)
	go r.runRoot(ctx, kbID)
}

// StopRoot cancels the root poller if one is active.
func (r *Reconciler) StopRoot() {
	r.mu.Lock()
	if r.rootCancel != nil {
		r.rootCancel()
		r.rootCancel = nil
	}
	if r.rootState == StateActive {
		r.rootState = StateStopped
	}
	r.mu.Unlock()
}

func (r *Reconciler) setRootState(s State) {
	r.mu.Lock()
	// A cancellation that raced with settlement keeps the stop state.
	if r.rootState == StateActive {
		r.rootState = s
	}
	r.mu.Unlock()
}

// runRoot is the root poller loop. Each tick refetches the root listing,
// filters optimistically-deleted files out, stores the rest, and decides
// whether polling can stop.
func (r *Reconciler) runRoot(ctx context.Context, kbID string) {
	deadline := time.Now().Add(r.opts.MaxDuration)

	for {
		records, err := r.indexing.ListKBResources(ctx, kbID)
		if err != nil {
			if ctx.Err() != nil {
				r.setRootState(StateStopped)
				return
			}
			slog.Warn("root poll fetch failed",
				"component", "reconciler",
				"action", "root_poll_retry",
				"kb_id", kbID,
				"error", err,
			)
			if time.Now().After(deadline) {
				r.setRootState(StateTimedOut)
				return
			}
			if !sleep(ctx, r.opts.Interval) {
				r.setRootState(StateStopped)
				return
			}
			continue
		}

		filtered := r.filterDeleted(records)
		r.store.PutListing(statestore.KeyRootCache(kbID), filtered)

		if done := r.evaluateRoot(kbID, filtered, deadline); done != "" {
			r.setRootState(done)
			slog.Info("root polling finished",
				"component", "reconciler",
				"action", "root_poll_finished",
				"kb_id", kbID,
				"state", string(done),
			)
			return
		}

		if !sleep(ctx, r.opts.Interval) {
			r.setRootState(StateStopped)
			return
		}
	}
}

// evaluateRoot returns the terminal state root polling should move to,
// or "" to keep polling.
func (r *Reconciler) evaluateRoot(kbID string, records []types.FileRecord, deadline time.Time) State {
	if len(records) == 0 {
		return StateSettled
	}

	var files []types.FileRecord
	for _, rec := range records {
		if rec.IsFile() {
			files = append(files, rec)
		}
	}
	if len(files) == 0 {
		return StateSettled
	}

	allSettled := true
	for _, f := range files {
		if !f.Status.Settled() {
			allSettled = false
			break
		}
	}

	if allSettled {
		r.notifyErrored(kbID, files)
		if r.ActiveFolderPollers() == 0 {
			return StateSettled
		}
	}

	if time.Now().After(deadline) {
		return StateTimedOut
	}
	return ""
}

// notifyErrored emits at most one indexing-error notification per KB.
// The deduplication key is stable across polls, so repeat settlement
// checks stay silent.
func (r *Reconciler) notifyErrored(kbID string, files []types.FileRecord) {
	var failed []string
	for _, f := range files {
		if f.Status.Failed() {
			failed = append(failed, f.Name)
		}
	}
	if len(failed) == 0 {
		return
	}
	r.notifier.Error("kb-indexing-errors-"+kbID,
		fmt.Sprintf("%d file(s) failed to index: %s", len(failed), strings.Join(failed, ", ")))
}

func (r *Reconciler) filterDeleted(records []types.FileRecord) []types.FileRecord {
	out := make([]types.FileRecord, 0, len(records))
	for _, rec := range records {
		if r.deletes.Contains(rec.ID) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// sleep waits for d or until ctx is done; false means cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
