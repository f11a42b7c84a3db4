// Package deletequeue holds deletions that arrived while synchronization
// was still pending and drains them once the backend KB id is real.
// Draining is strictly serial and FIFO; every request gets exactly one
// attempt, success or not.
package deletequeue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperstack/kbsync/internal/backend"
	"github.com/hyperstack/kbsync/internal/notify"
	"github.com/hyperstack/kbsync/internal/statestore"
	"github.com/hyperstack/kbsync/internal/types"
)

// DefaultInterItemDelay spaces successive deletion calls to respect
// backend rate limits.
const DefaultInterItemDelay = 300 * time.Millisecond

// Manager owns the delete queue and its drain process. The drain starts
// automatically when SyncState transitions to Synced while the queue is
// non-empty; it never starts while sync is pending because queued ids may
// still reference a temporary KB.
type Manager struct {
	store    *statestore.Store
	indexing backend.Indexing
	notifier notify.Notifier
	delay    time.Duration

	mu       sync.Mutex
	draining bool
	ctx      context.Context

	unsubscribe func()
}

// NewManager creates a manager over the given store and indexing client.
// A non-positive delay falls back to DefaultInterItemDelay.
func NewManager(store *statestore.Store, indexing backend.Indexing, notifier notify.Notifier, delay time.Duration) *Manager {
	if delay <= 0 {
		delay = DefaultInterItemDelay
	}
	return &Manager{
		store:    store,
		indexing: indexing,
		notifier: notifier,
		delay:    delay,
	}
}

// Start begins watching sync state transitions. The context bounds all
// drain work started afterwards.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	m.unsubscribe = m.store.Subscribe(func(key string) {
		if key == statestore.KeySyncState {
			m.maybeDrain()
		}
	})
	// The state may already be Synced with a queue carried over from a
	// restored snapshot.
	m.maybeDrain()
}

// Close stops watching sync state. In-flight drains finish their current
// item and observe the cancelled context.
func (m *Manager) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
}

// Enqueue appends a deletion to the tail of the queue. Always succeeds.
func (m *Manager) Enqueue(kbID, fileID, fileName, resourcePath string) types.DeleteRequest {
	req := types.DeleteRequest{
		ID:           ulid.Make().String(),
		FileID:       fileID,
		FileName:     fileName,
		ResourcePath: resourcePath,
		KBID:         kbID,
		QueuedAt:     time.Now(),
	}
	m.store.Update(statestore.KeyDeleteQueue, func(prev any) any {
		q, _ := prev.(types.DeleteQueue)
		items := make([]types.DeleteRequest, 0, len(q.Items)+1)
		items = append(items, q.Items...)
		items = append(items, req)
		return types.DeleteQueue{Items: items, Processing: q.Processing}
	})
	slog.Debug("delete request queued",
		"component", "deletequeue",
		"action", "enqueued",
		"request_id", req.ID,
		"file_id", fileID,
	)
	return req
}

// Depth returns the number of queued requests.
func (m *Manager) Depth() int {
	q, _ := statestore.GetAs[types.DeleteQueue](m.store, statestore.KeyDeleteQueue)
	return len(q.Items)
}

// RewriteKBID rewrites every queued request referencing oldID to newID.
// Called by the creation orchestrator before sync state becomes Synced;
// the manager itself never translates ids during a drain.
func (m *Manager) RewriteKBID(oldID, newID string) {
	m.store.Update(statestore.KeyDeleteQueue, func(prev any) any {
		q, _ := prev.(types.DeleteQueue)
		items := make([]types.DeleteRequest, len(q.Items))
		for i, req := range q.Items {
			if req.KBID == oldID {
				req.KBID = newID
			}
			items[i] = req
		}
		return types.DeleteQueue{Items: items, Processing: q.Processing}
	})
}

// DropForKB removes every queued request referencing the given KB id.
// Called on creation rollback so requests against a discarded temp id
// never reach the backend through a later creation's drain.
func (m *Manager) DropForKB(kbID string) {
	m.store.Update(statestore.KeyDeleteQueue, func(prev any) any {
		q, _ := prev.(types.DeleteQueue)
		items := make([]types.DeleteRequest, 0, len(q.Items))
		for _, req := range q.Items {
			if req.KBID != kbID {
				items = append(items, req)
			}
		}
		return types.DeleteQueue{Items: items, Processing: q.Processing}
	})
}

// Clear drops all queued requests. Used on full reset.
func (m *Manager) Clear() {
	m.store.Set(statestore.KeyDeleteQueue, types.DeleteQueue{})
}

func (m *Manager) maybeDrain() {
	state, ok := statestore.GetAs[types.SyncState](m.store, statestore.KeySyncState)
	if !ok || state.Phase != types.SyncSynced {
		return
	}
	if m.Depth() == 0 {
		return
	}

	m.mu.Lock()
	if m.draining || m.ctx == nil {
		m.mu.Unlock()
		return
	}
	m.draining = true
	ctx := m.ctx
	m.mu.Unlock()

	m.setProcessing(true)
	go m.drain(ctx)
}

// drain processes the queue head-first until empty. Each request is
// removed after its single attempt, whether it succeeded or not.
func (m *Manager) drain(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.draining = false
		m.mu.Unlock()
		m.setProcessing(false)
	}()

	slog.Info("delete queue drain started",
		"component", "deletequeue",
		"action", "drain_started",
		"depth", m.Depth(),
	)

	for ctx.Err() == nil {
		q, _ := statestore.GetAs[types.DeleteQueue](m.store, statestore.KeyDeleteQueue)
		if len(q.Items) == 0 {
			break
		}
		req := q.Items[0]

		if err := m.indexing.DeleteKBResource(ctx, req.KBID, req.ResourcePath); err != nil {
			slog.Warn("queued deletion failed, dropping request",
				"component", "deletequeue",
				"action", "delete_failed",
				"request_id", req.ID,
				"resource_path", req.ResourcePath,
				"error", err,
			)
			m.notifier.Error("delete-failed-"+req.FileID,
				fmt.Sprintf("Failed to remove %s from the knowledge base", req.FileName))
		} else {
			slog.Debug("queued deletion completed",
				"component", "deletequeue",
				"action", "delete_completed",
				"request_id", req.ID,
			)
		}

		m.remove(req.ID)

		if m.Depth() > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.delay):
			}
		}
	}

	slog.Info("delete queue drain finished",
		"component", "deletequeue",
		"action", "drain_finished",
	)
}

func (m *Manager) remove(requestID string) {
	m.store.Update(statestore.KeyDeleteQueue, func(prev any) any {
		q, _ := prev.(types.DeleteQueue)
		items := make([]types.DeleteRequest, 0, len(q.Items))
		for _, req := range q.Items {
			if req.ID != requestID {
				items = append(items, req)
			}
		}
		return types.DeleteQueue{Items: items, Processing: q.Processing}
	})
}

func (m *Manager) setProcessing(v bool) {
	m.store.Update(statestore.KeyDeleteQueue, func(prev any) any {
		q, _ := prev.(types.DeleteQueue)
		return types.DeleteQueue{Items: q.Items, Processing: v}
	})
}
