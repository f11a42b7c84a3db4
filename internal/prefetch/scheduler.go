// Package prefetch warms the raw listing cache for folders the user is
// likely to expand. It is purely a latency optimization: hover intent is
// debounced and gated on viewport visibility, fetch concurrency is
// bounded, and cancellation is cooperative — a cancelled fetch discards
// its result instead of being forcibly terminated.
package prefetch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperstack/kbsync/internal/backend"
	"github.com/hyperstack/kbsync/internal/statestore"
)

// Defaults used when the corresponding option is zero.
const (
	DefaultDebounce      = 200 * time.Millisecond
	DefaultMaxConcurrent = 2
)

// Scheduler fetches folder contents ahead of expansion.
type Scheduler struct {
	store         *statestore.Store
	source        backend.FileSource
	debounce      time.Duration
	maxConcurrent int

	mu       sync.Mutex
	ctx      context.Context
	viewport map[string]struct{}
	timers   map[string]*time.Timer
	queue    []string
	queued   map[string]struct{}
	inflight map[string]context.CancelFunc
	active   int
}

// New creates a scheduler. Start must be called before any hints arrive.
func New(store *statestore.Store, source backend.FileSource, debounce time.Duration, maxConcurrent int) *Scheduler {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Scheduler{
		store:         store,
		source:        source,
		debounce:      debounce,
		maxConcurrent: maxConcurrent,
		viewport:      make(map[string]struct{}),
		timers:        make(map[string]*time.Timer),
		queued:        make(map[string]struct{}),
		inflight:      make(map[string]context.CancelFunc),
	}
}

// Start binds the scheduler to its lifetime context.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
}

// SetViewport replaces the set of folders currently visible. Folders
// that left the viewport lose any pending or in-flight prefetch.
func (s *Scheduler) SetViewport(folderIDs []string) {
	next := make(map[string]struct{}, len(folderIDs))
	for _, id := range folderIDs {
		next[id] = struct{}{}
	}

	s.mu.Lock()
	var left []string
	for id := range s.viewport {
		if _, ok := next[id]; !ok {
			left = append(left, id)
		}
	}
	s.viewport = next
	s.mu.Unlock()

	for _, id := range left {
		s.cancel(id)
	}
}

// Hover registers hover intent over a folder. After the debounce delay,
// and only while the folder stays in the viewport, its contents are
// queued for prefetch unless already cached.
func (s *Scheduler) Hover(folderID string) {
	if _, cached := s.store.Listing(statestore.KeyRawListing(folderID)); cached {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return
	}
	if _, visible := s.viewport[folderID]; !visible {
		return
	}
	if _, debouncing := s.timers[folderID]; debouncing {
		return
	}
	s.timers[folderID] = time.AfterFunc(s.debounce, func() {
		s.enqueue(folderID)
	})
}

// LeaveHover withdraws hover intent, cancelling the debounce timer, any
// queued fetch, and any in-flight fetch for the folder.
func (s *Scheduler) LeaveHover(folderID string) {
	s.cancel(folderID)
}

// Active returns the number of in-flight prefetches.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Scheduler) cancel(folderID string) {
	s.mu.Lock()
	if t, ok := s.timers[folderID]; ok {
		t.Stop()
		delete(s.timers, folderID)
	}
	delete(s.queued, folderID)
	cancel, ok := s.inflight[folderID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// enqueue runs after the debounce delay fires.
func (s *Scheduler) enqueue(folderID string) {
	if _, cached := s.store.Listing(statestore.KeyRawListing(folderID)); cached {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, folderID)
	if _, visible := s.viewport[folderID]; !visible {
		return
	}
	if _, running := s.inflight[folderID]; running {
		return
	}
	if _, waiting := s.queued[folderID]; waiting {
		return
	}
	if s.active < s.maxConcurrent {
		s.launchLocked(folderID)
		return
	}
	s.queued[folderID] = struct{}{}
	s.queue = append(s.queue, folderID)
}

// launchLocked starts a fetch goroutine. Caller holds s.mu.
func (s *Scheduler) launchLocked(folderID string) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.inflight[folderID] = cancel
	s.active++
	go s.run(ctx, folderID)
}

func (s *Scheduler) run(ctx context.Context, folderID string) {
	records, err := s.source.ListResources(ctx, folderID)

	s.mu.Lock()
	delete(s.inflight, folderID)
	s.active--
	_, stillVisible := s.viewport[folderID]
	s.promoteLocked()
	s.mu.Unlock()

	switch {
	case ctx.Err() != nil:
		// Cancelled; the result, if any, is stale by definition.
	case err != nil:
		slog.Debug("prefetch failed",
			"component", "prefetch",
			"action", "prefetch_failed",
			"folder_id", folderID,
			"error", err,
		)
	case !stillVisible:
		// Relevance check: the folder scrolled away while we fetched.
	default:
		s.store.PutListing(statestore.KeyRawListing(folderID), records)
	}
}

// promoteLocked starts the next queued fetch whose folder is still
// visible and still uncached. Caller holds s.mu.
func (s *Scheduler) promoteLocked() {
	for len(s.queue) > 0 && s.active < s.maxConcurrent {
		id := s.queue[0]
		s.queue = s.queue[1:]
		if _, ok := s.queued[id]; !ok {
			continue
		}
		delete(s.queued, id)
		if _, visible := s.viewport[id]; !visible {
			continue
		}
		if _, cached := s.store.Listing(statestore.KeyRawListing(id)); cached {
			continue
		}
		s.launchLocked(id)
	}
}
