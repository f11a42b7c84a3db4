package prefetch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hyperstack/kbsync/internal/statestore"
	"github.com/hyperstack/kbsync/internal/types"
)

type fakeSource struct {
	mu      sync.Mutex
	calls   []string
	block   chan struct{} // when non-nil, ListResources waits on it
	records map[string][]types.FileRecord
}

func (f *fakeSource) ListResources(ctx context.Context, folderID string) ([]types.FileRecord, error) {
	f.mu.Lock()
	f.calls = append(f.calls, folderID)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.records[folderID], nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newScheduler(t *testing.T, source *fakeSource, maxConcurrent int) (*Scheduler, *statestore.Store) {
	t.Helper()
	store := statestore.New()
	s := New(store, source, 10*time.Millisecond, maxConcurrent)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.Start(ctx)
	return s, store
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestHover_DebouncedFetchWarmsCache(t *testing.T) {
	source := &fakeSource{records: map[string][]types.FileRecord{
		"d1": {{ID: "f1", Name: "docs/a.md", Type: types.ResourceFile}},
	}}
	s, store := newScheduler(t, source, 2)
	s.SetViewport([]string{"d1"})

	s.Hover("d1")

	waitFor(t, time.Second, func() bool {
		listing, ok := store.Listing(statestore.KeyRawListing("d1"))
		return ok && len(listing.Records) == 1
	})
}

func TestHover_LeaveBeforeDebounceCancels(t *testing.T) {
	source := &fakeSource{}
	s, _ := newScheduler(t, source, 2)
	s.SetViewport([]string{"d1"})

	s.Hover("d1")
	s.LeaveHover("d1")

	time.Sleep(50 * time.Millisecond)
	if source.callCount() != 0 {
		t.Error("fetch ran despite hover being withdrawn before the debounce")
	}
}

func TestHover_NotVisibleIsIgnored(t *testing.T) {
	source := &fakeSource{}
	s, _ := newScheduler(t, source, 2)
	s.SetViewport([]string{"other"})

	s.Hover("d1")

	time.Sleep(50 * time.Millisecond)
	if source.callCount() != 0 {
		t.Error("fetch ran for a folder outside the viewport")
	}
}

func TestHover_CachedFolderIsSkipped(t *testing.T) {
	source := &fakeSource{}
	s, store := newScheduler(t, source, 2)
	s.SetViewport([]string{"d1"})
	store.PutListing(statestore.KeyRawListing("d1"), []types.FileRecord{{ID: "f1"}})

	s.Hover("d1")

	time.Sleep(50 * time.Millisecond)
	if source.callCount() != 0 {
		t.Error("fetch ran for an already-cached folder")
	}
}

func TestHover_RepeatHoverDoesNotStackTimers(t *testing.T) {
	source := &fakeSource{records: map[string][]types.FileRecord{}}
	s, _ := newScheduler(t, source, 2)
	s.SetViewport([]string{"d1"})

	s.Hover("d1")
	s.Hover("d1")
	s.Hover("d1")

	waitFor(t, time.Second, func() bool { return source.callCount() >= 1 })
	time.Sleep(30 * time.Millisecond)
	if source.callCount() != 1 {
		t.Errorf("got %d fetches, want 1", source.callCount())
	}
}

func TestConcurrency_BoundedWithQueue(t *testing.T) {
	block := make(chan struct{})
	source := &fakeSource{block: block, records: map[string][]types.FileRecord{}}
	s, _ := newScheduler(t, source, 1)
	s.SetViewport([]string{"d1", "d2"})

	s.Hover("d1")
	s.Hover("d2")

	waitFor(t, time.Second, func() bool { return source.callCount() == 1 })
	if s.Active() != 1 {
		t.Errorf("got %d active, want 1", s.Active())
	}

	close(block)
	waitFor(t, time.Second, func() bool { return source.callCount() == 2 })
}

func TestViewport_LeavingCancelsInFlightFetch(t *testing.T) {
	block := make(chan struct{})
	source := &fakeSource{block: block, records: map[string][]types.FileRecord{
		"d1": {{ID: "f1"}},
	}}
	s, store := newScheduler(t, source, 2)
	s.SetViewport([]string{"d1"})

	s.Hover("d1")
	waitFor(t, time.Second, func() bool { return s.Active() == 1 })

	// The folder scrolls out of view while its fetch is in flight.
	s.SetViewport(nil)
	close(block)

	waitFor(t, time.Second, func() bool { return s.Active() == 0 })
	if _, ok := store.Listing(statestore.KeyRawListing("d1")); ok {
		t.Error("cancelled fetch still wrote its result")
	}
}

func TestQueue_StaleQueuedFetchSkippedOnPromotion(t *testing.T) {
	block := make(chan struct{})
	source := &fakeSource{block: block, records: map[string][]types.FileRecord{}}
	s, _ := newScheduler(t, source, 1)
	s.SetViewport([]string{"d1", "d2"})

	s.Hover("d1")
	s.Hover("d2")
	waitFor(t, time.Second, func() bool { return source.callCount() == 1 })

	// Withdraw the queued fetch before a slot frees.
	s.LeaveHover("d2")
	close(block)

	waitFor(t, time.Second, func() bool { return s.Active() == 0 })
	time.Sleep(20 * time.Millisecond)
	if source.callCount() != 1 {
		t.Errorf("got %d fetches, want 1; stale queued fetch ran", source.callCount())
	}
}
