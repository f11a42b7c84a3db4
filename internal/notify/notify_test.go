package notify

import (
	"sync"
	"testing"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingNotifier) record(severity, key, message string) {
	r.mu.Lock()
	r.calls = append(r.calls, severity+":"+key+":"+message)
	r.mu.Unlock()
}

func (r *recordingNotifier) Success(key, message string) { r.record("success", key, message) }
func (r *recordingNotifier) Error(key, message string)   { r.record("error", key, message) }
func (r *recordingNotifier) Info(key, message string)    { r.record("info", key, message) }

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestDeduper_DeliversOncePerKey(t *testing.T) {
	sink := &recordingNotifier{}
	d := NewDeduper(sink)

	d.Error("indexing-errors-kb1", "3 files failed")
	d.Error("indexing-errors-kb1", "3 files failed")
	d.Error("indexing-errors-kb1", "5 files failed")

	if sink.count() != 1 {
		t.Errorf("got %d deliveries, want 1: %v", sink.count(), sink.calls)
	}
}

func TestDeduper_KeysAreSharedAcrossSeverities(t *testing.T) {
	sink := &recordingNotifier{}
	d := NewDeduper(sink)

	d.Success("k", "done")
	d.Error("k", "failed")

	if sink.count() != 1 {
		t.Errorf("got %d deliveries, want 1: %v", sink.count(), sink.calls)
	}
}

func TestDeduper_EmptyKeyNeverSuppressed(t *testing.T) {
	sink := &recordingNotifier{}
	d := NewDeduper(sink)

	d.Info("", "one")
	d.Info("", "two")

	if sink.count() != 2 {
		t.Errorf("got %d deliveries, want 2", sink.count())
	}
}

func TestDeduper_ResetForgetsDeliveredKeys(t *testing.T) {
	sink := &recordingNotifier{}
	d := NewDeduper(sink)

	d.Error("k", "failed")
	d.Reset()
	d.Error("k", "failed again")

	if sink.count() != 2 {
		t.Errorf("got %d deliveries, want 2: %v", sink.count(), sink.calls)
	}
}
