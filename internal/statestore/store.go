// Package statestore provides the keyed, versioned, copy-on-write store
// that all synchronization state lives in. Values are full replacements:
// an Update callback must return a new value rather than mutating the
// previous one, so concurrent readers never observe a half-written value.
package statestore

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry is a stored value with its bookkeeping metadata.
type Entry struct {
	Value       any
	Revision    uint64
	LastUpdated time.Time
	Seq         uint64
}

// Store is the in-memory state substrate. All methods are safe for
// concurrent use. Subscribers are invoked after the write is visible,
// outside the store lock.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
	clock   func() time.Time

	subMu   sync.Mutex
	subs    map[int]func(key string)
	nextSub int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		entries: make(map[string]Entry),
		clock:   time.Now,
		subs:    make(map[int]func(key string)),
	}
}

// Get returns the value at key, or false if absent.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// GetAs returns the value at key asserted to T. Absent keys and type
// mismatches both report false.
func GetAs[T any](s *Store, key string) (T, bool) {
	var zero T
	v, ok := s.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// Set replaces the value at key.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	prev := s.entries[key]
	s.entries[key] = Entry{
		Value:       value,
		Revision:    prev.Revision + 1,
		LastUpdated: s.clock(),
		Seq:         prev.Seq,
	}
	s.mu.Unlock()
	s.notify(key)
}

// SetSeq replaces the value at key only if seq is not older than the
// slot's recorded sequence. Returns false when the write was rejected
// as stale. Used by concurrent background fetches so a slow, older
// fetch cannot overwrite a newer one.
func (s *Store) SetSeq(key string, value any, seq uint64) bool {
	s.mu.Lock()
	prev := s.entries[key]
	if seq < prev.Seq {
		s.mu.Unlock()
		return false
	}
	s.entries[key] = Entry{
		Value:       value,
		Revision:    prev.Revision + 1,
		LastUpdated: s.clock(),
		Seq:         seq,
	}
	s.mu.Unlock()
	s.notify(key)
	return true
}

// Update atomically replaces the value at key with fn(prev). The previous
// value is nil when the key is absent. Returns the new value.
func (s *Store) Update(key string, fn func(prev any) any) any {
	s.mu.Lock()
	prev := s.entries[key]
	next := fn(prev.Value)
	s.entries[key] = Entry{
		Value:       next,
		Revision:    prev.Revision + 1,
		LastUpdated: s.clock(),
		Seq:         prev.Seq,
	}
	s.mu.Unlock()
	s.notify(key)
	return next
}

// Delete removes the key. Deleting an absent key is a no-op and does not
// notify subscribers.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	_, existed := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()
	if existed {
		s.notify(key)
	}
}

// Revision returns the write count for key; zero means never written.
func (s *Store) Revision(key string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[key].Revision
}

// LastUpdated returns the time of the last write to key.
func (s *Store) LastUpdated(key string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[key].LastUpdated
}

// Keys returns all keys with the given prefix, sorted.
func (s *Store) Keys(prefix string) []string {
	s.mu.RLock()
	var keys []string
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Bump increments the uint64 counter stored at key and returns the new
// value. Absent keys start at zero.
func (s *Store) Bump(key string) uint64 {
	var next uint64
	s.Update(key, func(prev any) any {
		n, _ := prev.(uint64)
		next = n + 1
		return next
	})
	return next
}

// Counter returns the uint64 counter stored at key, zero if absent.
func (s *Store) Counter(key string) uint64 {
	n, _ := GetAs[uint64](s, key)
	return n
}

// Subscribe registers fn to be called with the key of every write.
// The returned function unsubscribes. Callbacks run synchronously on the
// writing goroutine, after the write is visible, and must not block.
func (s *Store) Subscribe(fn func(key string)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(key string) {
	s.subMu.Lock()
	fns := make([]func(string), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(key)
	}
}
