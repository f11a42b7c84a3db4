// Package notify is the fire-and-forget user notification sink. The
// engine never awaits or inspects a notification's outcome.
package notify

import (
	"log/slog"
	"sync"
)

// Notifier delivers user-facing signals. Key is a stable deduplication
// key chosen by the caller; implementations may ignore it.
type Notifier interface {
	Success(key, message string)
	Error(key, message string)
	Info(key, message string)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct{}

func (LogNotifier) Success(key, message string) {
	slog.Info("notification",
		"component", "notify",
		"severity", "success",
		"key", key,
		"message", message,
	)
}

func (LogNotifier) Error(key, message string) {
	slog.Warn("notification",
		"component", "notify",
		"severity", "error",
		"key", key,
		"message", message,
	)
}

func (LogNotifier) Info(key, message string) {
	slog.Info("notification",
		"component", "notify",
		"severity", "info",
		"key", key,
		"message", message,
	)
}

// Deduper wraps a Notifier and suppresses repeat deliveries for a key.
// Keys with delivered notifications stay suppressed until Reset.
type Deduper struct {
	next Notifier

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewDeduper wraps next with per-key deduplication.
func NewDeduper(next Notifier) *Deduper {
	return &Deduper{next: next, seen: make(map[string]struct{})}
}

func (d *Deduper) Success(key, message string) {
	if d.first(key) {
		d.next.Success(key, message)
	}
}

func (d *Deduper) Error(key, message string) {
	if d.first(key) {
		d.next.Error(key, message)
	}
}

func (d *Deduper) Info(key, message string) {
	if d.first(key) {
		d.next.Info(key, message)
	}
}

// Reset forgets all delivered keys. Called when a new KB replaces the
// old one so its notifications are not suppressed by stale keys.
func (d *Deduper) Reset() {
	d.mu.Lock()
	d.seen = make(map[string]struct{})
	d.mu.Unlock()
}

func (d *Deduper) first(key string) bool {
	if key == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	return true
}
