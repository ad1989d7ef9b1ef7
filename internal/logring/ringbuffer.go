// Package logring keeps a bounded in-memory window of recent log records.
// The health listener serves it at /logs, so an operator can see why a
// room desynced or a socket dropped without log-file access to the box.
package logring

import (
	"log/slog"
	"sync"
	"time"
)

// LogEntry is one captured record.
type LogEntry struct {
	Time    time.Time      `json:"time"`
	Level   slog.Level     `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// RingBuffer holds the last Cap() entries, oldest overwritten first.
// Safe for concurrent use.
type RingBuffer struct {
	mu      sync.RWMutex
	buf     []LogEntry
	next    int // write cursor
	wrapped bool
}

// NewRingBuffer creates a buffer holding up to capacity entries.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{buf: make([]LogEntry, capacity)}
}

// Add stores an entry, displacing the oldest once the buffer is full.
func (rb *RingBuffer) Add(entry LogEntry) {
	rb.mu.Lock()
	rb.buf[rb.next] = entry
	rb.next++
	if rb.next == len(rb.buf) {
		rb.next = 0
		rb.wrapped = true
	}
	rb.mu.Unlock()
}

// Entries returns captured records newest first, keeping only those at or
// above minLevel and at or after since. A limit of 0 means no limit.
func (rb *RingBuffer) Entries(limit int, minLevel slog.Level, since time.Time) []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	n := rb.size()
	var out []LogEntry
	for i := 0; i < n; i++ {
		if limit > 0 && len(out) == limit {
			break
		}
		idx := rb.next - 1 - i
		if idx < 0 {
			idx += len(rb.buf)
		}
		e := rb.buf[idx]
		if e.Level < minLevel {
			continue
		}
		if !since.IsZero() && e.Time.Before(since) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len reports how many entries are currently held.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size()
}

// Cap reports the buffer capacity.
func (rb *RingBuffer) Cap() int {
	return len(rb.buf)
}

// size is Len without locking. Caller holds rb.mu.
func (rb *RingBuffer) size() int {
	if rb.wrapped {
		return len(rb.buf)
	}
	return rb.next
}
