package logring

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func entry(msg string, level slog.Level, at time.Time) LogEntry {
	return LogEntry{Time: at, Level: level, Message: msg}
}

func TestRingBufferNewestFirst(t *testing.T) {
	rb := NewRingBuffer(8)

	if rb.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", rb.Len())
	}
	if rb.Cap() != 8 {
		t.Fatalf("Cap() = %d, want 8", rb.Cap())
	}

	rb.Add(entry("user joined room", slog.LevelInfo, time.Now()))
	rb.Add(entry("user left room", slog.LevelInfo, time.Now()))

	got := rb.Entries(0, slog.LevelDebug, time.Time{})
	if len(got) != 2 {
		t.Fatalf("Entries() returned %d, want 2", len(got))
	}
	if got[0].Message != "user left room" || got[1].Message != "user joined room" {
		t.Errorf("order = [%q, %q], want newest first", got[0].Message, got[1].Message)
	}
}

func TestRingBufferDisplacesOldest(t *testing.T) {
	rb := NewRingBuffer(3)

	for i := 1; i <= 5; i++ {
		rb.Add(entry(fmt.Sprintf("resync %d", i), slog.LevelDebug, time.Now()))
	}

	if rb.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", rb.Len())
	}
	got := rb.Entries(0, slog.LevelDebug, time.Time{})
	want := []string{"resync 5", "resync 4", "resync 3"}
	for i, w := range want {
		if got[i].Message != w {
			t.Errorf("entries[%d] = %q, want %q", i, got[i].Message, w)
		}
	}
}

func TestRingBufferLevelFilter(t *testing.T) {
	rb := NewRingBuffer(16)

	rb.Add(entry("read loop stopped", slog.LevelDebug, time.Now()))
	rb.Add(entry("connection established", slog.LevelInfo, time.Now()))
	rb.Add(entry("slow operation", slog.LevelWarn, time.Now()))
	rb.Add(entry("fan-out publish failed", slog.LevelError, time.Now()))

	got := rb.Entries(0, slog.LevelWarn, time.Time{})
	if len(got) != 2 {
		t.Fatalf("Entries(minLevel=Warn) returned %d, want 2", len(got))
	}
	if got[0].Message != "fan-out publish failed" || got[1].Message != "slow operation" {
		t.Errorf("got [%q, %q]", got[0].Message, got[1].Message)
	}
}

func TestRingBufferSinceFilter(t *testing.T) {
	rb := NewRingBuffer(16)
	now := time.Now()

	rb.Add(entry("stale", slog.LevelInfo, now.Add(-10*time.Second)))
	rb.Add(entry("borderline", slog.LevelInfo, now.Add(-5*time.Second)))
	rb.Add(entry("recent", slog.LevelInfo, now))

	got := rb.Entries(0, slog.LevelDebug, now.Add(-6*time.Second))
	if len(got) != 2 {
		t.Fatalf("Entries(since=-6s) returned %d, want 2", len(got))
	}
	if got[0].Message != "recent" {
		t.Errorf("entries[0] = %q, want recent", got[0].Message)
	}
}

func TestRingBufferLimit(t *testing.T) {
	rb := NewRingBuffer(16)
	for i := 0; i < 10; i++ {
		rb.Add(entry(fmt.Sprintf("op %d", i), slog.LevelInfo, time.Now()))
	}

	got := rb.Entries(4, slog.LevelDebug, time.Time{})
	if len(got) != 4 {
		t.Fatalf("Entries(limit=4) returned %d, want 4", len(got))
	}
	if got[0].Message != "op 9" {
		t.Errorf("entries[0] = %q, want op 9", got[0].Message)
	}
}

func TestRingBufferConcurrentUse(t *testing.T) {
	rb := NewRingBuffer(64)

	// Writers model busy engine goroutines; readers model /logs polls.
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				rb.Add(entry("operation committed", slog.LevelInfo, time.Now()))
			}
		}()
	}
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				rb.Entries(20, slog.LevelDebug, time.Time{})
			}
		}()
	}
	wg.Wait()

	if rb.Len() != rb.Cap() {
		t.Errorf("Len() = %d after heavy writes, want %d", rb.Len(), rb.Cap())
	}
}
