package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/inkwell-app/inksync/internal/room"
)

// fakeCache is an in-memory Cache with optional fault injection.
type fakeCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
	fail bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string][]byte)}
}

func (f *fakeCache) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("cache down")
	}
	v, ok := f.data[key]
	if !ok {
		return nil, ErrMiss
	}
	return v, nil
}

func (f *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("cache down")
	}
	f.data[key] = value
	f.sets++
	return nil
}

func (f *fakeCache) Ping(ctx context.Context) error { return nil }

func (f *fakeCache) setCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets
}

func (f *fakeCache) get(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestGetInitializesAndWritesThrough(t *testing.T) {
	cache := newFakeCache()
	s := New(cache, time.Hour)

	st := s.Get(context.Background(), "r1")
	if st.ID != "r1" {
		t.Errorf("room id = %q, want r1", st.ID)
	}
	if st.Version != 0 {
		t.Errorf("fresh version = %d, want 0", st.Version)
	}

	// Fresh initialization also persists the empty state.
	waitFor(t, func() bool { _, ok := cache.get("room:r1:state"); return ok })
}

func TestGetRecoversFromCache(t *testing.T) {
	cache := newFakeCache()
	warm := room.NewState("r1", 100)
	warm.Version = 7
	warm.Elements["e1"] = room.Element{ID: "e1", Type: "rect"}
	data, _ := json.Marshal(warm)
	cache.data["room:r1:state"] = data

	s := New(cache, time.Hour)
	st := s.Get(context.Background(), "r1")

	if st.Version != 7 {
		t.Errorf("recovered version = %d, want 7", st.Version)
	}
	if _, ok := st.Elements["e1"]; !ok {
		t.Error("recovered state missing element e1")
	}
}

func TestGetMemoryFirst(t *testing.T) {
	cache := newFakeCache()
	s := New(cache, time.Hour)

	st := s.Get(context.Background(), "r1")
	next := room.Apply(st, &room.Operation{
		ID: "op1", Type: room.TypeElementStart, ElementID: "e1",
		AuthorID: "u1", RoomID: "r1", Timestamp: 1,
		Data: room.ElementPayload{Element: room.Element{ID: "e1"}},
	})
	s.Put("r1", next)

	// A second Get must serve the in-memory copy, not re-read the cache.
	again := s.Get(context.Background(), "r1")
	if again.Version != 1 {
		t.Errorf("version = %d, want 1", again.Version)
	}
}

func TestPutPersistsAsync(t *testing.T) {
	cache := newFakeCache()
	s := New(cache, time.Hour)

	st := room.NewState("r1", 1)
	st.Version = 3
	s.Put("r1", st)

	waitFor(t, func() bool {
		data, ok := cache.get("room:r1:state")
		if !ok {
			return false
		}
		var got room.State
		return json.Unmarshal(data, &got) == nil && got.Version == 3
	})
}

func TestPersistStripsEphemeralPresence(t *testing.T) {
	cache := newFakeCache()
	s := New(cache, time.Hour)

	st := room.NewState("r1", 1)
	st.Collaborators = []room.Collaborator{{
		ID:        "u1",
		Cursor:    &room.Cursor{X: 1, Y: 2},
		IsDrawing: true,
	}}
	s.Put("r1", st)

	waitFor(t, func() bool { _, ok := cache.get("room:r1:state"); return ok })
	data, _ := cache.get("room:r1:state")
	var got room.State
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal persisted state: %v", err)
	}
	if got.Collaborators[0].Cursor != nil || got.Collaborators[0].IsDrawing {
		t.Errorf("ephemeral presence persisted: %+v", got.Collaborators[0])
	}
}

func TestCacheFailureDegradesToMemory(t *testing.T) {
	cache := newFakeCache()
	cache.fail = true

	var faults int
	s := New(cache, time.Hour)
	var mu sync.Mutex
	s.OnCacheError = func() { mu.Lock(); faults++; mu.Unlock() }

	st := s.Get(context.Background(), "r1")
	if st == nil || st.ID != "r1" {
		t.Fatal("Get must still return a usable state when the cache is down")
	}

	st2 := room.Apply(st, &room.Operation{
		ID: "op1", Type: room.TypeElementStart, ElementID: "e1",
		AuthorID: "u1", RoomID: "r1", Timestamp: 1,
	})
	s.Put("r1", st2)

	if got := s.Get(context.Background(), "r1"); got.Version != 1 {
		t.Errorf("memory-only version = %d, want 1", got.Version)
	}
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return faults >= 2 })
}

func TestEvictLeavesCacheCopy(t *testing.T) {
	cache := newFakeCache()
	s := New(cache, time.Hour)

	s.Get(context.Background(), "r1")
	waitFor(t, func() bool { _, ok := cache.get("room:r1:state"); return ok })

	s.Evict("r1")
	if s.Resident("r1") {
		t.Error("room still resident after evict")
	}
	// Cached copy stays for TTL-based revival.
	if _, ok := cache.get("room:r1:state"); !ok {
		t.Error("evict must not delete the cached copy")
	}
}
