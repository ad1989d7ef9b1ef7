package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inkwell-app/inksync/internal/room"
)

const persistTimeout = 5 * time.Second

// Store holds the in-memory materialized view of every resident room,
// backed by a shared cache for warm recovery and cross-instance sharing.
//
// Reads go memory → cache → freshly initialized empty state (the last case
// also writes through). Writes update memory synchronously and persist to
// the cache asynchronously, so an in-flight cache read can never clobber
// newer in-memory state. If the cache is unreachable the store degrades to
// memory-only operation and logs the fault; rooms keep working for sockets
// on this instance but won't survive a restart until the cache recovers.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*room.State
	cache Cache
	ttl   time.Duration

	// OnCacheError, if set, is invoked once per failed cache operation.
	OnCacheError func()
}

// New creates a Store persisting room state with the given TTL.
func New(cache Cache, ttl time.Duration) *Store {
	return &Store{
		rooms: make(map[string]*room.State),
		cache: cache,
		ttl:   ttl,
	}
}

func stateKey(roomID string) string {
	return fmt.Sprintf("room:%s:state", roomID)
}

// Get returns the state for a room, materializing it from the shared cache
// or as a fresh empty state if nothing is cached.
func (s *Store) Get(ctx context.Context, roomID string) *room.State {
	s.mu.RLock()
	st, ok := s.rooms[roomID]
	s.mu.RUnlock()
	if ok {
		return st
	}

	if data, err := s.cache.Get(ctx, stateKey(roomID)); err == nil {
		var cached room.State
		if jerr := json.Unmarshal(data, &cached); jerr == nil {
			if cached.Elements == nil {
				cached.Elements = make(map[string]room.Element)
			}
			s.mu.Lock()
			// Another goroutine may have raced us here; keep theirs.
			if existing, ok := s.rooms[roomID]; ok {
				s.mu.Unlock()
				return existing
			}
			s.rooms[roomID] = &cached
			s.mu.Unlock()
			slog.Debug("room state recovered from cache", "room", roomID, "version", cached.Version)
			return &cached
		} else {
			slog.Warn("discarding undecodable cached room state", "room", roomID, "error", jerr)
		}
	} else if err != ErrMiss {
		slog.Warn("cache read failed, continuing memory-only", "room", roomID, "error", err)
		s.noteCacheError()
	}

	fresh := room.NewState(roomID, time.Now().UnixMilli())
	s.mu.Lock()
	if existing, ok := s.rooms[roomID]; ok {
		s.mu.Unlock()
		return existing
	}
	s.rooms[roomID] = fresh
	s.mu.Unlock()

	s.persistAsync(roomID, fresh)
	return fresh
}

// Put replaces a room's in-memory state and schedules an asynchronous
// write-through to the shared cache. Ephemeral presence fields are stripped
// before persisting.
func (s *Store) Put(roomID string, st *room.State) {
	s.mu.Lock()
	s.rooms[roomID] = st
	s.mu.Unlock()
	s.persistAsync(roomID, st)
}

// persistAsync serializes the state now (while the caller still owns it)
// and writes it to the cache from a goroutine.
func (s *Store) persistAsync(roomID string, st *room.State) {
	data, err := json.Marshal(st.ForPersistence())
	if err != nil {
		slog.Error("marshaling room state", "room", roomID, "error", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.cache.Set(ctx, stateKey(roomID), data, s.ttl); err != nil {
			slog.Warn("cache write failed, state is memory-only", "room", roomID, "error", err)
			s.noteCacheError()
		}
	}()
}

// Evict removes a room from memory. The cached copy is left to expire via
// its TTL so the room silently revives if a user returns in time.
func (s *Store) Evict(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

// Resident reports whether a room is currently materialized in memory.
func (s *Store) Resident(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}

// RoomIDs returns the ids of all resident rooms.
func (s *Store) RoomIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of resident rooms.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

func (s *Store) noteCacheError() {
	if s.OnCacheError != nil {
		s.OnCacheError()
	}
}
