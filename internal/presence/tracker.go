// Package presence owns socket↔user↔room bookkeeping: connection records
// and per-room socket sets. The collaborator roster itself lives in room
// state; this package only tracks who is physically connected here.
package presence

import (
	"sync"
	"time"
)

// Record is one live connection on this instance.
type Record struct {
	UserID      string
	RoomID      string
	ConnectedAt time.Time
}

// RoomStat is a per-room connection count for health reporting.
type RoomStat struct {
	RoomID      string `json:"room_id"`
	Connections int    `json:"connections"`
}

// Tracker maintains connection records keyed by socket id and the set of
// sockets attached to each room. Thread-safe via sync.RWMutex.
type Tracker struct {
	mu    sync.RWMutex
	conns map[string]Record
	rooms map[string]map[string]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		conns: make(map[string]Record),
		rooms: make(map[string]map[string]struct{}),
	}
}

// Register records a new connection and adds the socket to its room set.
func (t *Tracker) Register(socketID, userID, roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.conns[socketID] = Record{UserID: userID, RoomID: roomID, ConnectedAt: time.Now()}
	if t.rooms[roomID] == nil {
		t.rooms[roomID] = make(map[string]struct{})
	}
	t.rooms[roomID][socketID] = struct{}{}
}

// Unregister removes a connection record and its room membership. The
// membership is cleaned even when the record is already gone, so a socket
// whose record the stale sweep reclaimed still leaves its room set on
// disconnect. Returns whether a record existed.
func (t *Tracker) Unregister(socketID, roomID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.conns[socketID]
	delete(t.conns, socketID)
	t.removeFromRoom(socketID, roomID)
	return ok
}

// removeFromRoom drops a socket from its room set. Caller holds t.mu.
func (t *Tracker) removeFromRoom(socketID, roomID string) {
	if set := t.rooms[roomID]; set != nil {
		delete(set, socketID)
		if len(set) == 0 {
			delete(t.rooms, roomID)
		}
	}
}

// RoomCount returns the number of sockets attached to a room.
func (t *Tracker) RoomCount(roomID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms[roomID])
}

// UserConnections returns how many of a room's sockets belong to the given
// user. A user with two tabs open leaves only when the last one goes.
func (t *Tracker) UserConnections(roomID, userID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for socketID := range t.rooms[roomID] {
		if rec, ok := t.conns[socketID]; ok && rec.UserID == userID {
			n++
		}
	}
	return n
}

// ConnectionCount returns the total number of live connection records.
func (t *Tracker) ConnectionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// SweepStale drops connection records older than maxAge together with
// their room memberships. Returns the removed records so the caller can
// finish the leave sequence for each: the teardown path never ran for
// these sockets, so nothing else will.
func (t *Tracker) SweepStale(maxAge time.Duration) []Record {
	cutoff := time.Now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []Record
	for socketID, rec := range t.conns {
		if rec.ConnectedAt.Before(cutoff) {
			delete(t.conns, socketID)
			t.removeFromRoom(socketID, rec.RoomID)
			removed = append(removed, rec)
		}
	}
	return removed
}

// Stats returns per-room connection counts.
func (t *Tracker) Stats() []RoomStat {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := make([]RoomStat, 0, len(t.rooms))
	for roomID, set := range t.rooms {
		stats = append(stats, RoomStat{RoomID: roomID, Connections: len(set)})
	}
	return stats
}
