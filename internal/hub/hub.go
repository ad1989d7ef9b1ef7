// Package hub provides room-scoped WebSocket delivery: emit to one socket,
// to a whole room, or to a room minus the sender.
package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Hub tracks WebSocket connections per room. Thread-safe via sync.RWMutex.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*websocket.Conn
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{rooms: make(map[string]map[string]*websocket.Conn)}
}

// Register adds a socket to a room group.
func (h *Hub) Register(roomID, socketID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]*websocket.Conn)
	}
	h.rooms[roomID][socketID] = conn
	slog.Debug("hub: registered", "room", roomID, "socket", socketID)
}

// Unregister removes a socket from a room group.
func (h *Hub) Unregister(roomID, socketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns := h.rooms[roomID]
	if conns == nil {
		return
	}
	delete(conns, socketID)
	if len(conns) == 0 {
		delete(h.rooms, roomID)
	}
	slog.Debug("hub: unregistered", "room", roomID, "socket", socketID)
}

// ToRoom sends a payload to every socket in a room.
// Targets are snapshotted under RLock, then written without holding the
// lock. coder/websocket Write() serializes internally, so concurrent calls
// from broadcast, resync and fan-out goroutines are safe.
func (h *Hub) ToRoom(ctx context.Context, roomID string, payload []byte) {
	h.send(ctx, roomID, "", payload)
}

// ToRoomExcept sends a payload to every socket in a room except the sender.
func (h *Hub) ToRoomExcept(ctx context.Context, roomID, senderID string, payload []byte) {
	h.send(ctx, roomID, senderID, payload)
}

func (h *Hub) send(ctx context.Context, roomID, skipID string, payload []byte) {
	h.mu.RLock()
	conns := h.rooms[roomID]
	targets := make([]*websocket.Conn, 0, len(conns))
	for id, conn := range conns {
		if id != skipID {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			slog.Debug("hub: write failed", "room", roomID, "error", err)
		}
	}
}

// ToSocket sends a payload to a single socket in a room.
func (h *Hub) ToSocket(ctx context.Context, roomID, socketID string, payload []byte) {
	h.mu.RLock()
	conn := h.rooms[roomID][socketID]
	h.mu.RUnlock()

	if conn == nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		slog.Debug("hub: targeted write failed", "room", roomID, "socket", socketID, "error", err)
	}
}

// Count returns the number of sockets in a room.
func (h *Hub) Count(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
