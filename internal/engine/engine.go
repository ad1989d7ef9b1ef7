// Package engine ties the room store, presence tracker, coalescing
// scheduler and cross-instance fan-out into one explicitly constructed
// service. Its lifecycle (Start/Stop) is owned by the process bootstrap;
// there is no hidden singleton.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/inkwell-app/inksync/internal/batch"
	"github.com/inkwell-app/inksync/internal/metrics"
	"github.com/inkwell-app/inksync/internal/presence"
	"github.com/inkwell-app/inksync/internal/room"
	"github.com/inkwell-app/inksync/internal/store"
)

const slowOpThreshold = 100 * time.Millisecond

// Broadcaster delivers payloads to locally connected sockets. Implemented
// by internal/hub.
type Broadcaster interface {
	ToRoom(ctx context.Context, roomID string, payload []byte)
	ToRoomExcept(ctx context.Context, roomID, senderID string, payload []byte)
	ToSocket(ctx context.Context, roomID, socketID string, payload []byte)
}

// Publisher propagates committed operations to other instances.
// Implemented by internal/fanout.
type Publisher interface {
	PublishOperation(ctx context.Context, op *room.Operation) error
	PublishBatch(ctx context.Context, roomID string, ops []*room.Operation) error
}

// Options carries the engine's dependencies, injected at startup.
type Options struct {
	Store     *store.Store
	Presence  *presence.Tracker
	Hub       Broadcaster
	Publisher Publisher
	Metrics   *metrics.Metrics // optional, nil if metrics disabled
	ServerID  string

	DebounceInterval time.Duration
	ResyncInterval   time.Duration
	Palette          []string
}

// Stats is a snapshot of engine activity for the health endpoint.
type Stats struct {
	Rooms       int                 `json:"rooms"`
	Connections int                 `json:"connections"`
	PerRoom     []presence.RoomStat `json:"per_room,omitempty"`
}

// Engine is the room synchronization core. All room-state mutation runs
// under a single mutex per instance: the Go rendering of the original
// single-threaded event loop. State is always applied in memory first and
// persisted asynchronously, never the reverse.
type Engine struct {
	mu        sync.Mutex
	store     *store.Store
	presence  *presence.Tracker
	hub       Broadcaster
	publisher Publisher
	metrics   *metrics.Metrics
	serverID  string
	coalescer *batch.Coalescer

	resyncInterval time.Duration
	palette        []string

	// resync heartbeat goroutines, one per room with local sockets
	rsMu    sync.Mutex
	resyncs map[string]context.CancelFunc

	rootCtx context.Context
	cancel  context.CancelFunc
}

// New constructs an Engine. The coalescing scheduler is created here and
// commits through the engine's batch path.
func New(opts Options) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:          opts.Store,
		presence:       opts.Presence,
		hub:            opts.Hub,
		publisher:      opts.Publisher,
		metrics:        opts.Metrics,
		serverID:       opts.ServerID,
		resyncInterval: opts.ResyncInterval,
		palette:        opts.Palette,
		resyncs:        make(map[string]context.CancelFunc),
		rootCtx:        ctx,
		cancel:         cancel,
	}
	if len(e.palette) == 0 {
		e.palette = room.DefaultPalette
	}
	e.coalescer = batch.New(opts.DebounceInterval, e.commitBatch)
	return e
}

// Stop flushes pending coalesced batches and tears down resync heartbeats.
func (e *Engine) Stop() {
	e.coalescer.FlushAll()
	e.rsMu.Lock()
	for _, cancel := range e.resyncs {
		cancel()
	}
	e.resyncs = make(map[string]context.CancelFunc)
	e.rsMu.Unlock()
	e.cancel()
}

// HandleJoin runs the room-entry sequence for a freshly accepted socket:
// register the connection, push current state to the new socket, add the
// user to the collaborator roster, and start the room's resync heartbeat
// if this is the room's first local socket.
func (e *Engine) HandleJoin(ctx context.Context, socketID, userID, userName, roomID string) {
	e.presence.Register(socketID, userID, roomID)

	e.mu.Lock()
	st := e.store.Get(ctx, roomID)
	snapshot := statePayload(st)

	joined := st.FindCollaborator(userID) == nil
	var collab room.Collaborator
	if joined {
		collab = room.Collaborator{
			ID:       userID,
			Name:     userName,
			Color:    room.NextColor(e.palette, st.Collaborators),
			JoinedAt: time.Now().UnixMilli(),
		}
		next := st.Clone()
		next.Collaborators = append(next.Collaborators, collab)
		e.store.Put(roomID, next)
	}
	e.mu.Unlock()

	e.hub.ToSocket(ctx, roomID, socketID, encode(EventRoomState, snapshot))
	if joined {
		e.hub.ToRoom(ctx, roomID, encode(EventJoined, collab))
	}

	if e.presence.RoomCount(roomID) == 1 {
		e.startResync(roomID)
	}
	e.noteRooms()
	slog.Info("user joined room", "room", roomID, "user", userID, "socket", socketID)
}

// HandleOperation validates an incoming edit and routes it: point-stream
// updates go through the coalescing scheduler, everything else commits
// immediately for responsiveness.
func (e *Engine) HandleOperation(ctx context.Context, socketID string, op *room.Operation) {
	start := time.Now()

	if err := op.Validate(); err != nil {
		if e.metrics != nil {
			e.metrics.RejectedOpsTotal.Inc()
		}
		e.hub.ToSocket(ctx, op.RoomID, socketID, encode(EventOperationErr, OperationErrorPayload{
			OperationID: op.ID,
			Error:       err.Error(),
		}))
		return
	}

	if room.ShouldCoalesce(op) {
		e.coalescer.Add(op)
		return
	}

	e.commitOne(ctx, socketID, op)

	if elapsed := time.Since(start); elapsed > slowOpThreshold {
		slog.Warn("slow operation", "type", op.Type, "room", op.RoomID, "elapsed", elapsed.String())
	}
}

// commitOne applies a single operation, broadcasts it to the room minus
// the sender, publishes it for other instances and acks the sender.
func (e *Engine) commitOne(ctx context.Context, socketID string, op *room.Operation) {
	e.mu.Lock()
	st := e.store.Get(ctx, op.RoomID)
	e.store.Put(op.RoomID, room.Apply(st, op))
	e.mu.Unlock()

	e.hub.ToRoomExcept(ctx, op.RoomID, socketID, encode(EventOperation, op))
	if err := e.publisher.PublishOperation(ctx, op); err != nil {
		slog.Warn("fan-out publish failed", "op", op.ID, "error", err)
	}
	e.hub.ToSocket(ctx, op.RoomID, socketID, encode(EventOperationAck, op.ID))

	if e.metrics != nil {
		e.metrics.OperationsTotal.WithLabelValues(string(op.Type)).Inc()
	}
}

// commitBatch is the coalescer's flush callback: apply the whole batch in
// arrival order, commit once, broadcast once, publish once.
func (e *Engine) commitBatch(roomID string, ops []*room.Operation) {
	ctx := e.rootCtx

	e.mu.Lock()
	st := e.store.Get(ctx, roomID)
	for _, op := range ops {
		st = room.Apply(st, op)
	}
	e.store.Put(roomID, st)
	e.mu.Unlock()

	// Batches go to the whole room: the author needs the committed batch
	// too, since its own incremental updates were buffered server-side.
	e.hub.ToRoom(ctx, roomID, encode(EventBatch, ops))
	if err := e.publisher.PublishBatch(ctx, roomID, ops); err != nil {
		slog.Warn("batch fan-out publish failed", "room", roomID, "error", err)
	}

	if e.metrics != nil {
		e.metrics.BatchesTotal.Inc()
		e.metrics.BatchSize.Observe(float64(len(ops)))
		for _, op := range ops {
			e.metrics.OperationsTotal.WithLabelValues(string(op.Type)).Inc()
		}
	}
}

// HandleCursor updates a collaborator's cursor in memory only (never
// persisted) and relays the move to the rest of the room.
func (e *Engine) HandleCursor(ctx context.Context, socketID, roomID string, upd CursorUpdate) {
	e.mu.Lock()
	st := e.store.Get(ctx, roomID)
	if c := st.FindCollaborator(upd.UserID); c != nil {
		pos := upd.Position
		c.Cursor = &pos
	}
	e.mu.Unlock()

	e.hub.ToRoomExcept(ctx, roomID, socketID, encode(EventCursor, upd))
}

// HandleDrawingStatus updates a collaborator's drawing state in memory
// only and relays it to the rest of the room.
func (e *Engine) HandleDrawingStatus(ctx context.Context, socketID, roomID string, upd DrawingStatus) {
	e.mu.Lock()
	st := e.store.Get(ctx, roomID)
	if c := st.FindCollaborator(upd.UserID); c != nil {
		c.IsDrawing = upd.IsDrawing
		c.CurrentElementID = upd.ElementID
	}
	e.mu.Unlock()

	e.hub.ToRoomExcept(ctx, roomID, socketID, encode(EventDrawingStatus, upd))
}

// HandleLeave tears down a socket's room membership. Identity and room
// come from the gateway's handshake, not from the presence record: the
// room set must be cleaned even when the stale sweep already reclaimed
// the record.
func (e *Engine) HandleLeave(ctx context.Context, socketID, userID, roomID string) {
	e.presence.Unregister(socketID, roomID)
	e.completeLeave(ctx, roomID, userID)
	slog.Info("user left room", "room", roomID, "user", userID, "socket", socketID)
}

// ConnectionReaped finishes the departure of a connection whose record the
// stale sweep dropped. Wired to the janitor, which has no teardown path of
// its own.
func (e *Engine) ConnectionReaped(rec presence.Record) {
	e.completeLeave(e.rootCtx, rec.RoomID, rec.UserID)
	slog.Info("reaped stale connection", "room", rec.RoomID, "user", rec.UserID)
}

// RoomEvicted stops the room's resync heartbeat after a janitor eviction.
func (e *Engine) RoomEvicted(roomID string) {
	e.stopResync(roomID)
	e.noteRooms()
}

// completeLeave runs the roster and heartbeat half of a departure, shared
// by the clean disconnect path and the stale-record reaper. The
// collaborator entry is removed only when the user's last connection to
// the room is gone, so a second tab doesn't evict the first.
func (e *Engine) completeLeave(ctx context.Context, roomID, userID string) {
	if e.presence.UserConnections(roomID, userID) == 0 {
		e.mu.Lock()
		st := e.store.Get(ctx, roomID)
		left := st.FindCollaborator(userID) != nil
		if left {
			e.store.Put(roomID, st.RemoveCollaborator(userID))
		}
		e.mu.Unlock()

		if left {
			e.hub.ToRoom(ctx, roomID, encode(EventLeft, userID))
		}
	}

	if e.presence.RoomCount(roomID) == 0 {
		e.stopResync(roomID)
	}
	e.noteRooms()
}

// ReceiveOperation handles a foreign instance's committed operation
// observed on the bus: re-apply it if the room is resident here (Apply is
// idempotent for the merge types and safely re-assigns for the rest), then
// re-broadcast to local sockets. Never re-published.
func (e *Engine) ReceiveOperation(ctx context.Context, op *room.Operation) {
	if e.store.Resident(op.RoomID) {
		e.mu.Lock()
		st := e.store.Get(ctx, op.RoomID)
		e.store.Put(op.RoomID, room.Apply(st, op))
		e.mu.Unlock()
	}
	e.hub.ToRoom(ctx, op.RoomID, encode(EventOperation, op))
}

// ReceiveBatch is the batch counterpart of ReceiveOperation.
func (e *Engine) ReceiveBatch(ctx context.Context, ops []*room.Operation) {
	if len(ops) == 0 {
		return
	}
	roomID := ops[0].RoomID
	if e.store.Resident(roomID) {
		e.mu.Lock()
		st := e.store.Get(ctx, roomID)
		for _, op := range ops {
			st = room.Apply(st, op)
		}
		e.store.Put(roomID, st)
		e.mu.Unlock()
	}
	e.hub.ToRoom(ctx, roomID, encode(EventBatch, ops))
}

// startResync launches the room's periodic full-state broadcast. The
// heartbeat heals any incremental messages a client missed; every cycle
// re-delivers the authoritative snapshot.
func (e *Engine) startResync(roomID string) {
	if e.resyncInterval <= 0 {
		return
	}
	e.rsMu.Lock()
	if _, running := e.resyncs[roomID]; running {
		e.rsMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(e.rootCtx)
	e.resyncs[roomID] = cancel
	e.rsMu.Unlock()

	go func() {
		ticker := time.NewTicker(e.resyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.mu.Lock()
				st := e.store.Get(ctx, roomID)
				snapshot := statePayload(st)
				e.mu.Unlock()
				e.hub.ToRoom(ctx, roomID, encode(EventRoomState, snapshot))
			}
		}
	}()
	slog.Debug("resync heartbeat started", "room", roomID)
}

func (e *Engine) stopResync(roomID string) {
	e.rsMu.Lock()
	if cancel, ok := e.resyncs[roomID]; ok {
		cancel()
		delete(e.resyncs, roomID)
	}
	e.rsMu.Unlock()
	slog.Debug("resync heartbeat stopped", "room", roomID)
}

// CoalescerPending exposes the number of buffered stroke buckets.
func (e *Engine) CoalescerPending() int {
	return e.coalescer.Pending()
}

// CurrentStats returns room/connection counts for health reporting.
func (e *Engine) CurrentStats() Stats {
	return Stats{
		Rooms:       e.store.Len(),
		Connections: e.presence.ConnectionCount(),
		PerRoom:     e.presence.Stats(),
	}
}

func (e *Engine) noteRooms() {
	if e.metrics != nil {
		e.metrics.ResidentRooms.Set(float64(e.store.Len()))
		e.metrics.ActiveConnections.Set(float64(e.presence.ConnectionCount()))
	}
}

func statePayload(st *room.State) RoomStatePayload {
	return RoomStatePayload{
		Elements:      st.ElementList(),
		Collaborators: append([]room.Collaborator(nil), st.Collaborators...),
		Version:       st.Version,
	}
}
