package engine

import (
	"encoding/json"
	"log/slog"

	"github.com/inkwell-app/inksync/internal/room"
)

// Server→client event names. Wire format is a JSON envelope
// {"event": ..., "data": ...} per message.
const (
	EventRoomState     = "room-state"
	EventOperation     = "operation"
	EventBatch         = "operations_batch"
	EventOperationAck  = "operation_ack"
	EventOperationErr  = "operation_error"
	EventJoined        = "collaborator-joined"
	EventLeft          = "collaborator-left"
	EventCursor        = "collaborator-cursor"
	EventDrawingStatus = "collaborator-drawing-status"
	EventError         = "error"
)

// Envelope is the wire frame for every server→client event.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// RoomStatePayload is the full-state snapshot pushed on join and on every
// resync heartbeat.
type RoomStatePayload struct {
	Elements      []room.Element      `json:"elements"`
	Collaborators []room.Collaborator `json:"collaborators"`
	Version       int64               `json:"version"`
}

// OperationErrorPayload reports a rejected or failed operation to its
// submitting socket only.
type OperationErrorPayload struct {
	OperationID string `json:"operationId"`
	Error       string `json:"error"`
}

// CursorUpdate is a client cursor move, relayed to the rest of the room.
type CursorUpdate struct {
	UserID    string      `json:"userId"`
	Position  room.Cursor `json:"position"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// DrawingStatus is a client drawing-state change, relayed to the room.
type DrawingStatus struct {
	UserID    string `json:"userId"`
	IsDrawing bool   `json:"isDrawing"`
	ElementID string `json:"elementId,omitempty"`
}

// ErrorPayload is a generic error surfaced to one socket.
type ErrorPayload struct {
	Message string `json:"message"`
}

func encode(event string, data any) []byte {
	payload, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		slog.Error("encoding event", "event", event, "error", err)
		return nil
	}
	return payload
}
