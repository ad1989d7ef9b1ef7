package room

import (
	"encoding/json"
	"fmt"
)

// Type identifies the kind of edit an operation carries.
type Type string

const (
	TypeElementStart     Type = "element_start"
	TypeElementUpdate    Type = "element_update"
	TypeElementComplete  Type = "element_complete"
	TypeElementDelete    Type = "element_delete"
	TypeElementTransform Type = "element_transform"
)

// Payload is the type-specific data carried by an operation.
// Exactly one concrete payload type corresponds to each operation Type.
type Payload interface {
	payload()
}

// ElementPayload carries a full element for element_start and
// element_complete operations.
type ElementPayload struct {
	Element Element `json:"element"`
}

func (ElementPayload) payload() {}

// Patch is a partial element update. Nil pointer fields are left untouched
// when the patch is merged; a non-nil Points slice replaces the element's
// point list. element_update operations carry a Patch directly.
type Patch struct {
	X           *float64 `json:"x,omitempty"`
	Y           *float64 `json:"y,omitempty"`
	Width       *float64 `json:"width,omitempty"`
	Height      *float64 `json:"height,omitempty"`
	Points      []Point  `json:"points,omitempty"`
	StrokeColor *string  `json:"strokeColor,omitempty"`
	StrokeWidth *float64 `json:"strokeWidth,omitempty"`
	Roughness   *float64 `json:"roughness,omitempty"`
	Text        *string  `json:"text,omitempty"`
	FontSize    *float64 `json:"fontSize,omitempty"`
	FontFamily  *string  `json:"fontFamily,omitempty"`
	ImageURL    *string  `json:"imageUrl,omitempty"`
	AspectRatio *float64 `json:"aspectRatio,omitempty"`
}

func (Patch) payload() {}

// TransformPayload carries a geometry patch for element_transform operations.
type TransformPayload struct {
	Transform Patch `json:"transform"`
}

func (TransformPayload) payload() {}

// Operation is an immutable edit intent submitted by a client.
// OriginServerID is attached server-side before cross-instance fan-out and
// must never be set by clients.
type Operation struct {
	ID             string
	Type           Type
	ElementID      string
	AuthorID       string
	RoomID         string
	Timestamp      int64
	OriginServerID string
	Data           Payload
}

// Validate rejects operations missing required identity fields or carrying
// a non-positive timestamp. Invalid operations are never applied or
// broadcast.
func (o *Operation) Validate() error {
	switch {
	case o.ID == "":
		return fmt.Errorf("operation id is required")
	case o.Type == "":
		return fmt.Errorf("operation type is required")
	case o.ElementID == "":
		return fmt.Errorf("element id is required")
	case o.AuthorID == "":
		return fmt.Errorf("author id is required")
	case o.RoomID == "":
		return fmt.Errorf("room id is required")
	case o.Timestamp <= 0:
		return fmt.Errorf("timestamp must be positive")
	}
	switch o.Type {
	case TypeElementStart, TypeElementUpdate, TypeElementComplete,
		TypeElementDelete, TypeElementTransform:
	default:
		return fmt.Errorf("unknown operation type %q", o.Type)
	}
	return nil
}

// ShouldCoalesce reports whether the operation is a point-stream update
// that belongs in the coalescing scheduler rather than the immediate
// commit path.
func ShouldCoalesce(op *Operation) bool {
	if op.Type != TypeElementUpdate {
		return false
	}
	p, ok := op.Data.(Patch)
	return ok && len(p.Points) > 0
}

type operationWire struct {
	ID             string          `json:"id"`
	Type           Type            `json:"type"`
	ElementID      string          `json:"elementId"`
	AuthorID       string          `json:"authorId"`
	RoomID         string          `json:"roomId"`
	Timestamp      int64           `json:"timestamp"`
	OriginServerID string          `json:"originServerId,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON decodes the data payload according to the operation type,
// so Apply can switch exhaustively over typed payloads.
func (o *Operation) UnmarshalJSON(b []byte) error {
	var w operationWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	o.ID = w.ID
	o.Type = w.Type
	o.ElementID = w.ElementID
	o.AuthorID = w.AuthorID
	o.RoomID = w.RoomID
	o.Timestamp = w.Timestamp
	o.OriginServerID = w.OriginServerID
	o.Data = nil

	if len(w.Data) == 0 {
		return nil
	}
	switch w.Type {
	case TypeElementStart, TypeElementComplete:
		var p ElementPayload
		if err := json.Unmarshal(w.Data, &p); err != nil {
			return fmt.Errorf("decoding %s payload: %w", w.Type, err)
		}
		o.Data = p
	case TypeElementUpdate:
		var p Patch
		if err := json.Unmarshal(w.Data, &p); err != nil {
			return fmt.Errorf("decoding %s payload: %w", w.Type, err)
		}
		o.Data = p
	case TypeElementTransform:
		var p TransformPayload
		if err := json.Unmarshal(w.Data, &p); err != nil {
			return fmt.Errorf("decoding %s payload: %w", w.Type, err)
		}
		o.Data = p
	case TypeElementDelete:
		// No payload.
	}
	return nil
}

// MarshalJSON is the inverse of UnmarshalJSON.
func (o Operation) MarshalJSON() ([]byte, error) {
	w := operationWire{
		ID:             o.ID,
		Type:           o.Type,
		ElementID:      o.ElementID,
		AuthorID:       o.AuthorID,
		RoomID:         o.RoomID,
		Timestamp:      o.Timestamp,
		OriginServerID: o.OriginServerID,
	}
	if o.Data != nil {
		data, err := json.Marshal(o.Data)
		if err != nil {
			return nil, err
		}
		w.Data = data
	}
	return json.Marshal(w)
}
