package room

// Point is a single coordinate in a freehand stroke.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Cursor is a collaborator's pointer position on the canvas.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Element is a drawing primitive on the canvas: shape, freehand stroke,
// text or image. Which fields are meaningful depends on Type.
type Element struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width,omitempty"`
	Height      float64 `json:"height,omitempty"`
	Points      []Point `json:"points,omitempty"`
	StrokeColor string  `json:"strokeColor,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
	Roughness   float64 `json:"roughness,omitempty"`
	Seed        int64   `json:"seed,omitempty"`
	Text        string  `json:"text,omitempty"`
	FontSize    float64 `json:"fontSize,omitempty"`
	FontFamily  string  `json:"fontFamily,omitempty"`
	ImageURL    string  `json:"imageUrl,omitempty"`
	AspectRatio float64 `json:"aspectRatio,omitempty"`

	// Synchronization-only fields, stamped by the server.
	AuthorID     string `json:"authorId,omitempty"`
	IsTemporary  bool   `json:"isTemporary"`
	LastModified int64  `json:"lastModified,omitempty"`
}

// Collaborator is a user currently associated with a room.
// Cursor, IsDrawing and CurrentElementID are ephemeral presence fields:
// they live in process memory only and are stripped before the state is
// persisted to the shared cache.
type Collaborator struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Color            string  `json:"color"`
	JoinedAt         int64   `json:"joinedAt"`
	Cursor           *Cursor `json:"cursor,omitempty"`
	IsDrawing        bool    `json:"isDrawing,omitempty"`
	CurrentElementID string  `json:"currentElementId,omitempty"`
}

// State is the authoritative materialized view of one room.
type State struct {
	ID            string              `json:"id"`
	Name          string              `json:"name,omitempty"`
	CreatedBy     string              `json:"createdBy,omitempty"`
	CreatedAt     int64               `json:"createdAt,omitempty"`
	IsPublic      bool                `json:"isPublic,omitempty"`
	Elements      map[string]Element  `json:"elements"`
	Collaborators []Collaborator      `json:"collaborators"`
	LastModified  int64               `json:"lastModified"`
	Version       int64               `json:"version"`
}

// NewState returns an empty room state at version 0.
func NewState(roomID string, now int64) *State {
	return &State{
		ID:           roomID,
		Elements:     make(map[string]Element),
		LastModified: now,
	}
}

// Clone returns a copy of the state with its own elements map and
// collaborators slice. Element and Collaborator values are copied by value;
// Points slices are shared, which is safe because Apply never mutates a
// stored Element in place.
func (s *State) Clone() *State {
	next := *s
	next.Elements = make(map[string]Element, len(s.Elements))
	for id, el := range s.Elements {
		next.Elements[id] = el
	}
	next.Collaborators = make([]Collaborator, len(s.Collaborators))
	copy(next.Collaborators, s.Collaborators)
	return &next
}

// FindCollaborator returns a pointer into the collaborators slice for the
// given user id, or nil if the user is not a collaborator of this room.
func (s *State) FindCollaborator(userID string) *Collaborator {
	for i := range s.Collaborators {
		if s.Collaborators[i].ID == userID {
			return &s.Collaborators[i]
		}
	}
	return nil
}

// RemoveCollaborator returns a clone of the state without the given user.
func (s *State) RemoveCollaborator(userID string) *State {
	next := s.Clone()
	kept := next.Collaborators[:0]
	for _, c := range next.Collaborators {
		if c.ID != userID {
			kept = append(kept, c)
		}
	}
	next.Collaborators = kept
	return next
}

// ForPersistence returns a copy of the state with ephemeral presence fields
// (cursor, drawing status) cleared. This is the form written to the shared
// cache; the fields are high-frequency and worthless at rest.
func (s *State) ForPersistence() *State {
	next := s.Clone()
	for i := range next.Collaborators {
		next.Collaborators[i].Cursor = nil
		next.Collaborators[i].IsDrawing = false
		next.Collaborators[i].CurrentElementID = ""
	}
	return next
}

// ElementList returns the elements as a slice for wire transfer.
func (s *State) ElementList() []Element {
	list := make([]Element, 0, len(s.Elements))
	for _, el := range s.Elements {
		list = append(list, el)
	}
	return list
}
