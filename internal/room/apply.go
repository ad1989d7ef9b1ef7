package room

// Apply folds one operation into a room state and returns the result.
// It is pure: the input state is never mutated, the returned state has its
// own elements map. Version increments by exactly one per call, regardless
// of whether the operation had any effect — update/transform against a
// missing element is an intentional no-op, not an error, so re-ordered or
// re-delivered operations stay harmless.
//
// Conflicts resolve by field-level last-write-wins in arrival order.
func Apply(s *State, op *Operation) *State {
	next := s.Clone()

	switch op.Type {
	case TypeElementStart:
		el := elementFrom(op)
		el.IsTemporary = true
		next.Elements[op.ElementID] = el

	case TypeElementComplete:
		el := elementFrom(op)
		el.IsTemporary = false
		next.Elements[op.ElementID] = el

	case TypeElementUpdate:
		if el, ok := next.Elements[op.ElementID]; ok {
			if p, ok := op.Data.(Patch); ok {
				el = mergePatch(el, p)
			}
			el.LastModified = op.Timestamp
			next.Elements[op.ElementID] = el
		}

	case TypeElementTransform:
		if el, ok := next.Elements[op.ElementID]; ok {
			if p, ok := op.Data.(TransformPayload); ok {
				el = mergePatch(el, p.Transform)
			}
			el.LastModified = op.Timestamp
			next.Elements[op.ElementID] = el
		}

	case TypeElementDelete:
		delete(next.Elements, op.ElementID)
	}

	next.LastModified = op.Timestamp
	next.Version++
	return next
}

func elementFrom(op *Operation) Element {
	var el Element
	if p, ok := op.Data.(ElementPayload); ok {
		el = p.Element
	}
	if el.ID == "" {
		el.ID = op.ElementID
	}
	el.AuthorID = op.AuthorID
	return el
}

func mergePatch(el Element, p Patch) Element {
	if p.X != nil {
		el.X = *p.X
	}
	if p.Y != nil {
		el.Y = *p.Y
	}
	if p.Width != nil {
		el.Width = *p.Width
	}
	if p.Height != nil {
		el.Height = *p.Height
	}
	if p.Points != nil {
		el.Points = p.Points
	}
	if p.StrokeColor != nil {
		el.StrokeColor = *p.StrokeColor
	}
	if p.StrokeWidth != nil {
		el.StrokeWidth = *p.StrokeWidth
	}
	if p.Roughness != nil {
		el.Roughness = *p.Roughness
	}
	if p.Text != nil {
		el.Text = *p.Text
	}
	if p.FontSize != nil {
		el.FontSize = *p.FontSize
	}
	if p.FontFamily != nil {
		el.FontFamily = *p.FontFamily
	}
	if p.ImageURL != nil {
		el.ImageURL = *p.ImageURL
	}
	if p.AspectRatio != nil {
		el.AspectRatio = *p.AspectRatio
	}
	return el
}
