package logring

import (
	"context"
	"log/slog"
)

// TeeHandler is a slog.Handler that duplicates every record into a
// RingBuffer on its way to the real handler. The engine and gateway log
// through it so /logs shows the same stream the log file gets.
type TeeHandler struct {
	inner  slog.Handler
	ring   *RingBuffer
	preset []slog.Attr
	groups []string
}

// NewTeeHandler wraps inner, capturing each record into ring.
func NewTeeHandler(inner slog.Handler, ring *RingBuffer) *TeeHandler {
	return &TeeHandler{inner: inner, ring: ring}
}

// Enabled delegates to the inner handler so the ring never captures
// levels the configured logger would drop.
func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle captures the record and forwards it.
func (h *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := LogEntry{Time: r.Time, Level: r.Level, Message: r.Message}

	prefix := ""
	for _, g := range h.groups {
		prefix += g + "."
	}
	attrs := make(map[string]any, r.NumAttrs()+len(h.preset))
	for _, a := range h.preset {
		attrs[prefix+a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = a.Value.Any()
		return true
	})
	if len(attrs) > 0 {
		entry.Attrs = attrs
	}
	h.ring.Add(entry)

	return h.inner.Handle(ctx, r)
}

// WithAttrs carries pre-set attributes into both the inner handler and
// the captured entries.
func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	preset := make([]slog.Attr, 0, len(h.preset)+len(attrs))
	preset = append(preset, h.preset...)
	preset = append(preset, attrs...)
	return &TeeHandler{
		inner:  h.inner.WithAttrs(attrs),
		ring:   h.ring,
		preset: preset,
		groups: h.groups,
	}
}

// WithGroup prefixes subsequent attribute keys with the group name, the
// flattened equivalent of slog's nested groups.
func (h *TeeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	groups := make([]string, 0, len(h.groups)+1)
	groups = append(groups, h.groups...)
	groups = append(groups, name)
	return &TeeHandler{
		inner:  h.inner.WithGroup(name),
		ring:   h.ring,
		preset: h.preset,
		groups: groups,
	}
}
