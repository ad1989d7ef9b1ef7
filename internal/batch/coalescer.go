// Package batch coalesces high-frequency point-stream updates so a freehand
// stroke commits and broadcasts as one unit instead of dozens.
package batch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/inkwell-app/inksync/internal/room"
)

// FlushFunc commits a drained batch: ops are in arrival order and all share
// the same room and element.
type FlushFunc func(roomID string, ops []*room.Operation)

// Coalescer buckets operations by (room, element). Each Add appends to the
// bucket's queue and re-arms its debounce timer; re-arming always replaces
// the prior timer, never stacks. When the timer fires the whole queue is
// handed to the flush callback in one call. Once armed, a flush is
// unconditional: a socket disconnecting while its stroke is buffered does
// not cancel the pending commit, so draws are never silently lost.
type Coalescer struct {
	mu     sync.Mutex
	delay  time.Duration
	flush  FlushFunc
	queues map[string][]*room.Operation
	timers map[string]*time.Timer
}

// New creates a Coalescer with the given debounce window.
func New(delay time.Duration, flush FlushFunc) *Coalescer {
	return &Coalescer{
		delay:  delay,
		flush:  flush,
		queues: make(map[string][]*room.Operation),
		timers: make(map[string]*time.Timer),
	}
}

func bucketKey(op *room.Operation) string {
	return op.RoomID + "\x00" + op.ElementID
}

// Add queues an operation and (re)arms its bucket's debounce timer.
func (c *Coalescer) Add(op *room.Operation) {
	key := bucketKey(op)

	c.mu.Lock()
	c.queues[key] = append(c.queues[key], op)
	if t, ok := c.timers[key]; ok {
		t.Stop()
	}
	c.timers[key] = time.AfterFunc(c.delay, func() { c.fire(key) })
	c.mu.Unlock()
}

// fire drains one bucket and commits it. Runs on the timer goroutine.
func (c *Coalescer) fire(key string) {
	c.mu.Lock()
	ops := c.queues[key]
	delete(c.queues, key)
	delete(c.timers, key)
	c.mu.Unlock()

	if len(ops) == 0 {
		return
	}
	slog.Debug("flushing coalesced batch", "room", ops[0].RoomID, "element", ops[0].ElementID, "ops", len(ops))
	c.flush(ops[0].RoomID, ops)
}

// FlushAll drains every pending bucket immediately. Called on shutdown so
// a drain doesn't drop buffered strokes.
func (c *Coalescer) FlushAll() {
	c.mu.Lock()
	keys := make([]string, 0, len(c.queues))
	for key := range c.queues {
		keys = append(keys, key)
	}
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = make(map[string]*time.Timer)
	c.mu.Unlock()

	for _, key := range keys {
		c.fire(key)
	}
}

// Pending returns the number of buckets with queued operations.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues)
}
