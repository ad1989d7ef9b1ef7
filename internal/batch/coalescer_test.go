package batch

import (
	"sync"
	"testing"
	"time"

	"github.com/inkwell-app/inksync/internal/room"
)

func pointOp(roomID, elementID, id string, ts int64) *room.Operation {
	return &room.Operation{
		ID:        id,
		Type:      room.TypeElementUpdate,
		ElementID: elementID,
		AuthorID:  "u1",
		RoomID:    roomID,
		Timestamp: ts,
		Data:      room.Patch{Points: []room.Point{{X: float64(ts), Y: 0}}},
	}
}

type recorder struct {
	mu      sync.Mutex
	flushes [][]*room.Operation
}

func (r *recorder) flush(roomID string, ops []*room.Operation) {
	r.mu.Lock()
	r.flushes = append(r.flushes, ops)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flushes)
}

func (r *recorder) batch(i int) []*room.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushes[i]
}

func TestCoalesceWindowProducesSingleBatch(t *testing.T) {
	rec := &recorder{}
	c := New(20*time.Millisecond, rec.flush)

	const n = 5
	for i := 0; i < n; i++ {
		c.Add(pointOp("r1", "e1", "op"+string(rune('0'+i)), int64(i+1)))
	}

	deadline := time.Now().Add(time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if got := rec.count(); got != 1 {
		t.Fatalf("flushes = %d, want 1", got)
	}
	ops := rec.batch(0)
	if len(ops) != n {
		t.Fatalf("batch size = %d, want %d", len(ops), n)
	}
	// Arrival order preserved.
	for i, op := range ops {
		if op.Timestamp != int64(i+1) {
			t.Errorf("ops[%d].Timestamp = %d, want %d", i, op.Timestamp, i+1)
		}
	}
	if c.Pending() != 0 {
		t.Errorf("pending buckets after flush = %d, want 0", c.Pending())
	}
}

func TestBucketsAreIndependent(t *testing.T) {
	rec := &recorder{}
	c := New(10*time.Millisecond, rec.flush)

	c.Add(pointOp("r1", "e1", "a", 1))
	c.Add(pointOp("r1", "e2", "b", 2))
	c.Add(pointOp("r2", "e1", "c", 3))

	deadline := time.Now().Add(time.Second)
	for rec.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := rec.count(); got != 3 {
		t.Fatalf("flushes = %d, want 3 (one per bucket)", got)
	}
	for i := 0; i < 3; i++ {
		if len(rec.batch(i)) != 1 {
			t.Errorf("batch %d size = %d, want 1", i, len(rec.batch(i)))
		}
	}
}

func TestRearmReplacesTimer(t *testing.T) {
	rec := &recorder{}
	c := New(30*time.Millisecond, rec.flush)

	// Keep feeding the same bucket inside the window; the debounce must
	// keep pushing the flush out instead of firing once per Add.
	for i := 0; i < 4; i++ {
		c.Add(pointOp("r1", "e1", "op", int64(i+1)))
		time.Sleep(10 * time.Millisecond)
	}

	deadline := time.Now().Add(time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := rec.count(); got != 1 {
		t.Fatalf("flushes = %d, want 1", got)
	}
	if got := len(rec.batch(0)); got != 4 {
		t.Errorf("batch size = %d, want 4", got)
	}
}

func TestFlushAllDrainsPendingBuckets(t *testing.T) {
	rec := &recorder{}
	c := New(time.Hour, rec.flush) // never fires on its own

	c.Add(pointOp("r1", "e1", "a", 1))
	c.Add(pointOp("r1", "e2", "b", 2))

	c.FlushAll()

	if got := rec.count(); got != 2 {
		t.Fatalf("flushes after FlushAll = %d, want 2", got)
	}
	if c.Pending() != 0 {
		t.Errorf("pending = %d, want 0", c.Pending())
	}

	// Idempotent: nothing left to drain.
	c.FlushAll()
	if got := rec.count(); got != 2 {
		t.Errorf("flushes after second FlushAll = %d, want 2", got)
	}
}
