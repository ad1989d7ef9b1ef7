package fanout

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/inkwell-app/inksync/internal/room"
)

// fakeBus is an in-process Bus connecting any number of subscribers.
type fakeBus struct {
	mu   sync.Mutex
	subs []*fakeSub
}

type fakeSub struct {
	patterns []string
	ch       chan Message
	closed   bool
	mu       sync.Mutex
}

func newFakeBus() *fakeBus { return &fakeBus{} }

func (b *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	subs := append([]*fakeSub(nil), b.subs...)
	b.mu.Unlock()
	for _, s := range subs {
		if s.matches(channel) {
			s.deliver(Message{Channel: channel, Payload: payload})
		}
	}
	return nil
}

func (b *fakeBus) PSubscribe(ctx context.Context, patterns ...string) (Subscription, error) {
	s := &fakeSub{patterns: patterns, ch: make(chan Message, 64)}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

func (s *fakeSub) matches(channel string) bool {
	for _, p := range s.patterns {
		// Patterns here are only ever "room:*<suffix>".
		suffix := strings.TrimPrefix(p, "room:*")
		if strings.HasPrefix(channel, "room:") && strings.HasSuffix(channel, suffix) {
			return true
		}
	}
	return false
}

func (s *fakeSub) deliver(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.ch <- m
	}
}

func (s *fakeSub) Messages() <-chan Message { return s.ch }

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

// recordingSink captures foreign deliveries.
type recordingSink struct {
	mu      sync.Mutex
	ops     []*room.Operation
	batches [][]*room.Operation
}

func (r *recordingSink) ReceiveOperation(ctx context.Context, op *room.Operation) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

func (r *recordingSink) ReceiveBatch(ctx context.Context, ops []*room.Operation) {
	r.mu.Lock()
	r.batches = append(r.batches, ops)
	r.mu.Unlock()
}

func (r *recordingSink) opCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}

func (r *recordingSink) batchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func testOp(roomID string) *room.Operation {
	return &room.Operation{
		ID: "op1", Type: room.TypeElementStart, ElementID: "e1",
		AuthorID: "u1", RoomID: roomID, Timestamp: 1,
		Data: room.ElementPayload{Element: room.Element{ID: "e1"}},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestCrossInstanceDelivery(t *testing.T) {
	// Two instances A and B on the same bus. An operation published by A
	// must reach B's sink, and must not be re-delivered to A's own sink.
	bus := newFakeBus()
	sinkA := &recordingSink{}
	sinkB := &recordingSink{}
	a := New(bus, "A", sinkA)
	b := New(bus, "B", sinkB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go b.Run(ctx)
	time.Sleep(20 * time.Millisecond) // let both subscribe

	if err := a.PublishOperation(ctx, testOp("r1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool { return sinkB.opCount() == 1 })
	if sinkA.opCount() != 0 {
		t.Errorf("instance A re-consumed its own message: %d deliveries", sinkA.opCount())
	}

	sinkB.mu.Lock()
	got := sinkB.ops[0]
	sinkB.mu.Unlock()
	if got.OriginServerID != "A" {
		t.Errorf("originServerId = %q, want A", got.OriginServerID)
	}
	if got.RoomID != "r1" || got.ID != "op1" {
		t.Errorf("delivered op = %+v", got)
	}
}

func TestBatchDelivery(t *testing.T) {
	bus := newFakeBus()
	sinkB := &recordingSink{}
	a := New(bus, "A", &recordingSink{})
	b := New(bus, "B", sinkB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	ops := []*room.Operation{testOp("r1"), testOp("r1"), testOp("r1")}
	if err := a.PublishBatch(ctx, "r1", ops); err != nil {
		t.Fatalf("publish batch: %v", err)
	}

	waitFor(t, func() bool { return sinkB.batchCount() == 1 })
	sinkB.mu.Lock()
	batch := sinkB.batches[0]
	sinkB.mu.Unlock()
	if len(batch) != 3 {
		t.Fatalf("batch size = %d, want 3", len(batch))
	}
	for _, op := range batch {
		if op.OriginServerID != "A" {
			t.Errorf("batch op origin = %q, want A", op.OriginServerID)
		}
	}
}

func TestOwnMessagesDiscarded(t *testing.T) {
	bus := newFakeBus()
	sink := &recordingSink{}
	f := New(bus, "A", sink)

	var mu sync.Mutex
	received := map[string]int{}
	f.OnReceived = func(result string) {
		mu.Lock()
		received[result]++
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	// The subscriber observes its own publication on the bus and drops it.
	if err := f.PublishOperation(ctx, testOp("r1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received["own"] == 1
	})
	if sink.opCount() != 0 {
		t.Errorf("own message reached the sink: %d deliveries", sink.opCount())
	}
}

func TestUndecodablePayloadIgnored(t *testing.T) {
	bus := newFakeBus()
	sink := &recordingSink{}
	f := New(bus, "B", sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	bus.Publish(ctx, "room:r1:operation", []byte("{not json"))

	// A valid message behind it still gets through.
	op := *testOp("r1")
	op.OriginServerID = "A"
	payload, _ := json.Marshal(op)
	bus.Publish(ctx, "room:r1:operation", payload)

	waitFor(t, func() bool { return sink.opCount() == 1 })
}
