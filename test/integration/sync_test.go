//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/inkwell-app/inksync/internal/auth"
	"github.com/inkwell-app/inksync/internal/config"
	"github.com/inkwell-app/inksync/internal/engine"
	"github.com/inkwell-app/inksync/internal/fanout"
	"github.com/inkwell-app/inksync/internal/gateway"
	"github.com/inkwell-app/inksync/internal/health"
	"github.com/inkwell-app/inksync/internal/hub"
	"github.com/inkwell-app/inksync/internal/presence"
	"github.com/inkwell-app/inksync/internal/room"
	"github.com/inkwell-app/inksync/internal/store"
)

// memCache is a process-local stand-in for redis shared by every instance
// in a test.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (c *memCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.data[key]; ok {
		return v, nil
	}
	return nil, store.ErrMiss
}

func (c *memCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) Ping(ctx context.Context) error { return nil }

// memBus is an in-memory pub/sub shared between instances, pattern
// matching just enough for the room channels.
type memBus struct {
	mu   sync.Mutex
	subs []*memSub
}

type memSub struct {
	patterns []string
	ch       chan fanout.Message
	closed   bool
	mu       sync.Mutex
}

func (b *memBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	subs := append([]*memSub(nil), b.subs...)
	b.mu.Unlock()
	for _, s := range subs {
		s.deliver(channel, payload)
	}
	return nil
}

func (b *memBus) PSubscribe(ctx context.Context, patterns ...string) (fanout.Subscription, error) {
	s := &memSub{patterns: patterns, ch: make(chan fanout.Message, 256)}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

func (s *memSub) deliver(channel string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, p := range s.patterns {
		// Patterns are "room:*<suffix>".
		suffix := strings.TrimPrefix(p, "room:*")
		if strings.HasPrefix(channel, "room:") && strings.HasSuffix(channel, suffix) {
			s.ch <- fanout.Message{Channel: channel, Payload: payload}
			return
		}
	}
}

func (s *memSub) Messages() <-chan fanout.Message { return s.ch }

func (s *memSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

type instance struct {
	server *httptest.Server
	engine *engine.Engine
	cache  store.Cache
}

// newInstance boots one full server instance: store, engine, fan-out
// subscriber, gateway, all wired the way main does it.
func newInstance(t *testing.T, serverID string, cache store.Cache, bus fanout.Bus) *instance {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Security.RateLimit.Enabled = false

	st := store.New(cache, time.Hour)
	tracker := presence.NewTracker()
	socketHub := hub.New()

	var eng *engine.Engine
	sink := sinkFunc(func(ctx context.Context, op *room.Operation, ops []*room.Operation) {
		if op != nil {
			eng.ReceiveOperation(ctx, op)
		} else {
			eng.ReceiveBatch(ctx, ops)
		}
	})
	fo := fanout.New(bus, serverID, sink)

	eng = engine.New(engine.Options{
		Store:            st,
		Presence:         tracker,
		Hub:              socketHub,
		Publisher:        fo,
		ServerID:         serverID,
		DebounceInterval: 30 * time.Millisecond,
	})
	t.Cleanup(eng.Stop)

	fanoutCtx, fanoutCancel := context.WithCancel(context.Background())
	t.Cleanup(fanoutCancel)
	go fo.Run(fanoutCtx)

	resolver := auth.NewResolver("", true)
	handler := gateway.NewHandler(cfg, gateway.NewConnTracker(), nil, resolver, socketHub, eng, context.Background())
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &instance{server: srv, engine: eng, cache: cache}
}

type sinkFunc func(ctx context.Context, op *room.Operation, ops []*room.Operation)

func (f sinkFunc) ReceiveOperation(ctx context.Context, op *room.Operation) { f(ctx, op, nil) }
func (f sinkFunc) ReceiveBatch(ctx context.Context, ops []*room.Operation) { f(ctx, nil, ops) }

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %q: %v", event, err)
		}
		var env struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("undecodable frame: %v", err)
		}
		if env.Event == event {
			return env.Data
		}
	}
}

func sendOperation(t *testing.T, conn *websocket.Conn, op map[string]any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := json.Marshal(map[string]any{"event": "operation", "data": op})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestSingleInstanceRoundTrip(t *testing.T) {
	inst := newInstance(t, "srv-a", newMemCache(), &memBus{})

	alice := dial(t, inst.server, "roomId=r1&userId=alice")
	readEvent(t, alice, "room-state")
	bob := dial(t, inst.server, "roomId=r1&userId=bob")
	readEvent(t, bob, "room-state")

	sendOperation(t, alice, map[string]any{
		"id":        "op-1",
		"type":      "element_complete",
		"elementId": "el-1",
		"timestamp": 100,
		"data": map[string]any{
			"element": map[string]any{"id": "el-1", "type": "ellipse", "x": 1, "y": 2},
		},
	})

	readEvent(t, alice, "operation_ack")
	opData := readEvent(t, bob, "operation")

	var op room.Operation
	if err := json.Unmarshal(opData, &op); err != nil {
		t.Fatal(err)
	}
	if op.ID != "op-1" || op.AuthorID != "alice" {
		t.Fatalf("unexpected operation: %+v", op)
	}
}

func TestCrossInstanceSync(t *testing.T) {
	cache := newMemCache()
	bus := &memBus{}
	instA := newInstance(t, "srv-a", cache, bus)
	instB := newInstance(t, "srv-b", cache, bus)

	// Alice on instance A, Bob on instance B, same room.
	alice := dial(t, instA.server, "roomId=shared&userId=alice")
	readEvent(t, alice, "room-state")
	bob := dial(t, instB.server, "roomId=shared&userId=bob")
	readEvent(t, bob, "room-state")

	sendOperation(t, alice, map[string]any{
		"id":        "op-x",
		"type":      "element_complete",
		"elementId": "el-x",
		"timestamp": 200,
		"data": map[string]any{
			"element": map[string]any{"id": "el-x", "type": "rectangle", "x": 10, "y": 20},
		},
	})

	// Bob, connected to a different instance, sees the operation.
	opData := readEvent(t, bob, "operation")
	var op room.Operation
	if err := json.Unmarshal(opData, &op); err != nil {
		t.Fatal(err)
	}
	if op.ID != "op-x" {
		t.Fatalf("op id = %q, want op-x", op.ID)
	}
	if op.OriginServerID != "srv-a" {
		t.Errorf("origin = %q, want srv-a", op.OriginServerID)
	}
}

func TestLateJoinerGetsCommittedState(t *testing.T) {
	cache := newMemCache()
	bus := &memBus{}
	inst := newInstance(t, "srv-a", cache, bus)

	alice := dial(t, inst.server, "roomId=r2&userId=alice")
	readEvent(t, alice, "room-state")

	sendOperation(t, alice, map[string]any{
		"id":        "op-1",
		"type":      "element_complete",
		"elementId": "el-1",
		"timestamp": 100,
		"data": map[string]any{
			"element": map[string]any{"id": "el-1", "type": "rectangle", "x": 1, "y": 1},
		},
	})
	readEvent(t, alice, "operation_ack")

	late := dial(t, inst.server, "roomId=r2&userId=carol")
	data := readEvent(t, late, "room-state")

	var snapshot engine.RoomStatePayload
	if err := json.Unmarshal(data, &snapshot); err != nil {
		t.Fatal(err)
	}
	if len(snapshot.Elements) != 1 {
		t.Fatalf("late joiner sees %d elements, want 1", len(snapshot.Elements))
	}
	if snapshot.Version != 1 {
		t.Errorf("version = %d, want 1", snapshot.Version)
	}
}

func TestHealthEndpoint(t *testing.T) {
	cache := newMemCache()
	inst := newInstance(t, "srv-a", cache, &memBus{})

	alice := dial(t, inst.server, "roomId=r3&userId=alice")
	readEvent(t, alice, "room-state")

	healthSrv := httptest.NewServer(health.NewHandler(inst.engine, cache, "test", true))
	defer healthSrv.Close()

	resp, err := http.Get(healthSrv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var hr health.Response
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		t.Fatal(err)
	}
	if hr.Status != "ok" {
		t.Errorf("status = %q, want ok", hr.Status)
	}
	if hr.Rooms != 1 || hr.Connections != 1 {
		t.Errorf("rooms/connections = %d/%d, want 1/1", hr.Rooms, hr.Connections)
	}
}
