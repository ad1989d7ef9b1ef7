// Command ws-loadtest opens many drawing sessions against a running
// inksync server and streams freehand operations at a fixed rate.
//
// Usage:
//
//	go run ./test/loadtest -url ws://localhost:8443 -conns 100 -duration 30s
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	serverURL = flag.String("url", "ws://localhost:8443", "server websocket URL")
	conns     = flag.Int("conns", 50, "number of concurrent connections")
	rooms     = flag.Int("rooms", 5, "number of rooms to spread connections across")
	duration  = flag.Duration("duration", 30*time.Second, "test duration")
	interval  = flag.Duration("interval", 20*time.Millisecond, "delay between point updates per connection")
	rampUp    = flag.Duration("ramp", 5*time.Second, "time over which connections are opened")
)

var (
	connected    atomic.Int64
	connectFails atomic.Int64
	sent         atomic.Int64
	acked        atomic.Int64
	received     atomic.Int64
	errors       atomic.Int64
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func main() {
	flag.Parse()

	log.Printf("starting load test: %d connections, %d rooms, %s duration", *conns, *rooms, *duration)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var wg sync.WaitGroup
	stagger := *rampUp / time.Duration(*conns)
	for i := 0; i < *conns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			time.Sleep(time.Duration(i) * stagger)
			runClient(ctx, i)
		}(i)
	}

	// Progress report once a second.
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				log.Printf("connected=%d sent=%d acked=%d received=%d errors=%d",
					connected.Load(), sent.Load(), acked.Load(), received.Load(), errors.Load())
			}
		}
	}()

	wg.Wait()
	close(done)

	fmt.Println()
	fmt.Println("=== results ===")
	fmt.Printf("connections established: %d\n", connected.Load())
	fmt.Printf("connection failures:     %d\n", connectFails.Load())
	fmt.Printf("operations sent:         %d\n", sent.Load())
	fmt.Printf("operations acked:        %d\n", acked.Load())
	fmt.Printf("events received:         %d\n", received.Load())
	fmt.Printf("errors:                  %d\n", errors.Load())

	if connectFails.Load() > 0 || errors.Load() > 0 {
		os.Exit(1)
	}
}

func runClient(ctx context.Context, i int) {
	roomID := fmt.Sprintf("loadtest-%d", i%*rooms)
	userID := fmt.Sprintf("load-user-%d", i)
	url := fmt.Sprintf("%s/?roomId=%s&userId=%s", *serverURL, roomID, userID)

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	dialCancel()
	if err != nil {
		connectFails.Add(1)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	connected.Add(1)
	defer connected.Add(-1)

	// Drain incoming events so the server's write side never stalls.
	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var env envelope
			if json.Unmarshal(data, &env) != nil {
				continue
			}
			received.Add(1)
			switch env.Event {
			case "operation_ack":
				acked.Add(1)
			case "operation_error", "error":
				errors.Add(1)
			}
		}
	}()

	rng := rand.New(rand.NewSource(int64(i)))
	x, y := float64(rng.Intn(800)), float64(rng.Intn(600))

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	// Each stroke: one element_start, a run of point updates, one
	// element_complete, then start a new stroke.
	const pointsPerStroke = 40
	for {
		elementID := uuid.NewString()
		points := []map[string]float64{{"x": x, "y": y}}

		if !send(ctx, conn, op(elementID, "element_start", map[string]any{
			"element": map[string]any{
				"id":     elementID,
				"type":   "freehand",
				"x":      x,
				"y":      y,
				"points": points,
			},
		})) {
			return
		}

		for j := 0; j < pointsPerStroke; j++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			x += float64(rng.Intn(11) - 5)
			y += float64(rng.Intn(11) - 5)
			points = append(points, map[string]float64{"x": x, "y": y})
			if !send(ctx, conn, op(elementID, "element_update", map[string]any{
				"updates": map[string]any{"points": points},
			})) {
				return
			}
		}

		if !send(ctx, conn, op(elementID, "element_complete", map[string]any{
			"element": map[string]any{
				"id":     elementID,
				"type":   "freehand",
				"x":      x,
				"y":      y,
				"points": points,
			},
		})) {
			return
		}
	}
}

func op(elementID, opType string, data map[string]any) map[string]any {
	return map[string]any{
		"id":        uuid.NewString(),
		"type":      opType,
		"elementId": elementID,
		"timestamp": time.Now().UnixMilli(),
		"data":      data,
	}
}

func send(ctx context.Context, conn *websocket.Conn, operation map[string]any) bool {
	payload, err := json.Marshal(map[string]any{"event": "operation", "data": operation})
	if err != nil {
		errors.Add(1)
		return false
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		if ctx.Err() == nil {
			errors.Add(1)
		}
		return false
	}
	sent.Add(1)
	return true
}
