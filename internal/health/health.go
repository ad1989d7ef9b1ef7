package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/inkwell-app/inksync/internal/engine"
	"github.com/inkwell-app/inksync/internal/logring"
	"github.com/inkwell-app/inksync/internal/store"
)

// Response is the JSON response from the /health endpoint.
type Response struct {
	Status         string   `json:"status"`
	Uptime         string   `json:"uptime"`
	Rooms          int      `json:"rooms"`
	Connections    int      `json:"connections"`
	RedisReachable bool     `json:"redis_reachable"`
	Version        string   `json:"version"`
	Timestamp      string   `json:"timestamp"`
	Details        *Details `json:"details,omitempty"`
}

// Details contains extended health information.
type Details struct {
	PerRoom        any     `json:"per_room,omitempty"`
	PendingBatches int     `json:"pending_batches"`
	MemoryMB       float64 `json:"memory_mb"`
	GoroutineCount int     `json:"goroutines"`
}

// Handler serves the health check endpoint. The health listener binds a
// separate address from the WebSocket listener so monitoring tools can
// poll it without holding a sync connection.
type Handler struct {
	startTime time.Time
	engine    *engine.Engine
	cache     store.Cache
	version   string
	detailed  bool
}

// NewHandler creates a new health check handler.
func NewHandler(e *engine.Engine, cache store.Cache, version string, detailed bool) *Handler {
	return &Handler{
		startTime: time.Now(),
		engine:    e,
		cache:     cache,
		version:   version,
		detailed:  detailed,
	}
}

// ServeHTTP handles health check requests. The server keeps accepting
// traffic when redis is down (memory-resident rooms still sync), so a
// redis outage reports "degraded" with 200 rather than 503.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	redisOK := h.checkRedis(r.Context())

	status := "ok"
	if !redisOK {
		status = "degraded"
	}

	stats := h.engine.CurrentStats()
	resp := Response{
		Status:         status,
		Uptime:         time.Since(h.startTime).Round(time.Second).String(),
		Rooms:          stats.Rooms,
		Connections:    stats.Connections,
		RedisReachable: redisOK,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Version = h.version
		resp.Details = &Details{
			PerRoom:        stats.PerRoom,
			PendingBatches: h.engine.CoalescerPending(),
			MemoryMB:       float64(memStats.Alloc) / 1024 / 1024,
			GoroutineCount: runtime.NumGoroutine(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) checkRedis(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := h.cache.Ping(ctx); err != nil {
		slog.Debug("redis unreachable", "error", err)
		return false
	}
	return true
}

// LogsHandler serves recent log entries captured in the ring buffer.
// Query params: limit (default 100), level (debug|info|warn|error).
type LogsHandler struct {
	ring *logring.RingBuffer
}

// NewLogsHandler creates a handler over the given ring buffer.
func NewLogsHandler(ring *logring.RingBuffer) *LogsHandler {
	return &LogsHandler{ring: ring}
}

func (h *LogsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	minLevel := parseLevel(r.URL.Query().Get("level"))

	entries := h.ring.Entries(limit, minLevel, time.Time{})
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"count":   len(entries),
		"entries": entries,
	})
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
