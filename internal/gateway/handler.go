// Package gateway is the WebSocket front door: it authenticates the
// handshake, enforces connection and message limits, and pumps decoded
// client frames into the sync engine.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/inkwell-app/inksync/internal/auth"
	"github.com/inkwell-app/inksync/internal/config"
	"github.com/inkwell-app/inksync/internal/engine"
	"github.com/inkwell-app/inksync/internal/hub"
	"github.com/inkwell-app/inksync/internal/metrics"
	"github.com/inkwell-app/inksync/internal/room"
	"github.com/inkwell-app/inksync/internal/security"
)

// Client→server event names.
const (
	clientEventOperation     = "operation"
	clientEventCursor        = "cursor-update"
	clientEventDrawingStatus = "drawing-status"
)

// clientFrame is the envelope every client message arrives in.
type clientFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Handler accepts WebSocket connections from canvas clients.
type Handler struct {
	Config      *config.Config
	Conns       *ConnTracker
	RateLimiter *security.RateLimiter
	Auth        *auth.Resolver
	Hub         *hub.Hub
	Engine      *engine.Engine
	Metrics     *metrics.Metrics // optional, nil if metrics disabled
	ShutdownCtx context.Context  // cancelled on server shutdown

	// drainCtx is cancelled when the server begins draining connections.
	// Active connections watch this to send graceful close frames.
	drainCtx    context.Context
	drainCancel context.CancelFunc

	// mu protects Config and Auth during hot-reload
	mu sync.RWMutex
}

// NewHandler creates a new gateway handler.
func NewHandler(cfg *config.Config, conns *ConnTracker, rl *security.RateLimiter, resolver *auth.Resolver, h *hub.Hub, e *engine.Engine, shutdownCtx context.Context) *Handler {
	drainCtx, drainCancel := context.WithCancel(context.Background())
	return &Handler{
		Config:      cfg,
		Conns:       conns,
		RateLimiter: rl,
		Auth:        resolver,
		Hub:         h,
		Engine:      e,
		ShutdownCtx: shutdownCtx,
		drainCtx:    drainCtx,
		drainCancel: drainCancel,
	}
}

// StartDrain signals all active connections to begin graceful shutdown.
// Each connection's drain watcher will send a WebSocket close frame.
func (h *Handler) StartDrain() {
	h.drainCancel()
}

// GetConfig returns the current config (thread-safe for hot-reload).
func (h *Handler) GetConfig() *config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.Config
}

// UpdateConfig swaps the config and auth resolver (called on SIGHUP).
func (h *Handler) UpdateConfig(cfg *config.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Config = cfg
	h.Auth = auth.NewResolver(cfg.Security.JWTSecret, cfg.Security.AllowGuests)
}

func (h *Handler) getAuth() *auth.Resolver {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.Auth
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.GetConfig()

	// 1. Parse client IP (needed for rate limiting and connection tracking)
	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		slog.Error("failed to parse remote address", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	// 2. Rate limit check
	if cfg.Security.RateLimit.Enabled && h.RateLimiter != nil && !h.RateLimiter.Allow(clientIP) {
		slog.Warn("rate limit exceeded", "client_ip", clientIP)
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	// 3. A room is mandatory: there is no lobby connection.
	roomID := r.URL.Query().Get("roomId")
	if roomID == "" {
		slog.Warn("rejected connection without roomId", "client_ip", clientIP)
		http.Error(w, "roomId query parameter is required", http.StatusBadRequest)
		return
	}

	// 4. Resolve identity before upgrading
	identity, err := h.getAuth().Resolve(r)
	if err != nil {
		slog.Warn("rejected unauthenticated connection", "client_ip", clientIP, "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	// 5. Connection limits (atomic check-and-claim to prevent a race)
	if reason := h.Conns.TryAcquire(clientIP, cfg.Security.MaxConnections, cfg.Security.MaxConnectionsPerIP); reason != "" {
		if reason == "max_connections" {
			slog.Warn("max connections reached", "current", h.Conns.Active(), "max", cfg.Security.MaxConnections)
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		} else {
			slog.Warn("max connections per IP reached", "client_ip", clientIP, "current", h.Conns.ActiveForIP(clientIP))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		}
		return
	}
	if h.Metrics != nil {
		h.Metrics.ConnectionsTotal.Inc()
		h.Metrics.ActiveConnections.Inc()
	}

	// 6. Accept the WebSocket
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.Conns.Release(clientIP)
		if h.Metrics != nil {
			h.Metrics.ActiveConnections.Dec()
			h.Metrics.ErrorsTotal.WithLabelValues("accept_failure").Inc()
		}
		slog.Error("failed to accept WebSocket", "error", err)
		return
	}
	conn.SetReadLimit(cfg.Server.MaxMessageSize)

	socketID := uuid.NewString()

	// connCtx outlives ServeHTTP: r.Context() is cancelled when this
	// handler returns, which would tear the socket down mid-session.
	connCtx, connCancel := context.WithCancel(h.ShutdownCtx)

	h.Hub.Register(roomID, socketID, conn)
	h.Engine.HandleJoin(connCtx, socketID, identity.UserID, identity.Name, roomID)
	slog.Info("connection established",
		"client_ip", clientIP, "room", roomID, "user", identity.UserID,
		"socket", socketID, "guest", identity.Guest)

	// Keepalive pings detect dead connections. Ping must run concurrently
	// with the read loop per coder/websocket docs.
	if cfg.Server.PingInterval > 0 {
		go h.keepAlive(connCtx, conn, cfg.Server.PingInterval, connCancel)
	}

	// Drain watcher: when the server starts draining, send a graceful
	// close frame. The read loop then returns and teardown proceeds.
	var closeOnce sync.Once
	closeConn := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() { conn.Close(code, reason) })
	}
	go func() {
		select {
		case <-h.drainCtx.Done():
			closeConn(websocket.StatusGoingAway, "server shutting down")
		case <-connCtx.Done():
			// Connection already closing for another reason
		}
	}()

	// Per-socket message rate limiter
	var msgLimiter *rate.Limiter
	if cfg.Security.RateLimit.Enabled && cfg.Security.RateLimit.MessagesPerSecond > 0 {
		msgLimiter = rate.NewLimiter(rate.Limit(cfg.Security.RateLimit.MessagesPerSecond), cfg.Security.RateLimit.MessagesPerSecond)
	}

	go func() {
		start := time.Now()
		h.readLoop(connCtx, conn, socketID, identity.UserID, roomID, msgLimiter)

		connCancel()
		closeConn(websocket.StatusGoingAway, "")
		h.Hub.Unregister(roomID, socketID)
		h.Engine.HandleLeave(h.ShutdownCtx, socketID, identity.UserID, roomID)
		h.Conns.Release(clientIP)
		if h.Metrics != nil {
			h.Metrics.ActiveConnections.Dec()
		}
		slog.Info("connection closed",
			"client_ip", clientIP, "room", roomID, "socket", socketID,
			"duration", time.Since(start).String())
	}()
}

// readLoop pumps client frames into the engine until the socket closes or
// the context is cancelled.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, socketID, userID, roomID string, msgLimiter *rate.Limiter) {
	defer func() {
		// A malformed frame must never take the whole server down.
		if rec := recover(); rec != nil {
			slog.Error("panic in read loop", "room", roomID, "socket", socketID, "panic", rec)
			if h.Metrics != nil {
				h.Metrics.ErrorsTotal.WithLabelValues("read_loop_panic").Inc()
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			slog.Debug("read loop stopped", "socket", socketID, "reason", err)
			return
		}

		if msgLimiter != nil {
			if err := msgLimiter.Wait(ctx); err != nil {
				slog.Debug("message rate limit", "socket", socketID, "reason", err)
				return
			}
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug("undecodable frame", "socket", socketID, "error", err)
			if h.Metrics != nil {
				h.Metrics.ErrorsTotal.WithLabelValues("bad_frame").Inc()
			}
			continue
		}

		h.dispatch(ctx, frame, socketID, userID, roomID)
	}
}

// dispatch routes one decoded frame. The authenticated identity and the
// handshake room always win over whatever the payload claims.
func (h *Handler) dispatch(ctx context.Context, frame clientFrame, socketID, userID, roomID string) {
	switch frame.Event {
	case clientEventOperation:
		var op room.Operation
		if err := json.Unmarshal(frame.Data, &op); err != nil {
			slog.Debug("undecodable operation", "socket", socketID, "error", err)
			if h.Metrics != nil {
				h.Metrics.ErrorsTotal.WithLabelValues("bad_operation").Inc()
			}
			return
		}
		op.RoomID = roomID
		op.AuthorID = userID
		op.OriginServerID = ""
		h.Engine.HandleOperation(ctx, socketID, &op)

	case clientEventCursor:
		var upd engine.CursorUpdate
		if err := json.Unmarshal(frame.Data, &upd); err != nil {
			slog.Debug("undecodable cursor update", "socket", socketID, "error", err)
			return
		}
		upd.UserID = userID
		h.Engine.HandleCursor(ctx, socketID, roomID, upd)

	case clientEventDrawingStatus:
		var upd engine.DrawingStatus
		if err := json.Unmarshal(frame.Data, &upd); err != nil {
			slog.Debug("undecodable drawing status", "socket", socketID, "error", err)
			return
		}
		upd.UserID = userID
		h.Engine.HandleDrawingStatus(ctx, socketID, roomID, upd)

	default:
		slog.Debug("unknown client event", "socket", socketID, "event", frame.Event)
	}
}

// keepAlive sends periodic WebSocket pings to detect dead connections.
// If a ping fails or times out, it closes the socket and cancels the
// connection context.
func (h *Handler) keepAlive(ctx context.Context, conn *websocket.Conn, interval time.Duration, onFail context.CancelFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				slog.Debug("keepalive ping failed, closing connection", "error", err)
				conn.Close(websocket.StatusGoingAway, "keepalive timeout")
				onFail()
				return
			}
		}
	}
}
