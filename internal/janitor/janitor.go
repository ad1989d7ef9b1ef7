// Package janitor runs the background reclamation loops: dropping
// connection records that stopped heartbeating and evicting rooms nobody
// is connected to anymore.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/inkwell-app/inksync/internal/presence"
	"github.com/inkwell-app/inksync/internal/store"
)

// Config controls the sweep cadence and thresholds.
type Config struct {
	Interval       time.Duration // how often both sweeps run
	StaleConnAge   time.Duration // connection records older than this are dropped
	EmptyRoomGrace time.Duration // empty rooms are evicted after this much emptiness
}

// Janitor periodically reclaims stale connection records and evicts empty
// rooms from process memory. Evicted rooms stay in the shared cache until
// their TTL expires, so a returning client gets a warm reload.
type Janitor struct {
	cfg      Config
	store    *store.Store
	presence *presence.Tracker

	// OnEvict is invoked for each evicted room, after eviction. Used by
	// the engine wiring to stop resync heartbeats. May be nil.
	OnEvict func(roomID string)

	// OnStale is invoked for each connection record dropped by the stale
	// sweep, so the engine can finish the leave sequence the teardown
	// path never ran. May be nil.
	OnStale func(rec presence.Record)

	emptySince map[string]time.Time
}

// New creates a Janitor. Call Run to start sweeping.
func New(cfg Config, st *store.Store, pr *presence.Tracker) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Janitor{
		cfg:        cfg,
		store:      st,
		presence:   pr,
		emptySince: make(map[string]time.Time),
	}
}

// Run blocks, sweeping every Interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(time.Now())
		}
	}
}

// Sweep performs one pass of both reclamation jobs. Exposed for tests and
// for a final sweep during shutdown.
func (j *Janitor) Sweep(now time.Time) {
	if dropped := j.presence.SweepStale(j.cfg.StaleConnAge); len(dropped) > 0 {
		slog.Info("dropped stale connection records", "count", len(dropped))
		if j.OnStale != nil {
			for _, rec := range dropped {
				j.OnStale(rec)
			}
		}
	}
	j.sweepEmptyRooms(now)
}

// sweepEmptyRooms evicts rooms that have had zero connections for the
// whole grace window. The window prevents evicting a room during a brief
// reconnect gap.
func (j *Janitor) sweepEmptyRooms(now time.Time) {
	resident := make(map[string]bool)
	for _, roomID := range j.store.RoomIDs() {
		resident[roomID] = true
		if j.presence.RoomCount(roomID) > 0 {
			delete(j.emptySince, roomID)
			continue
		}
		since, seen := j.emptySince[roomID]
		if !seen {
			j.emptySince[roomID] = now
			continue
		}
		if now.Sub(since) >= j.cfg.EmptyRoomGrace {
			j.store.Evict(roomID)
			delete(j.emptySince, roomID)
			if j.OnEvict != nil {
				j.OnEvict(roomID)
			}
			slog.Info("evicted empty room", "room", roomID, "empty_for", now.Sub(since).String())
		}
	}
	// Forget rooms that were evicted elsewhere.
	for roomID := range j.emptySince {
		if !resident[roomID] {
			delete(j.emptySince, roomID)
		}
	}
}
