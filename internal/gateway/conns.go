package gateway

import (
	"sync"
	"sync/atomic"
)

// ConnTracker counts active sockets globally and per client IP, enforcing
// both caps atomically.
type ConnTracker struct {
	active atomic.Int64
	total  atomic.Int64

	ipConns map[string]int
	ipMu    sync.Mutex
}

// NewConnTracker creates an empty tracker.
func NewConnTracker() *ConnTracker {
	return &ConnTracker{
		ipConns: make(map[string]int),
	}
}

// Active returns the current number of open sockets.
func (t *ConnTracker) Active() int {
	return int(t.active.Load())
}

// ActiveForIP returns the open socket count for one client IP.
func (t *ConnTracker) ActiveForIP(ip string) int {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()
	return t.ipConns[ip]
}

// TryAcquire atomically checks both limits and claims a slot.
// Returns "" on success, or a reason string if a limit was hit.
func (t *ConnTracker) TryAcquire(ip string, maxGlobal, maxPerIP int) string {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()

	// Read the atomic under the lock to prevent a check/increment race.
	if int(t.active.Load()) >= maxGlobal {
		return "max_connections"
	}
	if t.ipConns[ip] >= maxPerIP {
		return "max_connections_per_ip"
	}

	t.active.Add(1)
	t.total.Add(1)
	t.ipConns[ip]++
	return ""
}

// Release frees a slot claimed by TryAcquire.
func (t *ConnTracker) Release(ip string) {
	t.active.Add(-1)
	t.ipMu.Lock()
	t.ipConns[ip]--
	if t.ipConns[ip] <= 0 {
		delete(t.ipConns, ip)
	}
	t.ipMu.Unlock()
}

// Total returns the number of sockets handled since start.
func (t *ConnTracker) Total() int64 {
	return t.total.Load()
}
