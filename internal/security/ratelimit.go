// Package security holds the gateway's admission controls.
package security

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// client is the token bucket tracked for one remote IP.
type client struct {
	bucket *rate.Limiter
	seen   time.Time
}

// RateLimiter throttles websocket handshakes per remote IP. A browser
// reconnect storm from one address burns that address's bucket without
// starving other collaborators. Idle buckets are evicted in the
// background; per-socket message limits are the gateway read loop's job,
// not this type's.
type RateLimiter struct {
	mu      sync.Mutex
	perIP   map[string]*client
	r       rate.Limit
	burst   int
	idleTTL time.Duration
	maxIPs  int
	cancel  context.CancelFunc
}

// NewRateLimiter creates a limiter granting r handshakes per second with
// the given burst per IP, and starts the idle-bucket eviction loop.
func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	rl := &RateLimiter{
		perIP:   make(map[string]*client),
		r:       r,
		burst:   burst,
		idleTTL: 10 * time.Minute,
		maxIPs:  10000,
		cancel:  cancel,
	}
	go rl.evictIdle(ctx)
	return rl
}

// Allow reports whether a handshake from ip may proceed now.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	c, ok := rl.perIP[ip]
	if !ok {
		if len(rl.perIP) >= rl.maxIPs {
			rl.mu.Unlock()
			// Refusing the handshake beats unbounded growth under an
			// address-spraying flood.
			return false
		}
		c = &client{bucket: rate.NewLimiter(rl.r, rl.burst)}
		rl.perIP[ip] = c
	}
	c.seen = time.Now()
	rl.mu.Unlock()

	return c.bucket.Allow()
}

// UpdateRate applies reloaded limit settings. Existing buckets are
// dropped so every IP starts fresh under the new rate.
func (rl *RateLimiter) UpdateRate(r rate.Limit, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.r = r
	rl.burst = burst
	rl.perIP = make(map[string]*client)
}

// Stop ends the eviction loop.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) evictIdle(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.mu.Lock()
			for ip, c := range rl.perIP {
				if time.Since(c.seen) > rl.idleTTL {
					delete(rl.perIP, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}
