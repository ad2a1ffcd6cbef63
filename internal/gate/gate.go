// Package gate limits the frame pipeline to a single outstanding frame.
package gate

import (
	"sync"
	"time"
)

// Gate admits at most one in-flight frame. A slot that is never released
// reopens on its own once the timeout has elapsed since acquisition.
type Gate struct {
	mu        sync.Mutex
	timeout   time.Duration
	clock     func() time.Time
	inFlight  bool
	expiresAt time.Time
	stats     Stats
}

// Stats counts gate decisions since construction.
type Stats struct {
	Admitted uint64
	Denied   uint64
	Released uint64
	TimedOut uint64
}

func New(timeout time.Duration) *Gate {
	return &Gate{timeout: timeout, clock: time.Now}
}

// TryAcquire marks the gate in-flight and returns true if it was free.
// It never blocks.
func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	if g.inFlight && !now.Before(g.expiresAt) {
		g.inFlight = false
		g.stats.TimedOut++
	}
	if g.inFlight {
		g.stats.Denied++
		return false
	}
	g.inFlight = true
	g.expiresAt = now.Add(g.timeout)
	g.stats.Admitted++
	return true
}

// Release clears the in-flight flag. Releasing a free gate is a no-op.
// Callers release only for the reply to the frame holding the slot.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.inFlight {
		return
	}
	g.inFlight = false
	g.stats.Released++
}

// held reports whether a frame currently holds an unexpired slot.
func (g *Gate) held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight && g.clock().Before(g.expiresAt)
}

// Reset frees the slot without counting a release.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.inFlight = false
	g.mu.Unlock()
}

func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}
