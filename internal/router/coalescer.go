// internal/router/coalescer.go
package router

import (
	"sync"
	"time"
)

type pairKey struct {
	code     string
	playerID string
}

// Coalescer remembers recent joins so that a leave arriving shortly after a
// join for the same (session, player) pair is treated as a reconnect artifact.
type Coalescer struct {
	mu     sync.Mutex
	window time.Duration
	joins  map[pairKey]time.Time
	now    func() time.Time
}

func NewCoalescer(window time.Duration) *Coalescer {
	return &Coalescer{
		window: window,
		joins:  make(map[pairKey]time.Time),
		now:    time.Now,
	}
}

// NoteJoin records an accepted join and prunes expired entries.
func (c *Coalescer) NoteJoin(code, playerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, at := range c.joins {
		if now.Sub(at) >= c.window {
			delete(c.joins, k)
		}
	}
	c.joins[pairKey{code, playerID}] = now
}

// Remaining returns how much of the grace window is left for the pair, zero
// if the last join is older than the window or unknown.
func (c *Coalescer) Remaining(code, playerID string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.joins[pairKey{code, playerID}]
	if !ok {
		return 0
	}
	left := c.window - c.now().Sub(at)
	if left <= 0 {
		return 0
	}
	return left
}

// Forget drops every entry of a session.
func (c *Coalescer) Forget(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.joins {
		if k.code == code {
			delete(c.joins, k)
		}
	}
}
