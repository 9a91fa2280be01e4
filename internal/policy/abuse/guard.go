// Package abuse limits how many fetch-triggering requests one client may make
// within a sliding window.
package abuse

import (
	"context"
	"sync"
	"time"
)

// Defaults match the public service: 100 requests per 15 minutes.
const (
	DefaultMaxRequests = 100
	DefaultWindow      = 15 * time.Minute
)

// Config bounds requests per client.
type Config struct {
	MaxRequests int
	Window      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRequests <= 0 {
		c.MaxRequests = DefaultMaxRequests
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is how long a refused client must wait for the oldest
	// counted request to leave the window.
	RetryAfter time.Duration
}

// Guard decides whether a client may make another request.
type Guard interface {
	Allow(ctx context.Context, clientID string) (Decision, error)
}

const sweepEvery = 1024

// MemoryGuard keeps a sliding log of request times per client.
type MemoryGuard struct {
	cfg Config
	now func() time.Time

	mu    sync.Mutex
	logs  map[string][]time.Time
	calls int
}

// NewMemoryGuard builds an in-process Guard.
func NewMemoryGuard(cfg Config) *MemoryGuard {
	return &MemoryGuard{
		cfg:  cfg.withDefaults(),
		now:  time.Now,
		logs: make(map[string][]time.Time),
	}
}

// Allow records a request for clientID when it fits in the window.
func (g *MemoryGuard) Allow(_ context.Context, clientID string) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-g.cfg.Window)

	g.calls++
	if g.calls%sweepEvery == 0 {
		g.sweep(cutoff)
	}

	log := prune(g.logs[clientID], cutoff)
	decision := Decision{Limit: g.cfg.MaxRequests}
	if len(log) >= g.cfg.MaxRequests {
		g.logs[clientID] = log
		decision.RetryAfter = log[0].Add(g.cfg.Window).Sub(now)
		return decision, nil
	}
	log = append(log, now)
	g.logs[clientID] = log
	decision.Allowed = true
	decision.Remaining = g.cfg.MaxRequests - len(log)
	return decision, nil
}

func (g *MemoryGuard) sweep(cutoff time.Time) {
	for id, log := range g.logs {
		log = prune(log, cutoff)
		if len(log) == 0 {
			delete(g.logs, id)
			continue
		}
		g.logs[id] = log
	}
}

// prune drops entries at or before cutoff. log is sorted ascending.
func prune(log []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return log
	}
	return append(log[:0], log[i:]...)
}
