package engine

import (
	"sync"
	"time"
)

// WorkerHeartbeat is a snapshot of one worker's last completed tick, as
// exposed by OrchestratorAPI.Health (spec §6).
type WorkerHeartbeat struct {
	Name       string    `json:"name"`
	LastTickAt time.Time `json:"last_tick_at"`
	LagMs      int64     `json:"lag_ms"`
}

// Heartbeats is the shared, concurrency-safe registry every worker ticks
// into and Health() reads from.
type Heartbeats struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// NewHeartbeats builds an empty registry.
func NewHeartbeats() *Heartbeats {
	return &Heartbeats{last: make(map[string]time.Time)}
}

// Tick records that name just completed a tick at now.
func (h *Heartbeats) Tick(name string, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last[name] = now
}

// Snapshot returns the last tick time for every worker seen so far, with
// LagMs measured against now.
func (h *Heartbeats) Snapshot(now time.Time) []WorkerHeartbeat {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]WorkerHeartbeat, 0, len(h.last))
	for name, t := range h.last {
		out = append(out, WorkerHeartbeat{Name: name, LastTickAt: t, LagMs: now.Sub(t).Milliseconds()})
	}
	return out
}
