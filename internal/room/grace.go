package room

import (
	"sync"
	"time"
)

// GraceTimers tracks the per-room deferred action that fires after the host
// has been absent for the grace window. Callbacks must be idempotent: they
// re-read live state at fire time and no-op if conditions changed.
type GraceTimers struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewGraceTimers() *GraceTimers {
	return &GraceTimers{timers: make(map[string]*time.Timer)}
}

// Schedule arms the deferred action for a room, replacing any pending one.
// fn runs on the timer goroutine; it must not capture per-connection state.
func (g *GraceTimers) Schedule(roomID string, d time.Duration, fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if t, ok := g.timers[roomID]; ok {
		t.Stop()
	}
	g.timers[roomID] = time.AfterFunc(d, func() {
		g.mu.Lock()
		delete(g.timers, roomID)
		g.mu.Unlock()
		fn()
	})
}

// Cancel stops the pending action for a room. Returns true if one was armed.
func (g *GraceTimers) Cancel(roomID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.timers[roomID]
	if !ok {
		return false
	}
	t.Stop()
	delete(g.timers, roomID)
	return true
}

// Pending reports whether a deferred action is armed for the room.
func (g *GraceTimers) Pending(roomID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.timers[roomID]
	return ok
}

// Stop cancels every pending action. Used on shutdown.
func (g *GraceTimers) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for id, t := range g.timers {
		t.Stop()
		delete(g.timers, id)
	}
}
