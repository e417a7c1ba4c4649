// Package gate holds the process-wide switch that suspends all notification activity.
package gate

import "sync/atomic"

// Gate is safe for concurrent use. The zero value is suspended; use New.
type Gate struct {
	active atomic.Bool
}

// New returns an active gate.
func New() *Gate {
	g := &Gate{}
	g.active.Store(true)
	return g
}

// IsActive reports whether watchers may poll and dispatch.
func (g *Gate) IsActive() bool {
	return g.active.Load()
}

// Suspend stops all polling and dispatch until Resume is called.
// It reports whether the state changed.
func (g *Gate) Suspend() bool {
	return g.active.CompareAndSwap(true, false)
}

// Resume re-enables polling and dispatch. It reports whether the state changed.
func (g *Gate) Resume() bool {
	return g.active.CompareAndSwap(false, true)
}
