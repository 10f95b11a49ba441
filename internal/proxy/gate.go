package proxy

import "sync/atomic"

// Gate is the global pause switch checked at request admission. Paused
// requests are refused before any resource is taken.
type Gate struct {
	paused atomic.Bool
}

// Pause closes the gate. Returns false when it was already closed.
func (g *Gate) Pause() bool {
	return g.paused.CompareAndSwap(false, true)
}

// Resume reopens the gate. Returns false when it was not closed.
func (g *Gate) Resume() bool {
	return g.paused.CompareAndSwap(true, false)
}

// Paused reports whether admission is currently refused.
func (g *Gate) Paused() bool {
	return g.paused.Load()
}
