// Package gate implements the {Idle, Running} compare-and-swap gate shared
// by the Collection Engine, Downstream Sync Agent, and Upload Manager to
// guarantee at most one cycle runs at a time per component.
package gate

import "sync/atomic"

const (
	stateIdle int32 = iota
	stateRunning
)

// Gate is a single-slot mutual-exclusion gate. TryEnter reports whether the
// caller acquired the slot; Exit releases it. Unlike sync.Mutex, a failed
// TryEnter never blocks — a scheduler tick that finds the previous cycle
// still running simply skips this tick.
type Gate struct {
	state atomic.Int32
}

// TryEnter attempts to transition Idle -> Running. Returns true if this
// call acquired the gate.
func (g *Gate) TryEnter() bool {
	return g.state.CompareAndSwap(stateIdle, stateRunning)
}

// Exit transitions Running -> Idle. Calling Exit without a matching
// TryEnter is a caller bug but is harmless (it just leaves the gate Idle).
func (g *Gate) Exit() {
	g.state.Store(stateIdle)
}

// Running reports whether a cycle currently holds the gate.
func (g *Gate) Running() bool {
	return g.state.Load() == stateRunning
}
