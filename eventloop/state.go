package eventloop

import (
	"sync/atomic"
)

// LoopState is the lifecycle stage of a [Loop].
//
// A loop moves Awake -> Running, then alternates between Running and
// Sleeping until it goes idle (Running -> Terminated) or is stopped
// (Running|Sleeping -> Terminating -> Terminated). Closing a loop that never
// ran moves it straight from Awake to Terminated.
type LoopState uint32

const (
	StateAwake LoopState = iota
	StateRunning
	StateSleeping
	StateTerminating
	StateTerminated
)

var loopStateNames = [...]string{
	StateAwake:       "Awake",
	StateRunning:     "Running",
	StateSleeping:    "Sleeping",
	StateTerminating: "Terminating",
	StateTerminated:  "Terminated",
}

func (s LoopState) String() string {
	if int(s) < len(loopStateNames) {
		return loopStateNames[s]
	}
	return "Unknown"
}

// stateCell holds a LoopState. Sleeping and Running are only ever entered
// by CAS, the terminal states may be stored directly.
type stateCell struct {
	v atomic.Uint32
}

func (c *stateCell) load() LoopState { return LoopState(c.v.Load()) }

func (c *stateCell) store(s LoopState) { c.v.Store(uint32(s)) }

func (c *stateCell) transition(from, to LoopState) bool {
	return c.v.CompareAndSwap(uint32(from), uint32(to))
}

// active reports whether the loop goroutine is inside Run.
func (c *stateCell) active() bool {
	switch c.load() {
	case StateRunning, StateSleeping:
		return true
	default:
		return false
	}
}
