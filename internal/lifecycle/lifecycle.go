// Package lifecycle provides the shared service state machine and operation
// guards used by every long-running component in the pipeline.
package lifecycle

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// State is the lifecycle state of a service component.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateError
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	case StateError:
		return "ERROR"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(s))
}

// validTransitions enumerates the allowed state transitions. Stop is
// idempotent: STOPPING and STOPPED accept a repeat stop without error.
var validTransitions = map[State][]State{
	StateIdle:     {StateStarting},
	StateStarting: {StateRunning, StateError, StateStopping},
	StateRunning:  {StateStopping, StateError},
	StateStopping: {StateStopped, StateError},
	StateStopped:  {StateStarting},
	StateError:    {StateStarting, StateStopping},
}

// Machine is a thread-safe lifecycle state machine.
type Machine struct {
	mu    sync.Mutex
	state State
}

// NewMachine returns a machine in the IDLE state.
func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Is reports whether the machine is in the given state.
func (m *Machine) Is(s State) bool {
	return m.State() == s
}

// Transition moves to the target state, returning an error when the move is
// not in the allowed transition table.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == to {
		// Idempotent for stop-side states, invalid otherwise.
		if to == StateStopping || to == StateStopped {
			return nil
		}
		return fmt.Errorf("already in state %s", to)
	}

	for _, allowed := range validTransitions[m.state] {
		if allowed == to {
			m.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s", m.state, to)
}

// BeginStop moves to STOPPING and reports whether this caller owns the
// shutdown. Exactly one of any number of concurrent callers gets true;
// repeat stops and stops on a never-started machine get false.
func (m *Machine) BeginStop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateStopping || m.state == StateStopped {
		return false
	}
	for _, allowed := range validTransitions[m.state] {
		if allowed == StateStopping {
			m.state = StateStopping
			return true
		}
	}
	return false
}

// Fail forces the machine into the ERROR state regardless of current state.
func (m *Machine) Fail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateError
}

// Guard is a non-blocking mutual-exclusion flag for operations that must not
// overlap, such as detection ticks and consumer poll cycles.
type Guard struct {
	busy atomic.Bool
}

// TryAcquire attempts to take the guard, returning false when the guarded
// operation is already in flight.
func (g *Guard) TryAcquire() bool {
	return g.busy.CompareAndSwap(false, true)
}

// Release frees the guard.
func (g *Guard) Release() {
	g.busy.Store(false)
}

// Held reports whether the guard is currently taken.
func (g *Guard) Held() bool {
	return g.busy.Load()
}
