// Package module loads a named group of sources, actors, transforms,
// routes, and loggers as one unit with a single lifecycle, and runs
// its event processor against the bus.
package module

import "errors"

// ErrInvalidTransition is returned when a lifecycle operation does not
// apply to the module's current state.
var ErrInvalidTransition = errors.New("invalid module state transition")

// State is a module's lifecycle state.
type State string

// Module states.
const (
	StateNew       State = "new"
	StateLoading   State = "loading"
	StateActive    State = "active"
	StateUnloading State = "unloading"
	StateRemoved   State = "removed"
	StateFailed    State = "failed"
)

// transitions maps each state to the states it may move to.
var transitions = map[State][]State{
	StateNew:       {StateLoading},
	StateLoading:   {StateActive, StateFailed},
	StateActive:    {StateUnloading},
	StateUnloading: {StateRemoved},
	StateFailed:    {},
	StateRemoved:   {},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
