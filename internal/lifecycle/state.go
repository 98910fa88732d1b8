// Package lifecycle tracks the runner's state and the order in which its
// resources are released.
package lifecycle

import (
	"strconv"

	"github.com/cockroachdb/errors"
)

type State int

const (
	Uninitialized State = iota
	// Initialized means resources are allocated and the test result has
	// been printed.
	Initialized
	Idling
	Closing
	Terminated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Initialized:
		return "Initialized"
	case Idling:
		return "Idling"
	case Closing:
		return "Closing"
	case Terminated:
		return "Terminated"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

var transitions = map[State][]State{
	// A failed setup goes straight to Closing so partial resources are
	// still released.
	Uninitialized: {Initialized, Closing},
	Initialized:   {Idling, Closing},
	Idling:        {Closing},
	Closing:       {Terminated},
}

var ErrInvalidTransition = errors.New("invalid state transition")

type Machine struct {
	state State
}

func (m *Machine) State() State {
	return m.state
}

func (m *Machine) To(next State) error {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidTransition, "%s -> %s", m.state, next)
}
