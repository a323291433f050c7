package call

import "fmt"

// State is the controller lifecycle.
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateElecting
	StateNegotiating
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateElecting:
		return "electing"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Every state can fall back to idle through Stop.
var transitions = map[State][]State{
	StateIdle:        {StateAcquiring},
	StateAcquiring:   {StateElecting, StateIdle},
	StateElecting:    {StateNegotiating, StateIdle},
	StateNegotiating: {StateConnected, StateIdle},
	StateConnected:   {StateIdle},
}

func canTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
