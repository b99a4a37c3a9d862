// internal/client/state.go
package client

import "fmt"

// State is the connection status of a Coordinator.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	// Failed is terminal until Reset is called.
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var transitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Failed, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Failed, Disconnected},
	Failed:       {Disconnected},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
