package connectivity

import "fmt"

// State is the supervisor's view of the uplink.
type State int32

const (
	// Idle is the initial state, before credentials are applied.
	Idle State = iota
	// Configuring means credentials have been handed to the driver.
	Configuring
	// Connecting means the driver is up and an association is in progress.
	Connecting
	// Associated means the link is associated and has an IP address.
	Associated
	// Disconnected means the last attempt failed or the link dropped.
	Disconnected
)

// transitions is the complete set of legal edges. Anything missing is illegal.
var transitions = map[State][]State{
	Idle:         {Configuring},
	Configuring:  {Connecting},
	Connecting:   {Associated, Disconnected},
	Associated:   {Disconnected},
	Disconnected: {Connecting},
}

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Configuring:
		return "configuring"
	case Connecting:
		return "connecting"
	case Associated:
		return "associated"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CanTransitionTo reports whether s -> to is a legal edge.
func (s State) CanTransitionTo(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// MarshalText implements encoding.TextMarshaler so states render by name in
// JSON status responses.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	state, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = state
	return nil
}

// ParseState returns the state with the given name.
func ParseState(name string) (State, error) {
	for _, s := range AllStates() {
		if s.String() == name {
			return s, nil
		}
	}
	return Idle, fmt.Errorf("unknown connectivity state %q", name)
}

// AllStates lists every state in declaration order.
func AllStates() []State {
	return []State{Idle, Configuring, Connecting, Associated, Disconnected}
}
