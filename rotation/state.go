package rotation

import "fmt"

// State is the rotation state of a device. States are totally ordered; a device only ever
// moves one step forward.
type State int

// The rotation states in protocol order
const (
	StateUnknown State = iota
	StateWhitelisted
	StateThingCreated
	StateManCertCreated
	StateRotationCompleted
)

var stateNames = map[State]string{
	StateWhitelisted:       "WHITELISTED",
	StateThingCreated:      "THING_CREATED",
	StateManCertCreated:    "MAN_CERT_CREATED",
	StateRotationCompleted: "ROTATION_COMPLETED",
}

// States returns all valid states in protocol order
func States() []State {
	return []State{StateWhitelisted, StateThingCreated, StateManCertCreated, StateRotationCompleted}
}

// ParseState parses the string representation of a state
func ParseState(s string) (State, error) {
	for state, name := range stateNames {
		if name == s {
			return state, nil
		}
	}
	return StateUnknown, fmt.Errorf("unknown rotation state '%s'", s)
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Valid returns true for the four protocol states
func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// Next returns the state following s. The terminal state has no successor.
func (s State) Next() (State, bool) {
	if !s.Valid() || s == StateRotationCompleted {
		return StateUnknown, false
	}
	return s + 1, true
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid rotation state %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *State) UnmarshalText(text []byte) error {
	state, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = state
	return nil
}
