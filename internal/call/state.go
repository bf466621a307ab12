package call

import "fmt"

// State is the lifecycle state of a relayed call.
type State int

const (
	// StateInitiated is set when the caller's INVITE is accepted.
	StateInitiated State = iota
	// StateRinging is set once the callee's binding is installed and the
	// INVITE has been forwarded downstream.
	StateRinging
	// StateEstablished is set when the callee's 200 OK is relayed upstream.
	StateEstablished
	// StateTerminating is set when a BYE is observed from either leg.
	StateTerminating
	// StateTerminated is the final state.
	StateTerminated
)

// String returns the state name as recorded in history and the admin API.
func (s State) String() string {
	switch s {
	case StateInitiated:
		return "INITIATED"
	case StateRinging:
		return "RINGING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateTerminating:
		return "TERMINATING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// validTransitions defines which state transitions are allowed. Every state
// may fall directly to TERMINATED on timeout or error.
var validTransitions = map[State][]State{
	StateInitiated:   {StateRinging, StateTerminated},
	StateRinging:     {StateEstablished, StateTerminating, StateTerminated},
	StateEstablished: {StateTerminating, StateTerminated},
	StateTerminating: {StateTerminated},
	StateTerminated:  {},
}

// MarshalJSON renders the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// CanTransitionTo checks if a transition from s to next is valid.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true for the final state.
func (s State) IsTerminal() bool { return s == StateTerminated }

// Termination reasons recorded on call end.
const (
	ReasonNormal   = "NORMAL"
	ReasonTimeout  = "TIMEOUT"
	ReasonError    = "ERROR"
	ReasonRejected = "REJECTED"
)
