package session

// State is the lifecycle state of a connection.
//
//	Connecting -> Authenticating -> Established -> Closing -> Closed
//	Connecting/Authenticating -> Failed
type State uint8

const (
	StateConnecting State = iota
	StateAuthenticating
	StateEstablished
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// CanTransition reports whether the state machine allows s -> next.
func (s State) CanTransition(next State) bool {
	switch s {
	case StateConnecting:
		return next == StateAuthenticating || next == StateFailed
	case StateAuthenticating:
		return next == StateEstablished || next == StateFailed
	case StateEstablished:
		return next == StateClosing || next == StateClosed
	case StateClosing:
		return next == StateClosed
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}
