package connection

// State represents the client connection state.
type State uint8

const (
	// StateIdle indicates the client has not yet tried to connect.
	StateIdle State = iota

	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting

	// StateConnected indicates a live tunnel to the relay.
	StateConnected

	// StateReconnecting indicates the tunnel was lost and a retry is
	// pending.
	StateReconnecting

	// StateClosed indicates the client has shut down. Terminal.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// CanTransition reports whether the client state machine allows moving
// from one state to another. Closed is reachable from every state and
// left by none.
func CanTransition(from, to State) bool {
	if to == StateClosed {
		return true
	}
	switch from {
	case StateIdle:
		return to == StateConnecting
	case StateConnecting:
		return to == StateConnected || to == StateReconnecting
	case StateConnected:
		return to == StateReconnecting
	case StateReconnecting:
		return to == StateConnecting
	default:
		return false
	}
}
