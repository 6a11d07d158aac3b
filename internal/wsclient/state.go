package wsclient

// State is the connection lifecycle state of a [Client].
type State int

const (
	// StateDisconnected means no connection is established and none is being
	// attempted.
	StateDisconnected State = iota

	// StateConnecting means a dial is in flight.
	StateConnecting

	// StateConnected means the transport is established and the read loop is
	// (or may be) running.
	StateConnected

	// StateReconnecting means the connection dropped and the client is waiting
	// out a backoff delay before the next dial.
	StateReconnecting

	// StateFailed means the attempt budget was exhausted; the client has given
	// up until an explicit Connect call.
	StateFailed
)

// String returns the lowercase state name used in logs and status payloads.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
