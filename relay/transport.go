package relay

// ConnState is the readiness of a relay transport. Fan-out is gated on
// StateOpen; every other state makes broadcast a no-op.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport carries frames to and from the relay. Implementations must be
// safe for concurrent Send calls.
type Transport interface {
	Send(msg ClientMessage) error
	State() ConnState
	Close() error
}
