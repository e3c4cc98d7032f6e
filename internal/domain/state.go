package domain

// Status is the kind of a ConnectionState.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnected
	StatusFailed
)

// String returns the string representation of a Status.
func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnectionState is a transport lifecycle event. Err is set only when
// Status is StatusFailed.
type ConnectionState struct {
	Status Status
	Err    error
}

// Connected returns a state reporting a completed handshake.
func Connected() ConnectionState {
	return ConnectionState{Status: StatusConnected}
}

// Disconnected returns a state reporting a closed connection.
func Disconnected() ConnectionState {
	return ConnectionState{Status: StatusDisconnected}
}

// Failed returns a state carrying the cause of a transport fault.
func Failed(err error) ConnectionState {
	return ConnectionState{Status: StatusFailed, Err: err}
}

func (s ConnectionState) String() string {
	if s.Err != nil {
		return s.Status.String() + ": " + s.Err.Error()
	}
	return s.Status.String()
}
