package types

// DefaultSessionID denotes the non-multiplexed session.
const DefaultSessionID = ""

// SessionState is the lifecycle state of one server-side connection.
//
//	Connecting -> Connected -> (Disconnected | Replaced)
//
// Replaced happens only when a new connection reuses an existing session id.
type SessionState int

const (
	// SessionConnecting is an accepted connection that has not yet identified itself.
	SessionConnecting SessionState = iota
	// SessionConnected is a registered, active connection.
	SessionConnected
	// SessionDisconnected is a connection that ended (peer close, error or stop).
	SessionDisconnected
	// SessionReplaced is a connection superseded by a newer one with the same id.
	SessionReplaced
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	case SessionDisconnected:
		return "disconnected"
	case SessionReplaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further traffic is possible in this state.
func (s SessionState) IsTerminal() bool {
	return s == SessionDisconnected || s == SessionReplaced
}
