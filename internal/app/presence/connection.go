package presence

import (
	"relaychat/internal/app/spam"
)

// State is the lifecycle stage of one connection.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unauthenticated"
	}
}

// Handshake is what a client presents when it connects.
type Handshake struct {
	SessionID string
	Username  string
}

// Session is the identity a connection was bound to.
type Session struct {
	SessionID string `json:"sessionID"`
	UserID    string `json:"userID"`
	Username  string `json:"username"`
}

// Connection is the router-owned record of one live transport link.
type Connection struct {
	ID string
	Session

	state State
	guard *spam.Guard
}

func newConnection(id string, session Session, guard *spam.Guard) *Connection {
	return &Connection{
		ID:      id,
		Session: session,
		state:   StateUnauthenticated,
		guard:   guard,
	}
}

// State returns the current lifecycle stage.
func (c *Connection) State() State {
	return c.state
}
