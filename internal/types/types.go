package types

import "time"

type Role string

const (
	RolePresenter   Role = "presenter"
	RoleParticipant Role = "participant"
)

// SessionIdentity is set once per Connect and cleared on Disconnect.
type SessionIdentity struct {
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
	AuthToken   string `json:"-"`
}

// SameSeat reports whether two identities address the same session, user and role.
func (s SessionIdentity) SameSeat(o SessionIdentity) bool {
	return s.SessionID == o.SessionID && s.UserID == o.UserID && s.Role == o.Role
}

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateError        State = "error"
)

// Reasons attached to ConnectionStatus.
const (
	ReasonUnauthorized     = "unauthorized"
	ReasonMaxRetries       = "max_retries"
	ReasonSocketError      = "socket_error"
	ReasonUnsupported      = "unsupported"
	ReasonClosed           = "connection_closed"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
)

type ConnectionStatus struct {
	State         State     `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	LastChangedAt time.Time `json:"last_changed_at"`
}

// Terminal reports whether the client will not recover without a new Connect.
func (s ConnectionStatus) Terminal() bool {
	if s.State != StateError {
		return false
	}
	switch s.Reason {
	case ReasonUnauthorized, ReasonMaxRetries, ReasonUnsupported:
		return true
	}
	return false
}
