// Package domain defines the core domain models for livedesk.
package domain

// SessionStatus represents the lifecycle state of a support session.
type SessionStatus string

const (
	SessionStatusWaiting SessionStatus = "waiting"
	SessionStatusActive  SessionStatus = "active"
	SessionStatusClosed  SessionStatus = "closed"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusWaiting, SessionStatusActive, SessionStatusClosed:
		return true
	}
	return false
}

// SenderRole identifies who wrote a message.
type SenderRole string

const (
	SenderUser  SenderRole = "user"
	SenderAgent SenderRole = "agent"
)

// ClientRole is the role a realtime connection registers with.
type ClientRole string

const (
	ClientRoleUser      ClientRole = "user"
	ClientRoleAgent     ClientRole = "agent"
	ClientRoleDashboard ClientRole = "dashboard"
)

// Valid reports whether r is a known client role.
func (r ClientRole) Valid() bool {
	switch r {
	case ClientRoleUser, ClientRoleAgent, ClientRoleDashboard:
		return true
	}
	return false
}

// SortField names a sortable session attribute.
type SortField string

const (
	SortByCreatedAt    SortField = "createdAt"
	SortByUpdatedAt    SortField = "updatedAt"
	SortByStatus       SortField = "status"
	SortByUserName     SortField = "userName"
	SortByAgentName    SortField = "agentName"
	SortByDuration     SortField = "duration"
	SortByMessageCount SortField = "messageCount"
)

// Derived reports whether the field is computed at query time.
func (f SortField) Derived() bool {
	return f == SortByDuration || f == SortByMessageCount
}

// SortOrder is the sort direction.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)
