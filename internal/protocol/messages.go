// Package protocol defines the realtime event protocol between clients and livedesk.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/xiaot623/gogo/livedesk/internal/domain"
)

// Event types from client to server
const (
	TypeRegisterClient    = "register-client"
	TypeJoinSession       = "join-session"
	TypeLeaveSession      = "leave-session"
	TypeCreateSession     = "create-session"
	TypeSendMessage       = "send-message"
	TypeAgentJoinSession  = "agent-join-session"
	TypeAgentLeaveSession = "agent-leave-session"
	TypeCloseSession      = "close-session"
)

var inboundTypes = map[string]bool{
	TypeRegisterClient:    true,
	TypeJoinSession:       true,
	TypeLeaveSession:      true,
	TypeCreateSession:     true,
	TypeSendMessage:       true,
	TypeAgentJoinSession:  true,
	TypeAgentLeaveSession: true,
	TypeCloseSession:      true,
}

// IsInbound reports whether t is an event type clients may send.
func IsInbound(t string) bool {
	return inboundTypes[t]
}

// Event types from server to client
const (
	TypeAck            = "ack"
	TypeError          = "error"
	TypeNewChatSession = "new-chat-session"
	TypeNewMessage     = "new-message"
	TypeAgentJoined    = "agent-joined"
	TypeAgentLeft      = "agent-left"
	TypeSessionUpdated = "session-updated"
	TypeSessionClosed  = "session-closed"
)

// Error codes specific to the realtime surface. Domain failures use the
// codes from the domain package.
const (
	ErrorCodeInvalidMessage = "invalid_message"
)

// Inbound is the envelope of every client frame.
type Inbound struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Outbound is the envelope of every server frame.
type Outbound struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Ts        int64  `json:"ts"`
	Data      any    `json:"data,omitempty"`
}

// NewEvent stamps an outbound frame.
func NewEvent(eventType string, data any) *Outbound {
	return &Outbound{Type: eventType, Ts: time.Now().UnixMilli(), Data: data}
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// AckData answers an inbound frame that carried a requestId.
type AckData struct {
	Success bool       `json:"success"`
	Error   *ErrorBody `json:"error,omitempty"`
	Result  any        `json:"result,omitempty"`
}

// RegisterClientData tags a connection with its role.
type RegisterClientData struct {
	Type domain.ClientRole `json:"type"`
}

// SessionRefData names a session.
type SessionRefData struct {
	SessionID string `json:"sessionId"`
}

// JoinResult answers join-session.
type JoinResult struct {
	SessionID string `json:"sessionId"`
	Success   bool   `json:"success"`
}

// AgentData is the payload of agent-joined and agent-left.
type AgentData struct {
	SessionID string          `json:"sessionId"`
	AgentID   string          `json:"agentId,omitempty"`
	AgentName string          `json:"agentName,omitempty"`
	Session   *domain.Session `json:"session,omitempty"`
}

// SessionClosedData is the payload of session-closed.
type SessionClosedData struct {
	SessionID string          `json:"sessionId"`
	Session   *domain.Session `json:"session"`
}
