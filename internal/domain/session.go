package domain

import "time"

// BotTurn is one automated question/answer pair captured before hand-off.
type BotTurn struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Session represents one support conversation.
type Session struct {
	ID              string        `json:"id"`
	Status          SessionStatus `json:"status"`
	AgentID         string        `json:"agentId,omitempty"`
	AgentName       string        `json:"agentName,omitempty"`
	UserID          string        `json:"userId,omitempty"`
	UserEmail       string        `json:"userEmail,omitempty"`
	UserName        string        `json:"userName,omitempty"`
	InitialMessage  string        `json:"initialMessage,omitempty"`
	BotConversation []BotTurn     `json:"botConversation,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// Duration is the derived conversation span.
func (s *Session) Duration() time.Duration {
	if s.UpdatedAt.Before(s.CreatedAt) {
		return 0
	}
	return s.UpdatedAt.Sub(s.CreatedAt)
}

// SessionView is a session as returned by history queries. MessageCount is
// only populated when the query joined the messages collection.
type SessionView struct {
	Session
	DurationMs   int64 `json:"duration"`
	MessageCount *int  `json:"messageCount,omitempty"`
}

// Message represents a single chat turn.
type Message struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionId"`
	Sender    SenderRole `json:"sender"`
	Message   string     `json:"message"`
	Seq       int64      `json:"seq"`
	CreatedAt time.Time  `json:"createdAt"`
}

// SendResult is the outcome of the message pipeline.
type SendResult struct {
	Message   *Message `json:"message"`
	Duplicate bool     `json:"duplicate"`
}

// TransitionResult is the outcome of a lifecycle transition.
type TransitionResult struct {
	Session *Session `json:"session"`
	Changed bool     `json:"changed"`
}

// SessionStats aggregates sessions over an optional creation range.
type SessionStats struct {
	Total             int                   `json:"total"`
	ByStatus          map[SessionStatus]int `json:"byStatus"`
	TotalMessages     int                   `json:"totalMessages"`
	AverageDurationMs int64                 `json:"averageDurationMs"`
	From              *time.Time            `json:"from,omitempty"`
	To                *time.Time            `json:"to,omitempty"`
}
