package domain

import (
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageLength = 5000
	MaxNameLength    = 200
	MaxBotTurns      = 100
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// ValidID reports whether id is an acceptable session or message identifier.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// ValidateID returns a Validation error naming field when id is malformed.
func ValidateID(field, id string) error {
	if id == "" {
		return Validationf("%s is required", field)
	}
	if !ValidID(id) {
		return Validationf("%s has an invalid format", field)
	}
	return nil
}

func validateText(field, v string, max int, required bool) error {
	if required && strings.TrimSpace(v) == "" {
		return Validationf("%s is required", field)
	}
	if utf8.RuneCountInString(v) > max {
		return Validationf("%s exceeds %d characters", field, max)
	}
	return nil
}

func validateEmail(v string) error {
	if v == "" {
		return nil
	}
	if _, err := mail.ParseAddress(v); err != nil {
		return Validationf("userEmail is not a valid address")
	}
	return nil
}

func validateBotTurns(turns []BotTurn) error {
	if len(turns) > MaxBotTurns {
		return Validationf("botConversation exceeds %d entries", MaxBotTurns)
	}
	for _, t := range turns {
		if err := validateText("botConversation.question", t.Question, MaxMessageLength, false); err != nil {
			return err
		}
		if err := validateText("botConversation.answer", t.Answer, MaxMessageLength, false); err != nil {
			return err
		}
	}
	return nil
}

// CreateSessionRequest is issued by the automated front-end on hand-off.
type CreateSessionRequest struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	UserEmail       string    `json:"userEmail"`
	UserName        string    `json:"userName"`
	InitialMessage  string    `json:"initialMessage"`
	BotConversation []BotTurn `json:"botConversation,omitempty"`
}

func (r *CreateSessionRequest) Validate() error {
	if err := ValidateID("id", r.ID); err != nil {
		return err
	}
	if r.UserID != "" && !ValidID(r.UserID) {
		return Validationf("userId has an invalid format")
	}
	if err := validateText("userName", r.UserName, MaxNameLength, false); err != nil {
		return err
	}
	if err := validateEmail(r.UserEmail); err != nil {
		return err
	}
	if err := validateText("initialMessage", r.InitialMessage, MaxMessageLength, false); err != nil {
		return err
	}
	return validateBotTurns(r.BotConversation)
}

// UpdateSessionRequest edits session metadata. Nil fields are left untouched.
type UpdateSessionRequest struct {
	UserID          *string    `json:"userId,omitempty"`
	UserEmail       *string    `json:"userEmail,omitempty"`
	UserName        *string    `json:"userName,omitempty"`
	InitialMessage  *string    `json:"initialMessage,omitempty"`
	BotConversation *[]BotTurn `json:"botConversation,omitempty"`
}

func (r *UpdateSessionRequest) Validate() error {
	if r.UserID == nil && r.UserEmail == nil && r.UserName == nil && r.InitialMessage == nil && r.BotConversation == nil {
		return Validationf("no fields to update")
	}
	if r.UserID != nil && *r.UserID != "" && !ValidID(*r.UserID) {
		return Validationf("userId has an invalid format")
	}
	if r.UserName != nil {
		if err := validateText("userName", *r.UserName, MaxNameLength, false); err != nil {
			return err
		}
	}
	if r.UserEmail != nil {
		if err := validateEmail(*r.UserEmail); err != nil {
			return err
		}
	}
	if r.InitialMessage != nil {
		if err := validateText("initialMessage", *r.InitialMessage, MaxMessageLength, false); err != nil {
			return err
		}
	}
	if r.BotConversation != nil {
		return validateBotTurns(*r.BotConversation)
	}
	return nil
}

// ClaimRequest asks to assign a waiting session to an agent.
type ClaimRequest struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
}

func (r *ClaimRequest) Validate() error {
	if err := ValidateID("sessionId", r.SessionID); err != nil {
		return err
	}
	if err := ValidateID("agentId", r.AgentID); err != nil {
		return err
	}
	return validateText("agentName", r.AgentName, MaxNameLength, true)
}

// ReleaseRequest returns an active session to the waiting queue. AgentID is
// optional; when set, only that agent's assignment is released.
type ReleaseRequest struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId,omitempty"`
}

func (r *ReleaseRequest) Validate() error {
	if err := ValidateID("sessionId", r.SessionID); err != nil {
		return err
	}
	if r.AgentID != "" && !ValidID(r.AgentID) {
		return Validationf("agentId has an invalid format")
	}
	return nil
}

// SendMessageRequest submits one chat turn.
type SendMessageRequest struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionId"`
	Sender    SenderRole `json:"sender"`
	Message   string     `json:"message"`
}

func (r *SendMessageRequest) Validate() error {
	if err := ValidateID("id", r.ID); err != nil {
		return err
	}
	if err := ValidateID("sessionId", r.SessionID); err != nil {
		return err
	}
	if r.Sender != SenderUser && r.Sender != SenderAgent {
		return Validationf("sender must be %q or %q", SenderUser, SenderAgent)
	}
	return validateText("message", r.Message, MaxMessageLength, true)
}
