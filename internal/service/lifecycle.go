package service

import (
	"context"
	"fmt"

	"github.com/xiaot623/gogo/livedesk/internal/domain"
	"github.com/xiaot623/gogo/livedesk/internal/protocol"
)

// CreateSession registers a hand-off from the automated front-end. The
// session starts waiting and is announced to agents and dashboards.
func (s *Service) CreateSession(ctx context.Context, req *domain.CreateSessionRequest) (*domain.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.clock()
	session := &domain.Session{
		ID:              req.ID,
		Status:          domain.SessionStatusWaiting,
		UserID:          req.UserID,
		UserEmail:       req.UserEmail,
		UserName:        req.UserName,
		InitialMessage:  req.InitialMessage,
		BotConversation: req.BotConversation,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	created, err := s.store.CreateSession(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if !created {
		return nil, domain.Conflictf("session %s already exists", req.ID)
	}

	s.logger.Info("session created", "session_id", session.ID)
	s.announce(protocol.TypeNewChatSession, session)
	return session, nil
}

// GetSession fetches one session.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	if err := domain.ValidateID("sessionId", sessionID); err != nil {
		return nil, err
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return nil, domain.NotFoundf("session %s not found", sessionID)
	}
	return session, nil
}

// UpdateSession edits session metadata.
func (s *Service) UpdateSession(ctx context.Context, sessionID string, req *domain.UpdateSessionRequest) (*domain.Session, error) {
	if err := domain.ValidateID("sessionId", sessionID); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateSession(ctx, sessionID, req, s.clock())
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	if !updated {
		return nil, domain.NotFoundf("session %s not found", sessionID)
	}

	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.announce(protocol.TypeSessionUpdated, session)
	return session, nil
}

// ClaimSession assigns a waiting session to an agent. Exactly one of any
// number of concurrent claims wins; the rest get a Conflict.
func (s *Service) ClaimSession(ctx context.Context, req *domain.ClaimRequest) (*domain.TransitionResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	claimed, err := s.store.ClaimSession(ctx, req.SessionID, req.AgentID, req.AgentName, s.clock())
	if err != nil {
		return nil, fmt.Errorf("failed to claim session: %w", err)
	}
	session, err := s.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		s.metrics.ClaimConflicts.Inc()
		return nil, domain.Conflictf("session %s is %s and cannot be claimed", req.SessionID, session.Status)
	}

	s.logger.Info("session claimed", "session_id", session.ID, "agent_id", req.AgentID)
	s.broadcastRoom(session.ID, protocol.TypeAgentJoined, &protocol.AgentData{
		SessionID: session.ID,
		AgentID:   session.AgentID,
		AgentName: session.AgentName,
		Session:   session,
	})
	s.announce(protocol.TypeSessionUpdated, session)
	return &domain.TransitionResult{Session: session, Changed: true}, nil
}

// ReleaseSession returns an active session to the waiting queue.
func (s *Service) ReleaseSession(ctx context.Context, req *domain.ReleaseRequest) (*domain.TransitionResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	previous, err := s.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	released, err := s.store.ReleaseSession(ctx, req.SessionID, req.AgentID, s.clock())
	if err != nil {
		return nil, fmt.Errorf("failed to release session: %w", err)
	}
	session, err := s.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if !released {
		if session.Status != domain.SessionStatusActive {
			return nil, domain.Conflictf("session %s is %s and cannot be released", req.SessionID, session.Status)
		}
		return nil, domain.Conflictf("session %s is assigned to another agent", req.SessionID)
	}

	s.logger.Info("session released", "session_id", session.ID, "agent_id", previous.AgentID)
	s.broadcastRoom(session.ID, protocol.TypeAgentLeft, &protocol.AgentData{
		SessionID: session.ID,
		AgentID:   previous.AgentID,
		AgentName: previous.AgentName,
		Session:   session,
	})
	s.announce(protocol.TypeSessionUpdated, session)
	return &domain.TransitionResult{Session: session, Changed: true}, nil
}

// CloseSession ends a session. Closing a closed session succeeds without
// another notification.
func (s *Service) CloseSession(ctx context.Context, sessionID string) (*domain.TransitionResult, error) {
	if err := domain.ValidateID("sessionId", sessionID); err != nil {
		return nil, err
	}

	closed, err := s.store.CloseSession(ctx, sessionID, s.clock())
	if err != nil {
		return nil, fmt.Errorf("failed to close session: %w", err)
	}
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !closed {
		return &domain.TransitionResult{Session: session, Changed: false}, nil
	}

	s.notifyClosed(session)
	return &domain.TransitionResult{Session: session, Changed: true}, nil
}

func (s *Service) notifyClosed(session *domain.Session) {
	s.logger.Info("session closed", "session_id", session.ID)
	s.broadcastRoom(session.ID, protocol.TypeSessionClosed, &protocol.SessionClosedData{SessionID: session.ID, Session: session})
	s.announce(protocol.TypeSessionUpdated, session)
}

// announce notifies every status subscriber. Delivery failures never undo
// a persisted change.
func (s *Service) announce(eventType string, data any) {
	if s.hub == nil {
		return
	}
	if err := s.hub.BroadcastClass(protocol.NewEvent(eventType, data), statusClasses...); err != nil {
		s.logger.Warn("status broadcast failed", "type", eventType, "error", err)
	}
}

func (s *Service) broadcastRoom(sessionID, eventType string, data any) {
	if s.hub == nil {
		return
	}
	if err := s.hub.BroadcastRoom(sessionID, protocol.NewEvent(eventType, data)); err != nil {
		s.logger.Warn("room broadcast failed", "session_id", sessionID, "type", eventType, "error", err)
	}
}
