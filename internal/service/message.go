package service

import (
	"context"
	"fmt"

	"github.com/xiaot623/gogo/livedesk/internal/domain"
	"github.com/xiaot623/gogo/livedesk/internal/protocol"
)

// SendMessage persists a chat turn and then announces it to the session
// room. Resubmitting an id returns the stored message flagged as a duplicate.
func (s *Service) SendMessage(ctx context.Context, req *domain.SendMessageRequest) (*domain.SendResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if result, err := s.lookupDuplicate(ctx, req); result != nil || err != nil {
		return result, err
	}

	msg := &domain.Message{
		ID:        req.ID,
		SessionID: req.SessionID,
		Sender:    req.Sender,
		Message:   req.Message,
		CreatedAt: s.clock(),
	}
	inserted, err := s.store.InsertMessage(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}
	if !inserted {
		// A concurrent resubmit may have won the insert.
		if result, err := s.lookupDuplicate(ctx, req); result != nil || err != nil {
			return result, err
		}
		return nil, s.rejectReason(ctx, req)
	}
	s.metrics.MessagesPersisted.Inc()

	if err := s.store.TouchSession(ctx, msg.SessionID, msg.CreatedAt); err != nil {
		s.logger.Warn("failed to bump session updatedAt", "session_id", msg.SessionID, "error", err)
	}

	s.broadcastRoom(msg.SessionID, protocol.TypeNewMessage, msg)
	return &domain.SendResult{Message: msg}, nil
}

func (s *Service) lookupDuplicate(ctx context.Context, req *domain.SendMessageRequest) (*domain.SendResult, error) {
	existing, err := s.store.GetMessage(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up message: %w", err)
	}
	if existing == nil {
		return nil, nil
	}
	if existing.SessionID != req.SessionID {
		return nil, domain.Conflictf("message id %s belongs to another session", req.ID)
	}
	s.metrics.MessagesDuplicate.Inc()
	return &domain.SendResult{Message: existing, Duplicate: true}, nil
}

// rejectReason explains why the guarded insert matched no session.
func (s *Service) rejectReason(ctx context.Context, req *domain.SendMessageRequest) error {
	session, err := s.GetSession(ctx, req.SessionID)
	if err != nil {
		return err
	}
	switch {
	case session.Status == domain.SessionStatusClosed:
		return domain.Validationf("session %s is closed", req.SessionID)
	case req.Sender == domain.SenderAgent && session.AgentID == "":
		return domain.Validationf("session %s has no assigned agent", req.SessionID)
	default:
		return domain.Conflictf("message %s was not accepted", req.ID)
	}
}

// ListMessages returns a chronological page of a session's history.
func (s *Service) ListMessages(ctx context.Context, sessionID string, page, limit int) (*domain.MessagePage, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	q := domain.SessionQuery{Page: page, Limit: limit}
	if err := q.Normalize(s.maxPageSize); err != nil {
		return nil, err
	}

	var messages []domain.Message
	var total int
	err := parallel(ctx,
		func(ctx context.Context) (err error) {
			messages, err = s.store.ListMessages(ctx, sessionID, q.Limit, q.Offset())
			return err
		},
		func(ctx context.Context) (err error) {
			total, err = s.store.CountMessages(ctx, sessionID)
			return err
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	return &domain.MessagePage{
		Messages:   messages,
		Pagination: domain.NewPagination(q.Page, q.Limit, total),
	}, nil
}

// RecentMessages returns the latest messages of a session, oldest first.
func (s *Service) RecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if limit < 0 {
		return nil, domain.Validationf("limit must be >= 1")
	}
	if limit == 0 {
		limit = domain.DefaultRecentMessages
	}
	if limit > domain.MaxRecentMessages {
		limit = domain.MaxRecentMessages
	}
	messages, err := s.store.RecentMessages(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent messages: %w", err)
	}
	return messages, nil
}
