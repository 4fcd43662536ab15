package resilience

import (
	"context"
	"time"

	"github.com/xiaot623/gogo/livedesk/internal/domain"
	store "github.com/xiaot623/gogo/livedesk/internal/repository"
)

// Store decorates a store.Store so every call goes through a Retrier.
type Store struct {
	next  store.Store
	retry *Retrier
}

var _ store.Store = (*Store)(nil)

// NewStore wraps next with retrier.
func NewStore(next store.Store, retrier *Retrier) *Store {
	return &Store{next: next, retry: retrier}
}

func (s *Store) CreateSession(ctx context.Context, session *domain.Session) (bool, error) {
	return Retry(ctx, s.retry, "create_session", func(ctx context.Context) (bool, error) {
		return s.next.CreateSession(ctx, session)
	})
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	return Retry(ctx, s.retry, "get_session", func(ctx context.Context) (*domain.Session, error) {
		return s.next.GetSession(ctx, sessionID)
	})
}

func (s *Store) UpdateSession(ctx context.Context, sessionID string, req *domain.UpdateSessionRequest, now time.Time) (bool, error) {
	return Retry(ctx, s.retry, "update_session", func(ctx context.Context) (bool, error) {
		return s.next.UpdateSession(ctx, sessionID, req, now)
	})
}

func (s *Store) ClaimSession(ctx context.Context, sessionID, agentID, agentName string, now time.Time) (bool, error) {
	return Retry(ctx, s.retry, "claim_session", func(ctx context.Context) (bool, error) {
		return s.next.ClaimSession(ctx, sessionID, agentID, agentName, now)
	})
}

func (s *Store) ReleaseSession(ctx context.Context, sessionID, agentID string, now time.Time) (bool, error) {
	return Retry(ctx, s.retry, "release_session", func(ctx context.Context) (bool, error) {
		return s.next.ReleaseSession(ctx, sessionID, agentID, now)
	})
}

func (s *Store) CloseSession(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	return Retry(ctx, s.retry, "close_session", func(ctx context.Context) (bool, error) {
		return s.next.CloseSession(ctx, sessionID, now)
	})
}

func (s *Store) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	return s.retry.Do(ctx, "touch_session", func(ctx context.Context) error {
		return s.next.TouchSession(ctx, sessionID, at)
	})
}

func (s *Store) ListIdleWaiting(ctx context.Context, before time.Time, limit int) ([]string, error) {
	return Retry(ctx, s.retry, "list_idle_waiting", func(ctx context.Context) ([]string, error) {
		return s.next.ListIdleWaiting(ctx, before, limit)
	})
}

func (s *Store) CloseIdleSession(ctx context.Context, sessionID string, before, now time.Time) (bool, error) {
	return Retry(ctx, s.retry, "close_idle_session", func(ctx context.Context) (bool, error) {
		return s.next.CloseIdleSession(ctx, sessionID, before, now)
	})
}

func (s *Store) InsertMessage(ctx context.Context, message *domain.Message) (bool, error) {
	return Retry(ctx, s.retry, "insert_message", func(ctx context.Context) (bool, error) {
		return s.next.InsertMessage(ctx, message)
	})
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	return Retry(ctx, s.retry, "get_message", func(ctx context.Context) (*domain.Message, error) {
		return s.next.GetMessage(ctx, messageID)
	})
}

func (s *Store) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]domain.Message, error) {
	return Retry(ctx, s.retry, "list_messages", func(ctx context.Context) ([]domain.Message, error) {
		return s.next.ListMessages(ctx, sessionID, limit, offset)
	})
}

func (s *Store) CountMessages(ctx context.Context, sessionID string) (int, error) {
	return Retry(ctx, s.retry, "count_messages", func(ctx context.Context) (int, error) {
		return s.next.CountMessages(ctx, sessionID)
	})
}

func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	return Retry(ctx, s.retry, "recent_messages", func(ctx context.Context) ([]domain.Message, error) {
		return s.next.RecentMessages(ctx, sessionID, limit)
	})
}

func (s *Store) QuerySessions(ctx context.Context, q *domain.SessionQuery) ([]domain.SessionView, error) {
	return Retry(ctx, s.retry, "query_sessions", func(ctx context.Context) ([]domain.SessionView, error) {
		return s.next.QuerySessions(ctx, q)
	})
}

func (s *Store) CountSessions(ctx context.Context, q *domain.SessionQuery) (int, error) {
	return Retry(ctx, s.retry, "count_sessions", func(ctx context.Context) (int, error) {
		return s.next.CountSessions(ctx, q)
	})
}

func (s *Store) SessionStats(ctx context.Context, from, to *time.Time) (*domain.SessionStats, error) {
	return Retry(ctx, s.retry, "session_stats", func(ctx context.Context) (*domain.SessionStats, error) {
		return s.next.SessionStats(ctx, from, to)
	})
}

func (s *Store) Ping(ctx context.Context) error {
	return s.next.Ping(ctx)
}

func (s *Store) Close() error {
	return s.next.Close()
}
