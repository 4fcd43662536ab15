// Package store defines the storage interface and its SQLite implementation.
package store

import (
	"context"
	"time"

	"github.com/xiaot623/gogo/livedesk/internal/domain"
)

// Store defines the interface for data persistence.
//
// Lifecycle transitions report whether a row changed. A false result means
// the guard did not match; callers re-read the session to tell a missing
// row from a conflicting state.
type Store interface {
	// Session operations
	CreateSession(ctx context.Context, session *domain.Session) (bool, error)
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	UpdateSession(ctx context.Context, sessionID string, req *domain.UpdateSessionRequest, now time.Time) (bool, error)
	ClaimSession(ctx context.Context, sessionID, agentID, agentName string, now time.Time) (bool, error)
	ReleaseSession(ctx context.Context, sessionID, agentID string, now time.Time) (bool, error)
	CloseSession(ctx context.Context, sessionID string, now time.Time) (bool, error)
	TouchSession(ctx context.Context, sessionID string, at time.Time) error
	ListIdleWaiting(ctx context.Context, before time.Time, limit int) ([]string, error)
	CloseIdleSession(ctx context.Context, sessionID string, before, now time.Time) (bool, error)

	// Message operations
	InsertMessage(ctx context.Context, message *domain.Message) (bool, error)
	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)
	ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]domain.Message, error)
	CountMessages(ctx context.Context, sessionID string) (int, error)
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)

	// History operations
	QuerySessions(ctx context.Context, q *domain.SessionQuery) ([]domain.SessionView, error)
	CountSessions(ctx context.Context, q *domain.SessionQuery) (int, error)
	SessionStats(ctx context.Context, from, to *time.Time) (*domain.SessionStats, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}
