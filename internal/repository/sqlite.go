package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaot623/gogo/livedesk/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 2000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'waiting',
			agent_id TEXT,
			agent_name TEXT,
			user_id TEXT,
			user_email TEXT,
			user_name TEXT,
			initial_message TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status_created ON sessions(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			message TEXT NOT NULL,
			seq INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at, seq)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// bot_conversation arrived after the first schema.
	return s.ensureColumn("sessions", "bot_conversation", "ALTER TABLE sessions ADD COLUMN bot_conversation TEXT")
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sessionColumns = `s.id, s.status, s.agent_id, s.agent_name, s.user_id, s.user_email, s.user_name, s.initial_message, s.bot_conversation, s.created_at, s.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner, extra ...any) (*domain.Session, error) {
	var session domain.Session
	var agentID, agentName, userID, userEmail, userName, initial, bot sql.NullString
	var createdAt, updatedAt int64
	dest := []any{&session.ID, &session.Status, &agentID, &agentName, &userID, &userEmail, &userName, &initial, &bot, &createdAt, &updatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	session.AgentID = agentID.String
	session.AgentName = agentName.String
	session.UserID = userID.String
	session.UserEmail = userEmail.String
	session.UserName = userName.String
	session.InitialMessage = initial.String
	session.CreatedAt = time.UnixMilli(createdAt).UTC()
	session.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if bot.Valid && bot.String != "" {
		if err := json.Unmarshal([]byte(bot.String), &session.BotConversation); err != nil {
			return nil, fmt.Errorf("decode bot conversation of %s: %w", session.ID, err)
		}
	}
	return &session, nil
}

// CreateSession inserts a new session. It returns false when the id is taken.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) (bool, error) {
	bot, err := encodeBotConversation(session.BotConversation)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, status, agent_id, agent_name, user_id, user_email, user_name, initial_message, bot_conversation, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		session.ID, session.Status, nullString(session.AgentID), nullString(session.AgentName),
		nullString(session.UserID), nullString(session.UserEmail), nullString(session.UserName),
		nullString(session.InitialMessage), bot, session.CreatedAt.UnixMilli(), session.UpdatedAt.UnixMilli())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions s WHERE s.id = ?`, sessionID)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// UpdateSession applies the non-nil fields of req. Closed sessions keep
// their updated_at so their duration stays fixed.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sessionID string, req *domain.UpdateSessionRequest, now time.Time) (bool, error) {
	var sets []string
	var args []any
	if req.UserID != nil {
		sets = append(sets, "user_id = ?")
		args = append(args, nullString(*req.UserID))
	}
	if req.UserEmail != nil {
		sets = append(sets, "user_email = ?")
		args = append(args, nullString(*req.UserEmail))
	}
	if req.UserName != nil {
		sets = append(sets, "user_name = ?")
		args = append(args, nullString(*req.UserName))
	}
	if req.InitialMessage != nil {
		sets = append(sets, "initial_message = ?")
		args = append(args, nullString(*req.InitialMessage))
	}
	if req.BotConversation != nil {
		bot, err := encodeBotConversation(*req.BotConversation)
		if err != nil {
			return false, err
		}
		sets = append(sets, "bot_conversation = ?")
		args = append(args, bot)
	}
	if len(sets) == 0 {
		return false, domain.Validationf("no fields to update")
	}
	sets = append(sets, "updated_at = CASE WHEN status = 'closed' THEN updated_at ELSE MAX(updated_at, ?) END")
	args = append(args, now.UnixMilli(), sessionID)

	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ClaimSession assigns a waiting session to an agent.
func (s *SQLiteStore) ClaimSession(ctx context.Context, sessionID, agentID, agentName string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, agent_id = ?, agent_name = ?, updated_at = MAX(updated_at, ?)
		 WHERE id = ? AND status = ?`,
		domain.SessionStatusActive, agentID, agentName, now.UnixMilli(), sessionID, domain.SessionStatusWaiting)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ReleaseSession returns an active session to the queue. When agentID is
// set, only that agent's assignment is released.
func (s *SQLiteStore) ReleaseSession(ctx context.Context, sessionID, agentID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, agent_id = NULL, agent_name = NULL, updated_at = MAX(updated_at, ?)
		 WHERE id = ? AND status = ? AND (? = '' OR agent_id = ?)`,
		domain.SessionStatusWaiting, now.UnixMilli(), sessionID, domain.SessionStatusActive, agentID, agentID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// CloseSession marks a session closed. The handling agent is retained.
func (s *SQLiteStore) CloseSession(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = MAX(updated_at, ?) WHERE id = ? AND status != ?`,
		domain.SessionStatusClosed, now.UnixMilli(), sessionID, domain.SessionStatusClosed)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// TouchSession moves updated_at forward to at. Closed sessions are left alone.
func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = MAX(updated_at, ?) WHERE id = ? AND status != ?`,
		at.UnixMilli(), sessionID, domain.SessionStatusClosed)
	return err
}

// ListIdleWaiting returns ids of waiting sessions not updated since before.
func (s *SQLiteStore) ListIdleWaiting(ctx context.Context, before time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE status = ? AND updated_at < ? ORDER BY updated_at ASC LIMIT ?`,
		domain.SessionStatusWaiting, before.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CloseIdleSession closes a session only if it is still waiting and was
// last updated before the cutoff.
func (s *SQLiteStore) CloseIdleSession(ctx context.Context, sessionID string, before, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = MAX(updated_at, ?) WHERE id = ? AND status = ? AND updated_at < ?`,
		domain.SessionStatusClosed, now.UnixMilli(), sessionID, domain.SessionStatusWaiting, before.UnixMilli())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// InsertMessage attaches message to its session in one statement. seq and
// created_at are assigned from the session's current tail so ordering holds
// even if the wall clock steps back. It returns false when the id already
// exists, the session is missing or closed, or an agent writes to an
// unassigned session.
func (s *SQLiteStore) InsertMessage(ctx context.Context, message *domain.Message) (bool, error) {
	var seq, createdAt int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, session_id, sender, message, seq, created_at)
		 SELECT ?, s.id, ?, ?,
		        COALESCE((SELECT MAX(seq) FROM messages WHERE session_id = s.id), 0) + 1,
		        MAX(?, COALESCE((SELECT MAX(created_at) FROM messages WHERE session_id = s.id), 0))
		 FROM sessions s
		 WHERE s.id = ? AND s.status != ? AND (? = ? OR s.agent_id IS NOT NULL)
		 ON CONFLICT(id) DO NOTHING
		 RETURNING seq, created_at`,
		message.ID, message.Sender, message.Message,
		message.CreatedAt.UnixMilli(),
		message.SessionID, domain.SessionStatusClosed, message.Sender, domain.SenderUser,
	).Scan(&seq, &createdAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	message.Seq = seq
	message.CreatedAt = time.UnixMilli(createdAt).UTC()
	return true, nil
}

const messageColumns = `id, session_id, sender, message, seq, created_at`

func scanMessage(row rowScanner) (*domain.Message, error) {
	var msg domain.Message
	var createdAt int64
	if err := row.Scan(&msg.ID, &msg.SessionID, &msg.Sender, &msg.Message, &msg.Seq, &createdAt); err != nil {
		return nil, err
	}
	msg.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &msg, nil
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, messageID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages returns a chronological page of a session's messages.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]domain.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? ORDER BY created_at ASC, seq ASC LIMIT ? OFFSET ?`,
		sessionID, limit, offset)
}

// CountMessages counts the messages attached to a session.
func (s *SQLiteStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// RecentMessages returns the latest limit messages in chronological order.
func (s *SQLiteStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages WHERE session_id = ? ORDER BY created_at DESC, seq DESC LIMIT ?
		 ) ORDER BY created_at ASC, seq ASC`,
		sessionID, limit)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// QuerySessions returns one page of sessions matching q.
func (s *SQLiteStore) QuerySessions(ctx context.Context, q *domain.SessionQuery) ([]domain.SessionView, error) {
	query, args := buildSessionQuery(q).page(q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	joined := q.NeedsJoin()
	views := []domain.SessionView{}
	for rows.Next() {
		var count sql.NullInt64
		session, err := scanSession(rows, &count)
		if err != nil {
			return nil, err
		}
		view := domain.SessionView{Session: *session, DurationMs: session.Duration().Milliseconds()}
		if joined && count.Valid {
			n := int(count.Int64)
			view.MessageCount = &n
		}
		views = append(views, view)
	}
	return views, rows.Err()
}

// CountSessions returns the number of sessions matching q's filters.
func (s *SQLiteStore) CountSessions(ctx context.Context, q *domain.SessionQuery) (int, error) {
	query, args := buildSessionQuery(q).count()
	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// SessionStats aggregates sessions created within [from, to].
func (s *SQLiteStore) SessionStats(ctx context.Context, from, to *time.Time) (*domain.SessionStats, error) {
	where, args := createdRange(from, to)

	rows, err := s.db.QueryContext(ctx,
		`SELECT s.status, COUNT(*), COALESCE(SUM(s.updated_at - s.created_at), 0) FROM sessions s`+where+` GROUP BY s.status`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &domain.SessionStats{
		ByStatus: map[domain.SessionStatus]int{
			domain.SessionStatusWaiting: 0,
			domain.SessionStatusActive:  0,
			domain.SessionStatusClosed:  0,
		},
		From: from,
		To:   to,
	}
	for rows.Next() {
		var status domain.SessionStatus
		var n int
		var durationSum int64
		if err := rows.Scan(&status, &n, &durationSum); err != nil {
			return nil, err
		}
		stats.ByStatus[status] = n
		stats.Total += n
		if status == domain.SessionStatusClosed && n > 0 {
			stats.AverageDurationMs = durationSum / int64(n)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(m.id) FROM messages m JOIN sessions s ON s.id = m.session_id`+where, args...).Scan(&stats.TotalMessages)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func createdRange(from, to *time.Time) (string, []any) {
	var conds []string
	var args []any
	if from != nil {
		conds = append(conds, "s.created_at >= ?")
		args = append(args, from.UnixMilli())
	}
	if to != nil {
		conds = append(conds, "s.created_at <= ?")
		args = append(args, to.UnixMilli())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func encodeBotConversation(turns []domain.BotTurn) (sql.NullString, error) {
	if len(turns) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(turns)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode bot conversation: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
