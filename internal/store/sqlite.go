package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/shared"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets the chat stream write while session lists are read.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT NOT NULL,
		agent_type TEXT NOT NULL,
		user_id TEXT NOT NULL,
		state_json TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (agent_type, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_type TEXT NOT NULL,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		files_json TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (agent_type, session_id) REFERENCES sessions(agent_type, session_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(agent_type, session_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession inserts a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	stateJSON, err := json.Marshal(sess.State)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}

	query := `
		INSERT INTO sessions (session_id, agent_type, user_id, state_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	now := sess.CreatedAt.UnixMilli()
	err = shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "create session", func() error {
		_, err := s.db.ExecContext(ctx, query, sess.ID, sess.AgentType, sess.UserID, string(stateJSON), now, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert session %s: %w", sess.ID, err)
	}
	return nil
}

// ListSessions returns the sessions of a user, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID, agentType string) ([]domain.SessionSummary, error) {
	query := `
		SELECT s.session_id, s.agent_type, s.user_id, s.created_at,
		       (SELECT COUNT(*) FROM messages m
		        WHERE m.agent_type = s.agent_type AND m.session_id = s.session_id)
		FROM sessions s
		WHERE s.user_id = ? AND (? = '' OR s.agent_type = ?)
		ORDER BY s.created_at DESC, s.session_id`

	rows, err := s.db.QueryContext(ctx, query, userID, agentType, agentType)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	return scanSummaries(rows)
}

// ExpiredSessions returns sessions not updated within ttl.
func (s *SQLiteStore) ExpiredSessions(ctx context.Context, ttl time.Duration) ([]domain.SessionSummary, error) {
	threshold := time.Now().Add(-ttl).UnixMilli()
	query := `
		SELECT s.session_id, s.agent_type, s.user_id, s.created_at,
		       (SELECT COUNT(*) FROM messages m
		        WHERE m.agent_type = s.agent_type AND m.session_id = s.session_id)
		FROM sessions s
		WHERE s.updated_at < ?
		ORDER BY s.updated_at`

	rows, err := s.db.QueryContext(ctx, query, threshold)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	return scanSummaries(rows)
}

func scanSummaries(rows *sql.Rows) ([]domain.SessionSummary, error) {
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	sessions := []domain.SessionSummary{}
	for rows.Next() {
		var sum domain.SessionSummary
		var createdAt int64
		if err := rows.Scan(&sum.ID, &sum.AgentType, &sum.UserID, &createdAt, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sum.CreatedAt = time.UnixMilli(createdAt)
		sessions = append(sessions, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// GetSession returns a session with its full message history.
func (s *SQLiteStore) GetSession(ctx context.Context, userID, agentType, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, agent_type, user_id, state_json, created_at
		FROM sessions WHERE agent_type = ? AND session_id = ? AND user_id = ?`

	var sess domain.Session
	var stateJSON string
	var createdAt int64
	err := s.db.QueryRowContext(ctx, query, agentType, sessionID, userID).Scan(
		&sess.ID, &sess.AgentType, &sess.UserID, &stateJSON, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session %s: %w", sessionID, err)
	}
	sess.CreatedAt = time.UnixMilli(createdAt)
	if err := json.Unmarshal([]byte(stateJSON), &sess.State); err != nil {
		return nil, fmt.Errorf("decode state of session %s: %w", sessionID, err)
	}

	msgs, err := s.messages(ctx, agentType, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Messages = msgs
	return &sess, nil
}

func (s *SQLiteStore) messages(ctx context.Context, agentType, sessionID string) ([]domain.Message, error) {
	query := `
		SELECT role, content, files_json, created_at
		FROM messages WHERE agent_type = ? AND session_id = ?
		ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, agentType, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	msgs := []domain.Message{}
	for rows.Next() {
		var m domain.Message
		var filesJSON sql.NullString
		var createdAt int64
		if err := rows.Scan(&m.Role, &m.Content, &filesJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Timestamp = time.UnixMilli(createdAt)
		if filesJSON.Valid && filesJSON.String != "" {
			if err := json.Unmarshal([]byte(filesJSON.String), &m.Files); err != nil {
				return nil, fmt.Errorf("decode message files: %w", err)
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// AppendMessages adds messages to a session in one transaction. Transient
// messages are skipped.
func (s *SQLiteStore) AppendMessages(ctx context.Context, agentType, sessionID string, msgs ...domain.Message) error {
	err := shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "append messages", func() error {
		return s.appendMessagesOnce(ctx, agentType, sessionID, msgs)
	})
	if err != nil {
		return fmt.Errorf("append messages to %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) appendMessagesOnce(ctx context.Context, agentType, sessionID string, msgs []domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := touch(ctx, tx, agentType, sessionID); err != nil {
		return err
	}

	insert := `
		INSERT INTO messages (agent_type, session_id, role, content, files_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	for _, m := range msgs {
		if m.Transient {
			continue
		}
		var files any
		if len(m.Files) > 0 {
			b, err := json.Marshal(m.Files)
			if err != nil {
				return fmt.Errorf("encode message files: %w", err)
			}
			files = string(b)
		}
		ts := m.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := tx.ExecContext(ctx, insert, agentType, sessionID, string(m.Role), m.Content, files, ts.UnixMilli()); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return tx.Commit()
}

// UpdateState replaces the state blob of a session.
func (s *SQLiteStore) UpdateState(ctx context.Context, agentType, sessionID string, state domain.SessionState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	query := `UPDATE sessions SET state_json = ?, updated_at = ? WHERE agent_type = ? AND session_id = ?`

	var rows int64
	err = shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "update state", func() error {
		res, err := s.db.ExecContext(ctx, query, string(stateJSON), time.Now().UnixMilli(), agentType, sessionID)
		if err != nil {
			return err
		}
		rows, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update state of %s: %w", sessionID, err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session and, through the foreign key, its messages.
func (s *SQLiteStore) DeleteSession(ctx context.Context, userID, agentType, sessionID string) error {
	query := `DELETE FROM sessions WHERE agent_type = ? AND session_id = ? AND user_id = ?`

	var rows int64
	err := shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "delete session", func() error {
		res, err := s.db.ExecContext(ctx, query, agentType, sessionID, userID)
		if err != nil {
			return err
		}
		rows, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// touch bumps updated_at and fails with ErrNotFound for unknown sessions.
func touch(ctx context.Context, tx *sql.Tx, agentType, sessionID string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE agent_type = ? AND session_id = ?`,
		time.Now().UnixMilli(), agentType, sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
