// Package store persists chat sessions, their messages and state.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/agentchat/internal/domain"
)

// ErrNotFound is returned when a session does not exist or belongs to
// another user.
var ErrNotFound = errors.New("session not found")

// Repository defines the interface for persisting chat sessions.
type Repository interface {
	// CreateSession inserts a new session. ID and CreatedAt are filled in
	// when empty.
	CreateSession(ctx context.Context, sess *domain.Session) error

	// ListSessions returns the sessions of a user, newest first. An empty
	// agentType lists all agents.
	ListSessions(ctx context.Context, userID, agentType string) ([]domain.SessionSummary, error)

	// GetSession returns a session with its full message history.
	GetSession(ctx context.Context, userID, agentType, sessionID string) (*domain.Session, error)

	// AppendMessages adds messages to the end of a session's history.
	AppendMessages(ctx context.Context, agentType, sessionID string, msgs ...domain.Message) error

	// UpdateState replaces the state blob of a session.
	UpdateState(ctx context.Context, agentType, sessionID string, state domain.SessionState) error

	// DeleteSession removes a session and its messages.
	DeleteSession(ctx context.Context, userID, agentType, sessionID string) error

	// ExpiredSessions returns sessions not updated within ttl.
	ExpiredSessions(ctx context.Context, ttl time.Duration) ([]domain.SessionSummary, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
