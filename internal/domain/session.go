// Package domain contains core domain types for the agentchat application.
package domain

import (
	"time"
)

// Session is a single conversation with one agent.
type Session struct {
	ID        string       `json:"session_id"`
	AgentType string       `json:"agent_type"`
	UserID    string       `json:"user_id"`
	CreatedAt time.Time    `json:"created_at"`
	Messages  []Message    `json:"messages"`
	State     SessionState `json:"state"`
	Path      string       `json:"path,omitempty"`
}

// SessionSummary is the list view of a session.
type SessionSummary struct {
	ID           string    `json:"session_id"`
	AgentType    string    `json:"agent_type"`
	UserID       string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int       `json:"message_count"`
}

// SessionState is the free-form state blob attached to a session.
// Known keys are lifted into fields; anything else lands in Extra.
type SessionState struct {
	ModelID       string         `json:"model_id,omitempty"`
	SearchEnabled *bool          `json:"search_enabled,omitempty"`
	Usage         *Usage         `json:"usage,omitempty"`
	ModelInfo     *ModelInfo     `json:"model_info,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// Usage is the cumulative token accounting of a session.
type Usage struct {
	SessionPromptTokens     int     `json:"session_prompt_tokens"`
	SessionCompletionTokens int     `json:"session_completion_tokens"`
	SessionTotalTokens      int     `json:"session_total_tokens"`
	ContextUsagePercent     float64 `json:"context_usage_percent"`
}

// Add folds one turn's token counts into the session totals.
func (u Usage) Add(prompt, completion int) Usage {
	u.SessionPromptTokens += prompt
	u.SessionCompletionTokens += completion
	u.SessionTotalTokens += prompt + completion
	return u
}

// ModelInfo describes the model currently bound to a session.
type ModelInfo struct {
	ID               string `json:"id"`
	DisplayName      string `json:"display_name,omitempty"`
	Provider         string `json:"provider,omitempty"`
	MaxContextTokens int    `json:"max_context_tokens,omitempty"`
}

// FileInfo describes a file inside a session workspace.
type FileInfo struct {
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	Modified float64 `json:"modified"`
	Path     string  `json:"path"`
}

// SessionFiles groups the uploaded inputs and agent-produced files of a session.
type SessionFiles struct {
	SessionID      string     `json:"session_id"`
	InputFiles     []FileInfo `json:"input_files"`
	WorkspaceFiles []FileInfo `json:"workspace_files"`
}

// LogEntry is one log file of a session.
type LogEntry struct {
	Filename  string         `json:"filename"`
	Timestamp string         `json:"timestamp,omitempty"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
}
