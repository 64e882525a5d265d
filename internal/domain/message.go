package domain

import "time"

// Role identifies the author of a message.
type Role string

const (
	// RoleUser marks messages typed by the user.
	RoleUser Role = "user"
	// RoleAssistant marks agent replies.
	RoleAssistant Role = "assistant"
	// RoleSystem marks tool output recorded by the server.
	RoleSystem Role = "system"
)

// Message is one entry in a session's conversation.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Files     []string  `json:"files,omitempty"`
	Transient bool      `json:"transient,omitempty"`
}

// NewMessage returns a message stamped with the current time.
func NewMessage(role Role, content string, files []string) Message {
	return Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
		Files:     files,
	}
}
