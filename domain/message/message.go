package message

import (
	"time"

	pkgerrors "decisium-backend/pkg/errors"
)

// Role of the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Kind distinguishes chat turns from journal entries
type Kind string

const (
	KindChat       Kind = "chat"
	KindNote       Kind = "note"
	KindSuggestion Kind = "suggestion"
)

// Message is a row written by the save_* nodes
type Message struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Role      Role      `json:"role"`
	Kind      Kind      `json:"kind"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the fields stores index on.
func (m Message) Validate() error {
	if m.ID == "" || m.UserID == "" || m.SessionID == "" {
		return pkgerrors.NewValidationError("message requires id, user_id and session_id")
	}
	if m.Content == "" {
		return pkgerrors.NewValidationError("message content cannot be empty")
	}
	if m.Role != RoleUser && m.Role != RoleAssistant {
		return pkgerrors.NewValidationError("message role must be user or assistant")
	}
	return nil
}

// Day returns the UTC calendar day a message belongs to, as YYYY-MM-DD.
func (m Message) Day() string {
	return DayKey(m.CreatedAt)
}

// DayKey formats t as a UTC calendar day.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
