package task

import (
	"strings"
	"time"

	pkgerrors "decisium-backend/pkg/errors"
)

// Status represents the lifecycle state of a task
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// CancelledReason is recorded as last_error on user cancellation.
const CancelledReason = "Cancelled by user"

// IsTerminal reports whether no further transition happens without an explicit retry.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// Type identifies a task kind as "<graph>.<node>". The closed set of valid
// types lives in the graph registry.
type Type string

// Graph returns the graph prefix of the type.
func (t Type) Graph() string {
	g, _, _ := strings.Cut(string(t), ".")
	return g
}

// Node returns the node part of the type.
func (t Type) Node() string {
	_, n, ok := strings.Cut(string(t), ".")
	if !ok {
		return ""
	}
	return n
}

// Task is one unit of graph execution
type Task struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Type      Type      `json:"type"`
	Status    Status    `json:"status"`
	Payload   Payload   `json:"payload"`
	Result    Payload   `json:"result,omitempty"`
	LastError *string   `json:"last_error"`
	Sequence  int64     `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep-enough copy for handing out of in-process stores.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Payload = t.Payload.Clone()
	c.Result = t.Result.Clone()
	if t.LastError != nil {
		msg := *t.LastError
		c.LastError = &msg
	}
	return &c
}

// ErrorMessage returns last_error or "".
func (t *Task) ErrorMessage() string {
	if t.LastError == nil {
		return ""
	}
	return *t.LastError
}

// Spec describes a task to be created. ID and CreatedAt are optional; stores
// fill them in when empty.
type Spec struct {
	ID        string
	SessionID string
	UserID    string
	Type      Type
	Payload   Payload
	CreatedAt time.Time
}

// Validate checks the fields every store relies on.
func (s Spec) Validate() error {
	if s.SessionID == "" {
		return pkgerrors.NewValidationError("session_id is required")
	}
	if s.UserID == "" {
		return pkgerrors.NewValidationError("user_id is required")
	}
	if s.Type.Node() == "" {
		return pkgerrors.NewValidationError("task type must have the form <graph>.<node>")
	}
	return nil
}

// StatusUpdate is a guarded transition. The store applies it only when the
// task's current status is one of From, otherwise it returns a conflict.
type StatusUpdate struct {
	From   []Status
	To     Status
	Result Payload
	Error  *string
}

// Allows reports whether the update may be applied to a task currently in s.
func (u StatusUpdate) Allows(s Status) bool {
	for _, f := range u.From {
		if f == s {
			return true
		}
	}
	return false
}

// Apply mutates t according to the update. Callers must have checked Allows.
func (u StatusUpdate) Apply(t *Task, now time.Time) {
	t.Status = u.To
	switch u.To {
	case StatusSucceeded:
		t.Result = u.Result.Clone()
		t.LastError = nil
	case StatusFailed:
		t.LastError = u.Error
	case StatusPending:
		t.LastError = nil
		t.Result = nil
	}
	t.UpdatedAt = now
}

// Claim moves a pending task to running.
func Claim() StatusUpdate {
	return StatusUpdate{From: []Status{StatusPending}, To: StatusRunning}
}

// Fail records a handler failure on a running task.
func Fail(reason string) StatusUpdate {
	return StatusUpdate{From: []Status{StatusRunning}, To: StatusFailed, Error: &reason}
}

// Cancel force-fails a non-terminal task.
func Cancel() StatusUpdate {
	reason := CancelledReason
	return StatusUpdate{From: []Status{StatusPending, StatusRunning}, To: StatusFailed, Error: &reason}
}

// Retry resets a failed task to pending and clears its error.
func Retry() StatusUpdate {
	return StatusUpdate{From: []Status{StatusFailed}, To: StatusPending}
}
