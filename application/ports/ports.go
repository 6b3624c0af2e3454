package ports

import (
	"context"
	"time"

	"decisium-backend/domain/memory"
	"decisium-backend/domain/message"
	"decisium-backend/domain/task"
)

// TaskStore is the durable record of tasks. It is the single source of truth
// for task state; every mutating operation is atomic with respect to readers.
type TaskStore interface {
	// Create inserts a pending task with the next sequence of its session.
	// Creating a task in a session owned by another user is Forbidden.
	Create(ctx context.Context, spec task.Spec) (*task.Task, error)

	// Get returns a task or NotFound
	Get(ctx context.Context, id string) (*task.Task, error)

	// ListBySession returns the session's tasks by ascending sequence.
	// Returns Forbidden when userID does not own the session.
	ListBySession(ctx context.Context, sessionID, userID string) ([]*task.Task, error)

	// UpdateStatus applies a guarded transition. A status outside u.From, or a
	// claim while another task of the session is running, yields Conflict.
	UpdateStatus(ctx context.Context, id string, u task.StatusUpdate) (*task.Task, error)

	// CompleteAndEnqueue marks a running task succeeded and, when next is not
	// nil, creates the successor in the same atomic step.
	CompleteAndEnqueue(ctx context.Context, id string, result task.Payload, next *task.Spec) (*task.Task, *task.Task, error)

	// NextPending returns the lowest-sequence pending task, or nil
	NextPending(ctx context.Context, sessionID string) (*task.Task, error)

	// PendingSessions lists sessions that have pending tasks, oldest first
	PendingSessions(ctx context.Context, limit int) ([]string, error)
}

// MessageStore persists the conversation rows produced by save_* nodes.
type MessageStore interface {
	SaveMessages(ctx context.Context, msgs []message.Message) error
	ListByUserDay(ctx context.Context, userID string, day time.Time) ([]message.Message, error)
	ActiveUsers(ctx context.Context, day time.Time) ([]string, error)
}

// Embedder turns text into a fixed-length vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Prompt is the input of a language model call
type Prompt struct {
	System string
	User   string
}

// LanguageModel turns a prompt into text
type LanguageModel interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// FragmentQuery restricts a similarity search to one user and one level
type FragmentQuery struct {
	UserID    string
	Level     memory.Level
	Embedding []float64
	Threshold float64
	Limit     int
}

// FragmentSearcher performs similarity search over the fragment corpus
type FragmentSearcher interface {
	SearchFragments(ctx context.Context, q FragmentQuery) ([]memory.Fragment, error)
}

// FragmentWriter stores summary fragments for later retrieval
type FragmentWriter interface {
	UpsertFragment(ctx context.Context, userID string, level memory.Level, f memory.Fragment, embedding []float64) error
}

// ContinuationRequest names the task a continuation trigger should execute
type ContinuationRequest struct {
	TaskID    string `json:"task_id" validate:"required"`
	SessionID string `json:"session_id,omitempty"`
}

// Dispatcher delivers continuation triggers to a new, independent invocation
type Dispatcher interface {
	Dispatch(ctx context.Context, req ContinuationRequest) error
}

// TaskObserver is told about every persisted transition. Implementations must
// not fail the caller.
type TaskObserver interface {
	TaskChanged(ctx context.Context, t *task.Task)
}

// MetricsRecorder receives engine measurements
type MetricsRecorder interface {
	RecordExecution(taskType task.Type, status task.Status, duration time.Duration)
	RecordDispatch(mode string, err error)
}
