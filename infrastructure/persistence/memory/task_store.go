// Package memory provides in-process implementations of the persistence
// ports. They back tests and the local inline mode.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"decisium-backend/domain/task"
	pkgerrors "decisium-backend/pkg/errors"
)

type session struct {
	userID        string
	nextSequence  int64
	runningTaskID string
	taskIDs       []string
}

// TaskStore is a mutex-guarded TaskStore.
type TaskStore struct {
	mu       sync.RWMutex
	tasks    map[string]*task.Task
	sessions map[string]*session
	now      func() time.Time

	shouldFailOn map[string]error
}

// NewTaskStore creates an empty store
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks:        make(map[string]*task.Task),
		sessions:     make(map[string]*session),
		now:          func() time.Time { return time.Now().UTC() },
		shouldFailOn: make(map[string]error),
	}
}

// SetClock replaces the time source.
func (s *TaskStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetError makes the named method fail with err.
func (s *TaskStore) SetError(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shouldFailOn[method] = err
}

// ClearErrors removes all configured errors.
func (s *TaskStore) ClearErrors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shouldFailOn = make(map[string]error)
}

func (s *TaskStore) checkError(method string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shouldFailOn[method]
}

func (s *TaskStore) Create(ctx context.Context, spec task.Spec) (*task.Task, error) {
	if err := s.checkError("Create"); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.insertLocked(spec)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

func (s *TaskStore) insertLocked(spec task.Spec) (*task.Task, error) {
	sess, ok := s.sessions[spec.SessionID]
	if ok && sess.userID != spec.UserID {
		return nil, pkgerrors.NewForbiddenError("session belongs to another user")
	}
	if !ok {
		sess = &session{userID: spec.UserID}
		s.sessions[spec.SessionID] = sess
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := s.tasks[id]; exists {
		return nil, pkgerrors.NewConflictError(fmt.Sprintf("task '%s' already exists", id))
	}

	now := s.now()
	created := spec.CreatedAt
	if created.IsZero() {
		created = now
	}

	sess.nextSequence++
	t := &task.Task{
		ID:        id,
		SessionID: spec.SessionID,
		UserID:    spec.UserID,
		Type:      spec.Type,
		Status:    task.StatusPending,
		Payload:   spec.Payload.Clone(),
		Sequence:  sess.nextSequence,
		CreatedAt: created,
		UpdatedAt: now,
	}
	s.tasks[id] = t
	sess.taskIDs = append(sess.taskIDs, id)
	return t, nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	if err := s.checkError("Get"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, pkgerrors.NewNotFoundError("task")
	}
	return t.Clone(), nil
}

func (s *TaskStore) ListBySession(ctx context.Context, sessionID, userID string) ([]*task.Task, error) {
	if err := s.checkError("ListBySession"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, pkgerrors.NewNotFoundError("session")
	}
	if sess.userID != userID {
		return nil, pkgerrors.NewForbiddenError("session belongs to another user")
	}

	out := make([]*task.Task, 0, len(sess.taskIDs))
	for _, id := range sess.taskIDs {
		out = append(out, s.tasks[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *TaskStore) UpdateStatus(ctx context.Context, id string, u task.StatusUpdate) (*task.Task, error) {
	if err := s.checkError("UpdateStatus"); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, pkgerrors.NewNotFoundError("task")
	}
	if !u.Allows(t.Status) {
		return nil, pkgerrors.NewConflictError(fmt.Sprintf("task '%s' is %s", id, t.Status))
	}

	sess := s.sessions[t.SessionID]
	if u.To == task.StatusRunning {
		if sess.runningTaskID != "" && sess.runningTaskID != id {
			return nil, pkgerrors.NewConflictError(fmt.Sprintf("session '%s' already has a running task", t.SessionID))
		}
		sess.runningTaskID = id
	} else if sess.runningTaskID == id {
		sess.runningTaskID = ""
	}

	u.Apply(t, s.now())
	return t.Clone(), nil
}

func (s *TaskStore) CompleteAndEnqueue(ctx context.Context, id string, result task.Payload, next *task.Spec) (*task.Task, *task.Task, error) {
	if err := s.checkError("CompleteAndEnqueue"); err != nil {
		return nil, nil, err
	}
	if next != nil {
		if err := next.Validate(); err != nil {
			return nil, nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, nil, pkgerrors.NewNotFoundError("task")
	}
	if t.Status != task.StatusRunning {
		return nil, nil, pkgerrors.NewConflictError(fmt.Sprintf("task '%s' is %s", id, t.Status))
	}

	var successor *task.Task
	if next != nil {
		if next.SessionID != t.SessionID || next.UserID != t.UserID {
			return nil, nil, pkgerrors.NewValidationError("successor must stay in the same session")
		}
		created, err := s.insertLocked(*next)
		if err != nil {
			return nil, nil, err
		}
		successor = created.Clone()
	}

	sess := s.sessions[t.SessionID]
	if sess.runningTaskID == id {
		sess.runningTaskID = ""
	}
	task.StatusUpdate{From: []task.Status{task.StatusRunning}, To: task.StatusSucceeded, Result: result}.Apply(t, s.now())

	return t.Clone(), successor, nil
}

func (s *TaskStore) NextPending(ctx context.Context, sessionID string) (*task.Task, error) {
	if err := s.checkError("NextPending"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	var best *task.Task
	for _, id := range sess.taskIDs {
		t := s.tasks[id]
		if t.Status != task.StatusPending {
			continue
		}
		if best == nil || t.Sequence < best.Sequence {
			best = t
		}
	}
	return best.Clone(), nil
}

func (s *TaskStore) PendingSessions(ctx context.Context, limit int) ([]string, error) {
	if err := s.checkError("PendingSessions"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	oldest := make(map[string]*task.Task)
	for _, t := range s.tasks {
		if t.Status != task.StatusPending {
			continue
		}
		if cur, ok := oldest[t.SessionID]; !ok || t.CreatedAt.Before(cur.CreatedAt) {
			oldest[t.SessionID] = t
		}
	}

	ids := make([]string, 0, len(oldest))
	for id := range oldest {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := oldest[ids[i]], oldest[ids[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return ids[i] < ids[j]
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// RunningTask returns the id holding the session's running slot. Tests use
// it to assert the single-running invariant.
func (s *TaskStore) RunningTask(sessionID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess.runningTaskID
	}
	return ""
}
