// Package sessions is the caller-facing task API: enqueue a graph run for a
// session, list its tasks, and cancel, retry or re-trigger a task.
package sessions

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"decisium-backend/application/ports"
	"decisium-backend/domain/graph"
	"decisium-backend/domain/task"
	pkgerrors "decisium-backend/pkg/errors"
)

// Dispatcher starts execution of a pending task in a new invocation
type Dispatcher interface {
	Dispatch(ctx context.Context, t *task.Task) error
}

// EnqueueRequest starts a chain. Type selects the first task explicitly;
// otherwise the entry node of Graph is used.
type EnqueueRequest struct {
	SessionID string
	Type      string
	Graph     string
	Payload   task.Payload
}

// Service implements the session task API
type Service struct {
	store      ports.TaskStore
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewService creates a session service
func NewService(store ports.TaskStore, dispatcher Dispatcher, logger *zap.Logger) *Service {
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Enqueue creates the first pending task of a graph and triggers it. A
// failed trigger does not fail the call; the task stays pending for the
// recovery sweep or an explicit run.
func (s *Service) Enqueue(ctx context.Context, userID string, req EnqueueRequest) (*task.Task, error) {
	if userID == "" {
		return nil, pkgerrors.NewUnauthorizedError("caller identity required")
	}
	if req.SessionID == "" {
		return nil, pkgerrors.NewValidationError("session_id is required")
	}

	typ, err := resolveType(req)
	if err != nil {
		return nil, err
	}

	created, err := s.store.Create(ctx, task.Spec{
		SessionID: req.SessionID,
		UserID:    userID,
		Type:      typ,
		Payload:   req.Payload,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Task enqueued",
		zap.String("task_id", created.ID),
		zap.String("session_id", created.SessionID),
		zap.String("task_type", string(created.Type)),
		zap.Int64("sequence", created.Sequence),
	)

	if err := s.dispatcher.Dispatch(ctx, created); err != nil {
		s.logger.Warn("Initial dispatch failed, task left pending",
			zap.String("task_id", created.ID),
			zap.Error(err),
		)
	}
	return created, nil
}

func resolveType(req EnqueueRequest) (task.Type, error) {
	if req.Type == "" {
		if req.Graph == "" {
			return "", pkgerrors.NewValidationError("either type or graph is required")
		}
		return graph.EntryOf(graph.Name(req.Graph))
	}

	typ, err := graph.ParseType(req.Type)
	if err != nil {
		return "", err
	}
	if req.Graph != "" {
		g, _ := graph.GraphOf(typ)
		if string(g) != req.Graph {
			return "", pkgerrors.NewValidationError(fmt.Sprintf("type '%s' does not belong to graph '%s'", typ, req.Graph))
		}
	}
	return typ, nil
}

// List returns the session's tasks ordered by sequence
func (s *Service) List(ctx context.Context, userID, sessionID string) ([]*task.Task, error) {
	if userID == "" {
		return nil, pkgerrors.NewUnauthorizedError("caller identity required")
	}
	if sessionID == "" {
		return nil, pkgerrors.NewValidationError("session_id is required")
	}
	return s.store.ListBySession(ctx, sessionID, userID)
}

// Cancel force-fails a pending or running task. A running handler is not
// interrupted, but its result is discarded and no successor is created.
func (s *Service) Cancel(ctx context.Context, userID, taskID string) (*task.Task, error) {
	if _, err := s.owned(ctx, userID, taskID); err != nil {
		return nil, err
	}
	cancelled, err := s.store.UpdateStatus(ctx, taskID, task.Cancel())
	if err != nil {
		return nil, err
	}
	s.logger.Info("Task cancelled", zap.String("task_id", taskID), zap.String("session_id", cancelled.SessionID))
	return cancelled, nil
}

// Retry resets a failed task to pending. It does not execute it; see Run.
func (s *Service) Retry(ctx context.Context, userID, taskID string) (*task.Task, error) {
	if _, err := s.owned(ctx, userID, taskID); err != nil {
		return nil, err
	}
	retried, err := s.store.UpdateStatus(ctx, taskID, task.Retry())
	if err != nil {
		return nil, err
	}
	s.logger.Info("Task reset for retry", zap.String("task_id", taskID), zap.String("session_id", retried.SessionID))
	return retried, nil
}

// Run triggers execution of a pending task the caller owns.
func (s *Service) Run(ctx context.Context, userID, taskID string) (*task.Task, error) {
	t, err := s.owned(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusPending {
		return nil, pkgerrors.NewConflictError(fmt.Sprintf("task is %s, only pending tasks can be run", t.Status))
	}
	if err := s.dispatcher.Dispatch(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) owned(ctx context.Context, userID, taskID string) (*task.Task, error) {
	if userID == "" {
		return nil, pkgerrors.NewUnauthorizedError("caller identity required")
	}
	if taskID == "" {
		return nil, pkgerrors.NewValidationError("task_id is required")
	}
	t, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, pkgerrors.NewForbiddenError("task belongs to another user")
	}
	return t, nil
}
