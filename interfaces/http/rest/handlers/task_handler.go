package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"decisium-backend/application/sessions"
	"decisium-backend/domain/task"
	"decisium-backend/pkg/auth"
	pkgerrors "decisium-backend/pkg/errors"
	"decisium-backend/pkg/utils"
)

// TaskHandler serves the session task API
type TaskHandler struct {
	sessions *sessions.Service
	errors   *pkgerrors.ErrorHandler
	logger   *zap.Logger
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(svc *sessions.Service, errs *pkgerrors.ErrorHandler, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{sessions: svc, errors: errs, logger: logger}
}

// EnqueueTaskRequest starts a graph run. Either an explicit task type or a
// graph name is required.
type EnqueueTaskRequest struct {
	Type    string       `json:"type,omitempty" validate:"omitempty,max=100"`
	Graph   string       `json:"graph,omitempty" validate:"required_without=Type,omitempty,oneof=root orchestrator daily"`
	Payload task.Payload `json:"payload"`
}

// ListTasksResponse is the ordered task list of a session
type ListTasksResponse struct {
	SessionID string       `json:"session_id"`
	Tasks     []*task.Task `json:"tasks"`
}

// Enqueue handles POST /sessions/{sessionID}/tasks
func (h *TaskHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errors.Handle(w, r, pkgerrors.NewValidationError("Invalid request body: "+err.Error()))
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		h.errors.Handle(w, r, err)
		return
	}

	created, err := h.sessions.Enqueue(r.Context(), auth.UserID(r.Context()), sessions.EnqueueRequest{
		SessionID: chi.URLParam(r, "sessionID"),
		Type:      req.Type,
		Graph:     req.Graph,
		Payload:   req.Payload,
	})
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

// List handles GET /sessions/{sessionID}/tasks
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	tasks, err := h.sessions.List(r.Context(), auth.UserID(r.Context()), sessionID)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	respondJSON(w, http.StatusOK, ListTasksResponse{SessionID: sessionID, Tasks: tasks})
}

// Cancel handles POST /tasks/{taskID}/cancel
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.sessions.Cancel)
}

// Retry handles POST /tasks/{taskID}/retry
func (h *TaskHandler) Retry(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.sessions.Retry)
}

// Run handles POST /tasks/{taskID}/run. The task is executed asynchronously,
// so the response carries its pending state.
func (h *TaskHandler) Run(w http.ResponseWriter, r *http.Request) {
	t, err := h.sessions.Run(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "taskID"))
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, t)
}

func (h *TaskHandler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, userID, taskID string) (*task.Task, error)) {
	t, err := fn(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "taskID"))
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
