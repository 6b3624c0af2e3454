package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"decisium-backend/application/continuation"
	"decisium-backend/application/executor"
	"decisium-backend/application/ports"
	pkgerrors "decisium-backend/pkg/errors"
	"decisium-backend/pkg/utils"
)

// TriggerHandler executes a task named by a continuation trigger
type TriggerHandler interface {
	HandleTrigger(ctx context.Context, taskID string) (executor.Outcome, error)
}

var _ TriggerHandler = (*continuation.Service)(nil)

// ContinuationHandler serves the internal continuation endpoint
type ContinuationHandler struct {
	triggers TriggerHandler
	logger   *zap.Logger
}

// NewContinuationHandler creates a continuation handler
func NewContinuationHandler(triggers TriggerHandler, logger *zap.Logger) *ContinuationHandler {
	return &ContinuationHandler{triggers: triggers, logger: logger}
}

// ContinuationResponse is the body of every continuation reply
type ContinuationResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
	Status  string `json:"status,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
}

// Continue handles POST /internal/tasks/continue. A handler failure is
// recorded on the task and still answers ok; only engine errors are reported
// as failures.
func (h *ContinuationHandler) Continue(w http.ResponseWriter, r *http.Request) {
	var req ports.ContinuationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, ContinuationResponse{Error: "Invalid request body: " + err.Error()})
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		respondJSON(w, http.StatusBadRequest, ContinuationResponse{Error: err.Error()})
		return
	}

	outcome, err := h.triggers.HandleTrigger(r.Context(), req.TaskID)
	if err != nil {
		status := http.StatusInternalServerError
		if appErr := pkgerrors.GetAppError(err); appErr != nil && appErr.HTTPStatus != 0 {
			status = appErr.HTTPStatus
		}
		h.logger.Error("Continuation trigger failed", zap.String("task_id", req.TaskID), zap.Error(err))
		respondJSON(w, status, ContinuationResponse{TaskID: req.TaskID, Error: err.Error()})
		return
	}

	resp := ContinuationResponse{OK: true, TaskID: req.TaskID, Skipped: outcome.Skipped}
	if outcome.Task != nil {
		resp.Status = string(outcome.Task.Status)
	}
	respondJSON(w, http.StatusOK, resp)
}
