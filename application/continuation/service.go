// Package continuation drives task chains across invocations. Each trigger
// executes exactly one task and then dispatches a new, independent trigger
// for its successor.
package continuation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"decisium-backend/application/executor"
	"decisium-backend/application/ports"
	"decisium-backend/domain/task"
	pkgerrors "decisium-backend/pkg/errors"
)

// DefaultStaleAfter is how long a task may stay running before the sweep
// reports it as abandoned by its invocation.
const DefaultStaleAfter = 15 * time.Minute

// TaskExecutor runs one task per call
type TaskExecutor interface {
	Execute(ctx context.Context, taskID string) (executor.Outcome, error)
}

// Service executes triggered tasks and keeps the chain moving
type Service struct {
	store      ports.TaskStore
	executor   TaskExecutor
	dispatcher ports.Dispatcher
	metrics    ports.MetricsRecorder
	mode       string
	staleAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewService creates a continuation service. mode labels dispatch metrics.
func NewService(
	store ports.TaskStore,
	exec TaskExecutor,
	dispatcher ports.Dispatcher,
	metrics ports.MetricsRecorder,
	mode string,
	logger *zap.Logger,
) *Service {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Service{
		store:      store,
		executor:   exec,
		dispatcher: dispatcher,
		metrics:    metrics,
		mode:       mode,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		logger:     logger,
	}
}

// HandleTrigger executes the named task and dispatches its successor. A
// failed dispatch is logged and leaves the successor pending for the sweep;
// it is not an error of this trigger.
//
// When the call leaves no successor (terminal node, handler failure, or a
// claim lost to the session's running task) the session's next pending task
// is dispatched instead, so a chain queued behind another one starts when the
// first releases the session.
func (s *Service) HandleTrigger(ctx context.Context, taskID string) (executor.Outcome, error) {
	outcome, err := s.executor.Execute(ctx, taskID)
	if err != nil {
		return outcome, err
	}
	if !outcome.HasSuccessor() {
		s.handOff(ctx, outcome.Task)
		return outcome, nil
	}
	if err := s.ContinueAfter(ctx, outcome); err != nil {
		s.logger.Warn("Successor left pending for recovery",
			zap.String("task_id", taskID),
			zap.String("successor_id", outcome.Successor.ID),
			zap.Error(err),
		)
	}
	return outcome, nil
}

func (s *Service) handOff(ctx context.Context, last *task.Task) {
	if last == nil || last.SessionID == "" {
		return
	}
	entry := s.resume(ctx, last.SessionID)
	switch entry.Action {
	case SweepDispatched:
		s.logger.Debug("Session handed to next pending task",
			zap.String("session_id", entry.SessionID),
			zap.String("task_id", entry.TaskID),
		)
	case SweepError:
		s.logger.Warn("Next pending task left for recovery",
			zap.String("session_id", entry.SessionID),
			zap.String("task_id", entry.TaskID),
			zap.String("error", entry.Error),
		)
	}
}

// ContinueAfter dispatches the successor recorded in outcome, if any.
func (s *Service) ContinueAfter(ctx context.Context, outcome executor.Outcome) error {
	if !outcome.HasSuccessor() {
		return nil
	}
	return s.Dispatch(ctx, outcome.Successor)
}

// Dispatch sends a continuation trigger for t.
func (s *Service) Dispatch(ctx context.Context, t *task.Task) error {
	err := s.dispatcher.Dispatch(ctx, ports.ContinuationRequest{TaskID: t.ID, SessionID: t.SessionID})
	s.metrics.RecordDispatch(s.mode, err)
	if err != nil {
		if pkgerrors.IsDispatchFailure(err) {
			return err
		}
		return pkgerrors.NewDispatchFailure(t.ID, err)
	}

	s.logger.Debug("Continuation dispatched",
		zap.String("task_id", t.ID),
		zap.String("session_id", t.SessionID),
		zap.String("task_type", string(t.Type)),
	)
	return nil
}

// SweepAction is what the sweep did for one session
type SweepAction string

const (
	SweepDispatched     SweepAction = "dispatched"
	SweepSkippedRunning SweepAction = "skipped_running"
	// SweepStaleRunning marks a session blocked by a task that has been
	// running longer than the stale threshold. The sweep leaves it alone;
	// cancel and retry the named task to unblock the session.
	SweepStaleRunning   SweepAction = "stale_running"
	SweepNothingPending SweepAction = "nothing_pending"
	SweepError          SweepAction = "error"
)

// SweepEntry is the per-session line of a sweep report
type SweepEntry struct {
	SessionID string      `json:"session_id"`
	TaskID    string      `json:"task_id,omitempty"`
	Action    SweepAction `json:"action"`
	Error     string      `json:"error,omitempty"`
}

// SweepReport summarizes one recovery sweep
type SweepReport struct {
	StartedAt time.Time    `json:"started_at"`
	Entries   []SweepEntry `json:"entries"`
}

// Count returns how many entries ended with action a.
func (r SweepReport) Count(a SweepAction) int {
	n := 0
	for _, e := range r.Entries {
		if e.Action == a {
			n++
		}
	}
	return n
}

// Sweep re-dispatches the lowest pending task of every session that has
// pending work and no running task. Sessions are processed independently.
// limit <= 0 means no limit.
func (s *Service) Sweep(ctx context.Context, limit int) (SweepReport, error) {
	report := SweepReport{StartedAt: time.Now().UTC()}

	sessions, err := s.store.PendingSessions(ctx, limit)
	if err != nil {
		return report, err
	}

	for _, sessionID := range sessions {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Entries = append(report.Entries, s.resume(ctx, sessionID))
	}

	s.logger.Info("Recovery sweep finished",
		zap.Int("sessions", len(sessions)),
		zap.Int("dispatched", report.Count(SweepDispatched)),
		zap.Int("skipped_running", report.Count(SweepSkippedRunning)),
		zap.Int("stale_running", report.Count(SweepStaleRunning)),
		zap.Int("errors", report.Count(SweepError)),
	)
	return report, nil
}

// resume dispatches the session's lowest pending task unless a task of the
// session is running.
func (s *Service) resume(ctx context.Context, sessionID string) SweepEntry {
	entry := SweepEntry{SessionID: sessionID}

	next, err := s.store.NextPending(ctx, sessionID)
	if err != nil {
		return sweepFailed(entry, err)
	}
	if next == nil {
		entry.Action = SweepNothingPending
		return entry
	}
	entry.TaskID = next.ID

	tasks, err := s.store.ListBySession(ctx, sessionID, next.UserID)
	if err != nil {
		return sweepFailed(entry, err)
	}
	for _, t := range tasks {
		if t.Status != task.StatusRunning {
			continue
		}
		entry.Action = SweepSkippedRunning
		if s.now().Sub(t.UpdatedAt) > s.staleAfter {
			entry.Action = SweepStaleRunning
			entry.TaskID = t.ID
			s.logger.Warn("Session blocked by stale running task",
				zap.String("session_id", sessionID),
				zap.String("task_id", t.ID),
				zap.Time("updated_at", t.UpdatedAt),
			)
		}
		return entry
	}

	if err := s.Dispatch(ctx, next); err != nil {
		s.logger.Warn("Sweep dispatch failed",
			zap.String("session_id", sessionID),
			zap.String("task_id", next.ID),
			zap.Error(err),
		)
		return sweepFailed(entry, err)
	}
	entry.Action = SweepDispatched
	return entry
}

func sweepFailed(e SweepEntry, err error) SweepEntry {
	e.Action = SweepError
	e.Error = err.Error()
	return e
}

type nopMetrics struct{}

func (nopMetrics) RecordExecution(task.Type, task.Status, time.Duration) {}
func (nopMetrics) RecordDispatch(string, error) {}
