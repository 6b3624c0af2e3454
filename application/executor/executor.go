package executor

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"decisium-backend/application/ports"
	"decisium-backend/domain/graph"
	"decisium-backend/domain/task"
	pkgerrors "decisium-backend/pkg/errors"
)

// Outcome reports what one Execute call did.
type Outcome struct {
	// Task is the latest known state of the executed task.
	Task *task.Task
	// Successor is the task created for the next node, nil at a terminal
	// node or on failure.
	Successor *task.Task
	// Skipped is set when the call changed nothing: the task was not
	// pending, another trigger claimed it, or it was cancelled mid-run.
	Skipped bool
	// Failed is set when the handler failed and the failure was recorded.
	Failed bool
	Reason string
}

// HasSuccessor reports whether the chain should keep going.
func (o Outcome) HasSuccessor() bool {
	return o.Successor != nil
}

// Executor runs exactly one task per call.
type Executor struct {
	store    ports.TaskStore
	handlers HandlerTable
	observer ports.TaskObserver
	metrics  ports.MetricsRecorder
	tracer   trace.Tracer
	logger   *zap.Logger
}

// New creates an executor. It refuses an incomplete handler table.
func New(store ports.TaskStore, handlers HandlerTable, observer ports.TaskObserver, metrics ports.MetricsRecorder, logger *zap.Logger) (*Executor, error) {
	if err := handlers.Validate(); err != nil {
		return nil, err
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Executor{
		store:    store,
		handlers: handlers,
		observer: observer,
		metrics:  metrics,
		tracer:   otel.Tracer("decisium-backend/executor"),
		logger:   logger,
	}, nil
}

// Execute claims a pending task, runs its node handler and persists the
// result together with the successor. Duplicate or late triggers are no-ops.
// A handler failure is recorded on the task and reported in the Outcome; the
// returned error is reserved for failures to read or write the store and for
// configuration errors.
func (e *Executor) Execute(ctx context.Context, taskID string) (Outcome, error) {
	t, err := e.store.Get(ctx, taskID)
	if err != nil {
		return Outcome{}, err
	}
	if t.Status != task.StatusPending {
		e.logger.Debug("Task not pending, skipping",
			zap.String("task_id", t.ID),
			zap.String("status", string(t.Status)),
		)
		return Outcome{Task: t, Skipped: true}, nil
	}

	claimed, err := e.store.UpdateStatus(ctx, taskID, task.Claim())
	if pkgerrors.IsConflict(err) {
		e.logger.Debug("Claim lost, skipping", zap.String("task_id", taskID), zap.Error(err))
		return e.skipped(ctx, t), nil
	}
	if err != nil {
		return Outcome{}, err
	}
	e.observer.TaskChanged(ctx, claimed)

	logger := e.logger.With(
		zap.String("task_id", claimed.ID),
		zap.String("session_id", claimed.SessionID),
		zap.String("task_type", string(claimed.Type)),
	)

	ctx, span := e.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("task.id", claimed.ID),
		attribute.String("task.session_id", claimed.SessionID),
		attribute.String("task.type", string(claimed.Type)),
		attribute.Int64("task.sequence", claimed.Sequence),
	))
	defer span.End()

	start := time.Now()
	nodeID, err := graph.NodeIDOf(claimed.Type)
	if err != nil {
		return e.fail(ctx, span, logger, claimed, start, err.Error(), pkgerrors.NewConfigurationError(err.Error()))
	}
	handler := e.handlers[nodeID]
	if handler == nil {
		msg := fmt.Sprintf("no handler for node '%s'", nodeID)
		return e.fail(ctx, span, logger, claimed, start, msg, pkgerrors.NewConfigurationError(msg))
	}

	in := NodeInput{
		TaskID:    claimed.ID,
		SessionID: claimed.SessionID,
		UserID:    claimed.UserID,
		Type:      claimed.Type,
		Payload:   claimed.Payload.Clone(),
		Iteration: claimed.Payload.Int(task.KeyIteration),
	}
	out, err := runHandler(ctx, handler, in)
	if err != nil {
		failure := pkgerrors.NewHandlerFailure(string(nodeID), err)
		span.RecordError(failure)
		return e.fail(ctx, span, logger, claimed, start, fmt.Sprintf("%s: %v", nodeID, err), nil)
	}

	o := out.Outcome
	if o.Iteration < in.Iteration {
		o.Iteration = in.Iteration
	}
	nextType, terminal, err := graph.SuccessorOf(claimed.Type, o)
	if err != nil {
		return e.fail(ctx, span, logger, claimed, start, err.Error(), err)
	}

	var next *task.Spec
	if !terminal {
		next = &task.Spec{
			SessionID: claimed.SessionID,
			UserID:    claimed.UserID,
			Type:      nextType,
			Payload:   successorPayload(claimed.Payload, out.Result, o),
		}
	}

	done, successor, err := e.store.CompleteAndEnqueue(ctx, claimed.ID, out.Result, next)
	if pkgerrors.IsConflict(err) {
		logger.Info("Task left running state during execution, dropping result")
		span.SetAttributes(attribute.Bool("task.cancelled", true))
		return e.skipped(ctx, claimed), nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist result")
		return Outcome{}, err
	}

	e.metrics.RecordExecution(done.Type, done.Status, time.Since(start))
	e.observer.TaskChanged(ctx, done)
	if successor != nil {
		e.observer.TaskChanged(ctx, successor)
		span.SetAttributes(attribute.String("task.successor_type", string(successor.Type)))
	}

	logger.Info("Task succeeded",
		zap.String("status", string(done.Status)),
		zap.Bool("terminal", terminal),
		zap.Duration("duration", time.Since(start)),
	)
	return Outcome{Task: done, Successor: successor}, nil
}

// fail records a failed task. fatal, when set, is also returned to the caller.
func (e *Executor) fail(ctx context.Context, span trace.Span, logger *zap.Logger, t *task.Task, start time.Time, reason string, fatal error) (Outcome, error) {
	span.SetStatus(codes.Error, reason)

	failed, err := e.store.UpdateStatus(ctx, t.ID, task.Fail(reason))
	if pkgerrors.IsConflict(err) {
		logger.Info("Task left running state before failure was recorded")
		return e.skipped(ctx, t), fatal
	}
	if err != nil {
		return Outcome{}, err
	}

	e.metrics.RecordExecution(failed.Type, failed.Status, time.Since(start))
	e.observer.TaskChanged(ctx, failed)

	if fatal != nil {
		logger.Error("Task failed on configuration", zap.String("status", string(failed.Status)), zap.Error(fatal))
	} else {
		logger.Warn("Task failed", zap.String("status", string(failed.Status)), zap.String("last_error", reason))
	}
	return Outcome{Task: failed, Failed: true, Reason: reason}, fatal
}

func (e *Executor) skipped(ctx context.Context, fallback *task.Task) Outcome {
	latest, err := e.store.Get(ctx, fallback.ID)
	if err != nil {
		latest = fallback
	}
	return Outcome{Task: latest, Skipped: true}
}

// runHandler converts a handler panic into an error so the task is recorded
// as failed instead of being left running.
func runHandler(ctx context.Context, h NodeHandler, in NodeInput) (out NodeOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Execute(ctx, in)
}

// successorPayload carries the current payload forward with the result
// layered on top and the loop counter and branch recorded.
func successorPayload(current, result task.Payload, o graph.Outcome) task.Payload {
	p := current.Merge(result)
	p[task.KeyIteration] = o.Iteration
	if o.Branch != graph.BranchNone {
		p["branch"] = string(o.Branch)
	} else {
		delete(p, "branch")
	}
	return p
}

type nopObserver struct{}

func (nopObserver) TaskChanged(context.Context, *task.Task) {}

type nopMetrics struct{}

func (nopMetrics) RecordExecution(task.Type, task.Status, time.Duration) {}
func (nopMetrics) RecordDispatch(string, error) {}
