// Package main is the EventBridge target that executes one task per
// continuation trigger.
package main

import (
	"context"
	"encoding/json"
	"log"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"decisium-backend/infrastructure/config"
	"decisium-backend/infrastructure/di"
	"decisium-backend/infrastructure/messaging/eventbridge"
	"decisium-backend/infrastructure/observability"
)

var (
	container *di.Container
	tracer    = observability.NewXRayTracer("task-worker")
)

func init() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	container, _, err = di.Build(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to initialize container: %v", err)
	}
	container.Logger.Info("Task worker initialized", zap.String("dispatch_mode", cfg.DispatchMode))
}

// Handler executes the task named by a signed continuation event. Returning
// an error makes Lambda retry the event; the executor's claim makes the retry
// a no-op if the first attempt got through.
func Handler(ctx context.Context, event events.CloudWatchEvent) error {
	logger := container.Logger.With(zap.String("event_id", event.ID))

	if event.DetailType != eventbridge.DetailTypeContinuation {
		logger.Warn("Ignoring unexpected event", zap.String("detail_type", event.DetailType))
		return nil
	}

	var detail eventbridge.Detail
	if err := json.Unmarshal(event.Detail, &detail); err != nil {
		logger.Error("Malformed continuation detail", zap.Error(err))
		return nil
	}
	if !eventbridge.VerifyDetail(container.Config.InternalSecret, detail) {
		logger.Warn("Rejected continuation with invalid signature", zap.String("task_id", detail.TaskID))
		return nil
	}

	return tracer.Trace(ctx, "execute", map[string]string{
		"task_id":    detail.TaskID,
		"session_id": detail.SessionID,
	}, func(ctx context.Context) error {
		outcome, err := container.Continuation.HandleTrigger(ctx, detail.TaskID)
		if err != nil {
			logger.Error("Continuation failed", zap.String("task_id", detail.TaskID), zap.Error(err))
			return err
		}
		if outcome.Task != nil {
			tracer.Annotate(ctx, "status", string(outcome.Task.Status))
		}
		logger.Info("Continuation handled",
			zap.String("task_id", detail.TaskID),
			zap.Bool("skipped", outcome.Skipped),
		)
		return nil
	})
}

func main() {
	lambda.Start(Handler)
}
