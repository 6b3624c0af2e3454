// Package main is the scheduled Lambda behind two EventBridge rules: the
// nightly daily-summary run and the periodic recovery sweep.
package main

import (
	"context"
	"encoding/json"
	"log"
	"time"

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
	tracer    = observability.NewXRayTracer("summary-cron")
)

// summaryRequest is the optional detail of a summary event. An empty day
// means yesterday in UTC.
type summaryRequest struct {
	Day string `json:"day"`
}

// Handler runs a recovery sweep for RecoverySweep events and the daily
// summaries for everything else.
func Handler(ctx context.Context, event events.CloudWatchEvent) (interface{}, error) {
	if event.DetailType == eventbridge.DetailTypeSweep {
		var report interface{}
		err := tracer.Trace(ctx, "sweep", nil, func(ctx context.Context) error {
			r, err := container.Continuation.Sweep(ctx, container.Config.SweepLimit)
			report = r
			return err
		})
		if err != nil {
			container.Logger.Error("Recovery sweep failed", zap.Error(err))
		}
		return report, err
	}

	day, err := summaryDay(event.Detail, time.Now())
	if err != nil {
		container.Logger.Error("Invalid summary request", zap.Error(err))
		return nil, nil
	}

	var report interface{}
	err = tracer.Trace(ctx, "daily_summaries", map[string]string{"day": day.Format("2006-01-02")}, func(ctx context.Context) error {
		r, err := container.Summaries.Generate(ctx, day)
		report = r
		return err
	})
	if err != nil {
		container.Logger.Error("Daily summaries failed", zap.Error(err))
	}
	return report, err
}

func summaryDay(detail json.RawMessage, now time.Time) (time.Time, error) {
	var req summaryRequest
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &req); err != nil {
			return time.Time{}, err
		}
	}
	if req.Day == "" {
		return now.UTC().AddDate(0, 0, -1), nil
	}
	return time.Parse("2006-01-02", req.Day)
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	container, _, err = di.Build(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to initialize container: %v", err)
	}
	lambda.Start(Handler)
}
