package main

import (
	"context"
	"log"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	chiadapter "github.com/awslabs/aws-lambda-go-api-proxy/chi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"decisium-backend/infrastructure/config"
	"decisium-backend/infrastructure/di"
	"decisium-backend/interfaces/http/rest"
)

var (
	chiLambda *chiadapter.ChiLambdaV2
	container *di.Container

	coldStart     = true
	coldStartTime time.Time
)

func init() {
	coldStartTime = time.Now()
	ctx := context.Background()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// The stores live for the lifetime of the execution environment, so the
	// cleanup is never run.
	container, _, err = di.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize container: %v", err)
	}

	handler := rest.NewRouter(rest.Options{
		Sessions:       container.Sessions,
		Triggers:       container.Continuation,
		Verifier:       container.Verifier,
		RateLimiter:    container.RateLimiter,
		InternalSecret: cfg.InternalSecret,
		Metrics:        container.Collector,
		EnableCORS:     cfg.EnableCORS,
		Debug:          cfg.IsDevelopment(),
	}, container.Logger).Setup()

	chiRouter, ok := handler.(*chi.Mux)
	if !ok {
		log.Fatal("Failed to cast handler to chi.Mux")
	}
	chiLambda = chiadapter.NewV2(chiRouter)

	container.Logger.Info("Lambda cold start completed", zap.Duration("duration", time.Since(coldStartTime)))
}

// Handler is the Lambda function handler
func Handler(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	container.Logger.Debug("Lambda received request",
		zap.String("path", req.RequestContext.HTTP.Path),
		zap.String("method", req.RequestContext.HTTP.Method),
		zap.String("request_id", req.RequestContext.RequestID),
	)

	resp, err := chiLambda.ProxyWithContextV2(ctx, req)

	// Inline continuation triggers must finish before the environment is
	// frozen.
	container.Drain(ctx)

	if coldStart {
		if resp.Headers == nil {
			resp.Headers = map[string]string{}
		}
		resp.Headers["X-Cold-Start"] = "true"
		resp.Headers["X-Cold-Start-Duration"] = time.Since(coldStartTime).String()
		coldStart = false
	}
	return resp, err
}

func main() {
	lambda.Start(Handler)
}
