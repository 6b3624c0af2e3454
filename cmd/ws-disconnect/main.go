// Package main implements the WebSocket $disconnect handler.
package main

import (
	"context"
	"log"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"decisium-backend/infrastructure/config"
	"decisium-backend/infrastructure/di"
)

var gateway *di.Gateway

func init() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	gateway, err = di.InitializeGateway(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
}

// Handler removes the connection record. A missing record is not an error;
// the TTL may already have expired it.
func Handler(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	connectionID := req.RequestContext.ConnectionID

	if err := gateway.Connections.RemoveByConnection(ctx, connectionID); err != nil {
		gateway.Logger.Error("Failed to remove connection", zap.String("connection_id", connectionID), zap.Error(err))
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError}, nil
	}

	gateway.Logger.Info("WebSocket disconnected", zap.String("connection_id", connectionID))
	return events.APIGatewayProxyResponse{StatusCode: http.StatusOK}, nil
}

func main() {
	lambda.Start(Handler)
}
