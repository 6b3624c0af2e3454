// Package main implements the WebSocket $connect handler. It authenticates the
// caller and registers the connection so task status changes can be pushed to
// it.
package main

import (
	"context"
	"log"
	"net/http"
	"strings"

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

// bearerToken reads the token from the query string, which browsers must use
// for websockets, or from the Authorization header.
func bearerToken(req events.APIGatewayWebsocketProxyRequest) string {
	if token := req.QueryStringParameters["token"]; token != "" {
		return token
	}
	for k, v := range req.Headers {
		if strings.EqualFold(k, "Authorization") {
			return strings.TrimSpace(strings.TrimPrefix(v, "Bearer "))
		}
	}
	return ""
}

// Handler processes WebSocket connection requests
func Handler(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	connectionID := req.RequestContext.ConnectionID
	logger := gateway.Logger.With(zap.String("connection_id", connectionID))

	if gateway.Verifier == nil {
		logger.Error("Rejecting connection: no token verifier configured")
		return events.APIGatewayProxyResponse{StatusCode: http.StatusUnauthorized}, nil
	}

	user, err := gateway.Verifier.Verify(ctx, bearerToken(req))
	if err != nil {
		logger.Info("Rejecting unauthenticated connection", zap.Error(err))
		return events.APIGatewayProxyResponse{StatusCode: http.StatusUnauthorized}, nil
	}

	if err := gateway.Connections.Add(ctx, user.UserID, connectionID); err != nil {
		logger.Error("Failed to store connection", zap.String("user_id", user.UserID), zap.Error(err))
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError}, nil
	}

	logger.Info("WebSocket connected", zap.String("user_id", user.UserID))
	return events.APIGatewayProxyResponse{StatusCode: http.StatusOK}, nil
}

func main() {
	lambda.Start(Handler)
}
