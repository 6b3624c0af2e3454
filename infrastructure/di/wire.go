//go:build wireinject
// +build wireinject

package di

import (
	"context"

	"github.com/google/wire"

	"decisium-backend/infrastructure/config"
)

// SuperSet is the main provider set containing all providers
var SuperSet = wire.NewSet(
	ProvideLogLevel,
	ProvideLogger,
	ProvideAWSConfig,
	ProvideDynamoDBClient,
	ProvideEventBridgeClient,
	ProvideCloudWatchClient,
	ProvideStores,
	ProvideTaskStore,
	ProvideMessageStore,
	ProvideFragmentStore,
	ProvideLLMClient,
	ProvideRetriever,
	ProvideMetricsCollector,
	ProvideMetricsRecorder,
	ProvideTaskObserver,
	ProvideExecutor,
	ProvideDispatcher,
	ProvideContinuationService,
	ProvideSessionService,
	ProvideSummaryService,
	ProvideTokenVerifier,
	ProvideRateLimiter,
	wire.Struct(new(Container), "*"),
)

// InitializeContainer creates a fully wired container
func InitializeContainer(ctx context.Context, cfg *config.Config) (*Container, func(), error) {
	wire.Build(SuperSet)
	return nil, nil, nil // Wire will replace this
}

// GatewaySet wires the websocket connect and disconnect handlers
var GatewaySet = wire.NewSet(
	ProvideLogLevel,
	ProvideLogger,
	ProvideAWSConfig,
	ProvideDynamoDBClient,
	ProvideConnections,
	ProvideTokenVerifier,
	wire.Struct(new(Gateway), "*"),
)

// InitializeGateway creates the dependencies of the websocket Lambdas
func InitializeGateway(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	wire.Build(GatewaySet)
	return nil, nil // Wire will replace this
}
