package di

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscloudwatch "github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awseventbridge "github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"decisium-backend/application/continuation"
	"decisium-backend/application/executor"
	appmemory "decisium-backend/application/memory"
	"decisium-backend/application/ports"
	"decisium-backend/application/sessions"
	"decisium-backend/application/summaries"
	"decisium-backend/domain/graph"
	domainmemory "decisium-backend/domain/memory"
	"decisium-backend/infrastructure/config"
	"decisium-backend/infrastructure/llm"
	"decisium-backend/infrastructure/messaging/eventbridge"
	"decisium-backend/infrastructure/messaging/httpdispatch"
	"decisium-backend/infrastructure/notify/websocket"
	"decisium-backend/infrastructure/observability"
	"decisium-backend/infrastructure/persistence/dynamodb"
	"decisium-backend/infrastructure/persistence/memory"
	"decisium-backend/infrastructure/persistence/sqlite"
	"decisium-backend/infrastructure/supabase"
	"decisium-backend/pkg/auth"
	pkgerrors "decisium-backend/pkg/errors"
)

// ProvideLogLevel parses the configured level into an adjustable level
func ProvideLogLevel(cfg *config.Config) (zap.AtomicLevel, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return zap.AtomicLevel{}, pkgerrors.NewConfigurationError(fmt.Sprintf("invalid LOG_LEVEL %q", cfg.LogLevel))
	}
	return level, nil
}

// ProvideLogger creates a new logger instance
func ProvideLogger(cfg *config.Config, level zap.AtomicLevel) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.IsProduction() {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zcfg.Level = level

	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("environment", cfg.Environment)), nil
}

// ProvideAWSConfig creates AWS configuration. Loading does no network I/O,
// so it is safe for deployments that use no AWS service.
func ProvideAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.AWSRegion),
	)
}

// ProvideDynamoDBClient creates a DynamoDB client
func ProvideDynamoDBClient(awsCfg aws.Config) *awsdynamodb.Client {
	return awsdynamodb.NewFromConfig(awsCfg)
}

// ProvideEventBridgeClient creates an EventBridge client
func ProvideEventBridgeClient(awsCfg aws.Config) *awseventbridge.Client {
	return awseventbridge.NewFromConfig(awsCfg)
}

// ProvideCloudWatchClient creates a CloudWatch client
func ProvideCloudWatchClient(awsCfg aws.Config) *awscloudwatch.Client {
	return awscloudwatch.NewFromConfig(awsCfg)
}

// Stores groups the task and message stores of one backend
type Stores struct {
	Tasks    ports.TaskStore
	Messages ports.MessageStore
}

// ProvideStores opens the configured store backend
func ProvideStores(cfg *config.Config, client *awsdynamodb.Client, logger *zap.Logger) (*Stores, func(), error) {
	switch cfg.StoreBackend {
	case config.StoreDynamoDB:
		return &Stores{
			Tasks:    dynamodb.NewTaskStore(client, cfg.DynamoDBTable, cfg.IndexName, cfg.GSI2IndexName, logger),
			Messages: dynamodb.NewMessageStore(client, cfg.DynamoDBTable, logger),
		}, func() {}, nil

	case config.StoreSQLite:
		db, err := sqlite.Open(cfg.SQLiteDir)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() {
			if err := db.Close(); err != nil {
				logger.Warn("Failed to close SQLite database", zap.Error(err))
			}
		}
		return &Stores{
			Tasks:    sqlite.NewTaskStore(db),
			Messages: sqlite.NewMessageStore(db),
		}, cleanup, nil

	default:
		logger.Warn("Using in-memory store; tasks are lost on restart")
		return &Stores{
			Tasks:    memory.NewTaskStore(),
			Messages: memory.NewMessageStore(),
		}, func() {}, nil
	}
}

// ProvideTaskStore extracts the task store
func ProvideTaskStore(s *Stores) ports.TaskStore {
	return s.Tasks
}

// ProvideMessageStore extracts the message store
func ProvideMessageStore(s *Stores) ports.MessageStore {
	return s.Messages
}

// FragmentStore searches and writes the memory corpus
type FragmentStore interface {
	ports.FragmentSearcher
	ports.FragmentWriter
}

// ProvideFragmentStore uses Supabase when configured and a process-local
// index otherwise.
func ProvideFragmentStore(cfg *config.Config, logger *zap.Logger) (FragmentStore, error) {
	if cfg.SupabaseURL == "" {
		return memory.NewFragmentStore(), nil
	}
	client, err := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceKey)
	if err != nil {
		return nil, err
	}
	return supabase.NewFragmentStore(client, logger), nil
}

// ProvideLLMClient creates the OpenAI client
func ProvideLLMClient(cfg *config.Config, logger *zap.Logger) *llm.Client {
	return llm.NewClient(llm.Config{
		APIKey:         cfg.OpenAIAPIKey,
		ChatModel:      cfg.ChatModel,
		EmbeddingModel: cfg.EmbeddingModel,
		MaxRetries:     2,
	}, logger)
}

// ProvideRetriever creates the memory retriever
func ProvideRetriever(cfg *config.Config, client *llm.Client, fragments FragmentStore, logger *zap.Logger) *appmemory.Retriever {
	return appmemory.NewRetriever(client, fragments, domainmemory.Options{
		Threshold:     cfg.RetrievalThreshold,
		LimitPerLevel: cfg.RetrievalLimitPerLevel,
	}, logger)
}

// ProvideMetricsCollector creates the Prometheus collector
func ProvideMetricsCollector() *observability.Collector {
	return observability.NewCollector("decisium")
}

// ProvideMetricsRecorder picks the metrics sink. Lambda functions publish to
// CloudWatch; servers expose the Prometheus collector.
func ProvideMetricsRecorder(cfg *config.Config, collector *observability.Collector, client *awscloudwatch.Client, logger *zap.Logger) ports.MetricsRecorder {
	if cfg.IsLambda && cfg.EnableMetrics {
		return observability.NewCloudWatchRecorder(fmt.Sprintf("Decisium/%s", cfg.Environment), client, logger)
	}
	return collector
}

// ProvideTaskObserver pushes task transitions to websocket clients when an
// endpoint is configured.
func ProvideTaskObserver(cfg *config.Config, awsCfg aws.Config, client *awsdynamodb.Client, logger *zap.Logger) ports.TaskObserver {
	if cfg.WebSocketEndpoint == "" || cfg.ConnectionsTable == "" {
		return nil
	}
	return websocket.NewNotifier(
		websocket.NewConnections(client, cfg.ConnectionsTable, cfg.IndexName),
		websocket.NewPoster(awsCfg, cfg.WebSocketEndpoint),
		logger,
	)
}

// ProvideConnections creates the websocket connection registry
func ProvideConnections(cfg *config.Config, client *awsdynamodb.Client) *websocket.Connections {
	return websocket.NewConnections(client, cfg.ConnectionsTable, cfg.IndexName)
}

// ProvideExecutor builds the handler table and the executor
func ProvideExecutor(
	cfg *config.Config,
	tasks ports.TaskStore,
	messages ports.MessageStore,
	client *llm.Client,
	retriever *appmemory.Retriever,
	observer ports.TaskObserver,
	metrics ports.MetricsRecorder,
	logger *zap.Logger,
) (*executor.Executor, error) {
	if err := graph.Validate(); err != nil {
		return nil, err
	}
	handlers := executor.NewHandlerTable(executor.NodeDeps{
		Messages:            messages,
		Model:               client,
		Memory:              retriever,
		MemoryContextTokens: cfg.MemoryContextTokens,
	})
	return executor.New(tasks, handlers, observer, metrics, logger)
}

// ProvideDispatcher selects how continuation triggers leave the process
func ProvideDispatcher(cfg *config.Config, client *awseventbridge.Client, metrics ports.MetricsRecorder, logger *zap.Logger) (ports.Dispatcher, error) {
	switch cfg.DispatchMode {
	case config.DispatchEventBridge:
		return eventbridge.NewDispatcher(client, cfg.EventBusName, cfg.InternalSecret, logger), nil
	case config.DispatchHTTP:
		return httpdispatch.NewDispatcher(cfg.ContinuationURL, cfg.InternalSecret, nil, metrics, logger), nil
	case config.DispatchInline:
		return continuation.NewInlineDispatcher(logger), nil
	default:
		return nil, pkgerrors.NewConfigurationError(fmt.Sprintf("unknown dispatch mode %q", cfg.DispatchMode))
	}
}

// ProvideContinuationService creates the continuation service and binds an
// inline dispatcher to it.
func ProvideContinuationService(
	cfg *config.Config,
	tasks ports.TaskStore,
	exec *executor.Executor,
	dispatcher ports.Dispatcher,
	metrics ports.MetricsRecorder,
	logger *zap.Logger,
) *continuation.Service {
	svc := continuation.NewService(tasks, exec, dispatcher, metrics, cfg.DispatchMode, logger)
	if inline, ok := dispatcher.(*continuation.InlineDispatcher); ok {
		inline.Bind(svc)
	}
	return svc
}

// ProvideSessionService creates the session task API service
func ProvideSessionService(tasks ports.TaskStore, cont *continuation.Service, logger *zap.Logger) *sessions.Service {
	return sessions.NewService(tasks, cont, logger)
}

// ProvideSummaryService creates the daily summary service
func ProvideSummaryService(messages ports.MessageStore, client *llm.Client, fragments FragmentStore, logger *zap.Logger) *summaries.Service {
	return summaries.NewService(messages, client, client, fragments, logger)
}

// ProvideTokenVerifier validates bearer tokens locally when a JWT secret is
// set and asks Supabase Auth otherwise. It returns nil when neither is
// configured, which makes every user route answer 401.
func ProvideTokenVerifier(cfg *config.Config, logger *zap.Logger) (auth.TokenVerifier, error) {
	if cfg.JWTSecret != "" {
		v, err := auth.NewJWTValidator(auth.JWTConfig{SecretKey: cfg.JWTSecret, Issuer: cfg.JWTIssuer})
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	if cfg.SupabaseURL != "" {
		client, err := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceKey)
		if err != nil {
			return nil, err
		}
		return supabase.NewTokenVerifier(client), nil
	}
	logger.Warn("No token verifier configured; user routes will reject every request")
	return nil, nil
}

// ProvideRateLimiter limits each caller to 120 requests per minute
func ProvideRateLimiter() auth.RateLimiter {
	return auth.NewSlidingWindowLimiter(120, time.Minute)
}
