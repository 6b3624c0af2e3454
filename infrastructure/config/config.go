package config

import (
	"fmt"
	"os"
	"strconv"
)

const (
	StoreDynamoDB = "dynamodb"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"

	DispatchEventBridge = "eventbridge"
	DispatchHTTP        = "http"
	DispatchInline      = "inline"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	ServerAddress string `yaml:"server_address" toml:"server_address"`
	Environment   string `yaml:"environment" toml:"environment"`

	// AWS configuration
	AWSRegion        string `yaml:"aws_region" toml:"aws_region"`
	DynamoDBTable    string `yaml:"dynamodb_table" toml:"dynamodb_table"`
	IndexName        string `yaml:"index_name" toml:"index_name"`           // GSI1 - tasks of a session by sequence
	GSI2IndexName    string `yaml:"gsi2_index_name" toml:"gsi2_index_name"` // GSI2 - sparse index of pending tasks
	ConnectionsTable string `yaml:"connections_table" toml:"connections_table"`
	EventBusName     string `yaml:"event_bus_name" toml:"event_bus_name"`

	// Task engine
	StoreBackend    string `yaml:"store_backend" toml:"store_backend"`
	SQLiteDir       string `yaml:"sqlite_dir" toml:"sqlite_dir"`
	DispatchMode    string `yaml:"dispatch_mode" toml:"dispatch_mode"`
	ContinuationURL string `yaml:"continuation_url" toml:"continuation_url"`
	InternalSecret  string `yaml:"internal_secret" toml:"internal_secret"`
	SweepLimit      int    `yaml:"sweep_limit" toml:"sweep_limit"`

	// Lambda configuration
	IsLambda           bool   `yaml:"is_lambda" toml:"is_lambda"`
	LambdaFunctionName string `yaml:"lambda_function_name" toml:"lambda_function_name"`

	// WebSocket configuration
	WebSocketEndpoint string `yaml:"websocket_endpoint" toml:"websocket_endpoint"`

	// Authentication
	JWTSecret          string `yaml:"jwt_secret" toml:"jwt_secret"`
	JWTIssuer          string `yaml:"jwt_issuer" toml:"jwt_issuer"`
	SupabaseURL        string `yaml:"supabase_url" toml:"supabase_url"`
	SupabaseServiceKey string `yaml:"supabase_service_key" toml:"supabase_service_key"`

	// Language model
	OpenAIAPIKey   string `yaml:"openai_api_key" toml:"openai_api_key"`
	ChatModel      string `yaml:"chat_model" toml:"chat_model"`
	EmbeddingModel string `yaml:"embedding_model" toml:"embedding_model"`

	// Memory retrieval defaults
	RetrievalThreshold     float64 `yaml:"retrieval_threshold" toml:"retrieval_threshold"`
	RetrievalLimitPerLevel int     `yaml:"retrieval_limit_per_level" toml:"retrieval_limit_per_level"`
	MemoryContextTokens    int     `yaml:"memory_context_tokens" toml:"memory_context_tokens"`

	// Logging
	LogLevel string `yaml:"log_level" toml:"log_level"`

	// Feature flags
	EnableMetrics bool   `yaml:"enable_metrics" toml:"enable_metrics"`
	EnableTracing bool   `yaml:"enable_tracing" toml:"enable_tracing"`
	EnableCORS    bool   `yaml:"enable_cors" toml:"enable_cors"`
	OTLPEndpoint  string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() *Config {
	return &Config{
		ServerAddress:          ":8080",
		Environment:            "development",
		AWSRegion:              "us-west-2",
		DynamoDBTable:          "decisium",
		IndexName:              "GSI1",
		GSI2IndexName:          "GSI2",
		ConnectionsTable:       "decisium-connections",
		EventBusName:           "decisium-events",
		StoreBackend:           StoreMemory,
		SQLiteDir:              "./data",
		DispatchMode:           DispatchInline,
		SweepLimit:             100,
		JWTIssuer:              "decisium",
		ChatModel:              "gpt-4o-mini",
		EmbeddingModel:         "text-embedding-3-small",
		RetrievalThreshold:     0.5,
		RetrievalLimitPerLevel: 5,
		MemoryContextTokens:    1500,
		LogLevel:               "info",
		EnableCORS:             true,
		OTLPEndpoint:           "localhost:4317",
	}
}

// LoadConfig loads configuration from the optional CONFIG_FILE and then
// environment variables, which take precedence.
func LoadConfig() (*Config, error) {
	cfg, err := NewLoader(os.Getenv("CONFIG_FILE")).Load()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load is an alias for LoadConfig
func Load() (*Config, error) {
	return LoadConfig()
}

// applyEnv overlays environment variables on cfg.
func applyEnv(cfg *Config) {
	cfg.ServerAddress = getEnv("SERVER_ADDRESS", cfg.ServerAddress)
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)

	cfg.AWSRegion = getEnv("AWS_REGION", cfg.AWSRegion)
	cfg.DynamoDBTable = getEnv("TABLE_NAME", getEnv("DYNAMODB_TABLE", cfg.DynamoDBTable))
	cfg.IndexName = getEnv("INDEX_NAME", cfg.IndexName)
	cfg.GSI2IndexName = getEnv("GSI2_INDEX_NAME", cfg.GSI2IndexName)
	cfg.ConnectionsTable = getEnv("CONNECTIONS_TABLE", cfg.ConnectionsTable)
	cfg.EventBusName = getEnv("EVENT_BUS_NAME", cfg.EventBusName)

	cfg.StoreBackend = getEnv("STORE_BACKEND", cfg.StoreBackend)
	cfg.SQLiteDir = getEnv("SQLITE_DIR", cfg.SQLiteDir)
	cfg.DispatchMode = getEnv("DISPATCH_MODE", cfg.DispatchMode)
	cfg.ContinuationURL = getEnv("CONTINUATION_URL", cfg.ContinuationURL)
	cfg.InternalSecret = getEnv("INTERNAL_SECRET", cfg.InternalSecret)
	cfg.SweepLimit = getEnvInt("SWEEP_LIMIT", cfg.SweepLimit)

	cfg.IsLambda = getEnvBool("IS_LAMBDA", cfg.IsLambda)
	cfg.LambdaFunctionName = getEnv("AWS_LAMBDA_FUNCTION_NAME", cfg.LambdaFunctionName)
	if cfg.LambdaFunctionName != "" {
		cfg.IsLambda = true
	}

	cfg.WebSocketEndpoint = getEnv("WEBSOCKET_ENDPOINT", cfg.WebSocketEndpoint)

	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTIssuer = getEnv("JWT_ISSUER", cfg.JWTIssuer)
	cfg.SupabaseURL = getEnv("SUPABASE_URL", cfg.SupabaseURL)
	cfg.SupabaseServiceKey = getEnv("SUPABASE_SERVICE_KEY", cfg.SupabaseServiceKey)

	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.ChatModel = getEnv("CHAT_MODEL", cfg.ChatModel)
	cfg.EmbeddingModel = getEnv("EMBEDDING_MODEL", cfg.EmbeddingModel)

	cfg.RetrievalThreshold = getEnvFloat("RETRIEVAL_THRESHOLD", cfg.RetrievalThreshold)
	cfg.RetrievalLimitPerLevel = getEnvInt("RETRIEVAL_LIMIT_PER_LEVEL", cfg.RetrievalLimitPerLevel)
	cfg.MemoryContextTokens = getEnvInt("MEMORY_CONTEXT_TOKENS", cfg.MemoryContextTokens)

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.EnableMetrics = getEnvBool("ENABLE_METRICS", cfg.EnableMetrics)
	cfg.EnableTracing = getEnvBool("ENABLE_TRACING", cfg.EnableTracing)
	cfg.EnableCORS = getEnvBool("ENABLE_CORS", cfg.EnableCORS)
	cfg.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
}

// Validate checks if all required configuration is present
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreDynamoDB, StoreSQLite, StoreMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be one of dynamodb, sqlite, memory, got %q", c.StoreBackend)
	}

	switch c.DispatchMode {
	case DispatchInline:
	case DispatchHTTP:
		if c.ContinuationURL == "" {
			return fmt.Errorf("CONTINUATION_URL is required when DISPATCH_MODE=http")
		}
	case DispatchEventBridge:
		if c.EventBusName == "" {
			return fmt.Errorf("EVENT_BUS_NAME is required when DISPATCH_MODE=eventbridge")
		}
	default:
		return fmt.Errorf("DISPATCH_MODE must be one of eventbridge, http, inline, got %q", c.DispatchMode)
	}
	if c.DispatchMode != DispatchInline && c.InternalSecret == "" {
		return fmt.Errorf("INTERNAL_SECRET is required when DISPATCH_MODE=%s", c.DispatchMode)
	}

	if c.StoreBackend == StoreDynamoDB && c.DynamoDBTable == "" {
		return fmt.Errorf("DYNAMODB_TABLE is required")
	}
	if c.RetrievalThreshold < 0 || c.RetrievalThreshold > 1 {
		return fmt.Errorf("RETRIEVAL_THRESHOLD must be within [0,1]")
	}
	if c.RetrievalLimitPerLevel <= 0 {
		return fmt.Errorf("RETRIEVAL_LIMIT_PER_LEVEL must be positive")
	}
	if c.MemoryContextTokens <= 0 {
		return fmt.Errorf("MEMORY_CONTEXT_TOKENS must be positive")
	}

	if c.Environment == "production" {
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.InternalSecret == "" {
			return fmt.Errorf("INTERNAL_SECRET is required in production")
		}
		if c.StoreBackend == StoreMemory {
			return fmt.Errorf("the memory store cannot be used in production")
		}
	}

	return nil
}

// IsDevelopment checks if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction checks if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
