package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	require.NoError(t, Defaults().Validate())
}

func TestLoaderLayers(t *testing.T) {
	t.Run("YAML", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "app.yaml", `
store_backend: sqlite
sqlite_dir: /tmp/tasks
retrieval_threshold: 0.7
log_level: debug
`)
		t.Setenv("LOG_LEVEL", "warn")

		l := NewLoader(path)
		cfg, err := l.Load()
		require.NoError(t, err)
		assert.Equal(t, StoreSQLite, cfg.StoreBackend)
		assert.Equal(t, "/tmp/tasks", cfg.SQLiteDir)
		assert.InDelta(t, 0.7, cfg.RetrievalThreshold, 1e-9)
		assert.Equal(t, "warn", cfg.LogLevel, "environment wins over the file")
		assert.Equal(t, 5, cfg.RetrievalLimitPerLevel, "defaults fill the rest")
		assert.Equal(t, []string{"defaults", path, "environment"}, l.Sources())
	})

	t.Run("TOML", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "app.toml", `
dispatch_mode = "http"
continuation_url = "http://localhost:8080/internal/tasks/continue"
internal_secret = "dev-only"
memory_context_tokens = 800
`)
		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)
		assert.Equal(t, DispatchHTTP, cfg.DispatchMode)
		assert.Equal(t, 800, cfg.MemoryContextTokens)
	})

	t.Run("UnknownKey", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "app.toml", `colour = "blue"`)
		_, err := NewLoader(path).Load()
		assert.Error(t, err)
	})

	t.Run("UnsupportedFormat", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "app.ini", `a=b`)
		_, err := NewLoader(path).Load()
		assert.ErrorContains(t, err, "unsupported config format")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"UnknownStore", func(c *Config) { c.StoreBackend = "redis" }, "STORE_BACKEND"},
		{"UnknownDispatch", func(c *Config) { c.DispatchMode = "sqs" }, "DISPATCH_MODE"},
		{"HTTPWithoutURL", func(c *Config) { c.DispatchMode = DispatchHTTP }, "CONTINUATION_URL"},
		{"EventBridgeWithoutSecret", func(c *Config) { c.DispatchMode = DispatchEventBridge }, "INTERNAL_SECRET"},
		{"ThresholdRange", func(c *Config) { c.RetrievalThreshold = 1.5 }, "RETRIEVAL_THRESHOLD"},
		{"LimitPositive", func(c *Config) { c.RetrievalLimitPerLevel = 0 }, "RETRIEVAL_LIMIT_PER_LEVEL"},
		{"ProductionNeedsJWT", func(c *Config) {
			c.Environment = "production"
			c.StoreBackend = StoreDynamoDB
		}, "JWT_SECRET"},
		{"ProductionNeedsInternalSecret", func(c *Config) {
			c.Environment = "production"
			c.StoreBackend = StoreDynamoDB
			c.JWTSecret = "s"
		}, "INTERNAL_SECRET"},
		{"ProductionRejectsMemoryStore", func(c *Config) {
			c.Environment = "production"
			c.JWTSecret = "s"
			c.InternalSecret = "i"
		}, "memory store"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLambdaDetection(t *testing.T) {
	t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "decisium-task-worker")
	cfg, err := NewLoader("").Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsLambda)
}

func TestWatcherAppliesLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "app.yaml", "log_level: info\n")

	initial, err := NewLoader(path).Load()
	require.NoError(t, err)

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	w, err := NewWatcher(path, initial, level, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()

	changed := make(chan *Config, 1)
	w.OnChange(func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})

	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o600))

	select {
	case cfg := <-changed:
		assert.Equal(t, "debug", cfg.LogLevel)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
	assert.Equal(t, zapcore.DebugLevel, level.Level())
	assert.Equal(t, "debug", w.Config().LogLevel)
}

func TestApplyLogLevelRejectsGarbage(t *testing.T) {
	level := zap.NewAtomicLevel()
	assert.Error(t, ApplyLogLevel(level, "loud"))
}
