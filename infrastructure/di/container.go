// Package di assembles the application from configuration.
package di

import (
	"context"

	"go.uber.org/zap"

	"decisium-backend/application/continuation"
	"decisium-backend/application/executor"
	appmemory "decisium-backend/application/memory"
	"decisium-backend/application/ports"
	"decisium-backend/application/sessions"
	"decisium-backend/application/summaries"
	"decisium-backend/infrastructure/config"
	"decisium-backend/infrastructure/notify/websocket"
	"decisium-backend/infrastructure/observability"
	"decisium-backend/pkg/auth"
)

// Container holds all application dependencies
type Container struct {
	Config       *config.Config
	Logger       *zap.Logger
	LogLevel     zap.AtomicLevel
	Tasks        ports.TaskStore
	Messages     ports.MessageStore
	Retriever    *appmemory.Retriever
	Executor     *executor.Executor
	Dispatcher   ports.Dispatcher
	Continuation *continuation.Service
	Sessions     *sessions.Service
	Summaries    *summaries.Service
	Collector    *observability.Collector
	Metrics      ports.MetricsRecorder
	Verifier     auth.TokenVerifier
	RateLimiter  auth.RateLimiter
}

// Gateway holds what the websocket connect and disconnect handlers need
type Gateway struct {
	Logger      *zap.Logger
	Connections *websocket.Connections
	Verifier    auth.TokenVerifier
}

// waiter is implemented by dispatchers that run triggers in the background
type waiter interface {
	Wait()
}

// Drain blocks until in-process continuation triggers have finished, or ctx
// is done.
func (c *Container) Drain(ctx context.Context) {
	w, ok := c.Dispatcher.(waiter)
	if !ok {
		return
	}
	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.Logger.Warn("Shutdown deadline reached with continuation triggers still running")
	}
}

// Build validates cfg and wires a container. The returned cleanup closes the
// stores.
func Build(ctx context.Context, cfg *config.Config) (*Container, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return InitializeContainer(ctx, cfg)
}
