package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"decisium-backend/infrastructure/config"
	"decisium-backend/infrastructure/di"
	"decisium-backend/infrastructure/observability"
	"decisium-backend/interfaces/http/rest"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	container, cleanup, err := di.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize container: %v", err)
	}
	defer cleanup()

	var tracer *observability.TracerProvider
	if cfg.EnableTracing {
		tracer, err = observability.InitTracing(ctx, observability.TracingConfig{
			ServiceName: "decisium-api",
			Environment: cfg.Environment,
			Endpoint:    cfg.OTLPEndpoint,
			SampleRate:  sampleRate(cfg),
		}, container.Logger)
		if err != nil {
			container.Logger.Warn("Tracing disabled", zap.Error(err))
		}
	}

	// Only the log level is applied live; everything else needs a restart.
	if path := os.Getenv("CONFIG_FILE"); path != "" && cfg.IsDevelopment() {
		watcher, err := config.NewWatcher(path, cfg, container.LogLevel, container.Logger)
		if err != nil {
			container.Logger.Warn("Config hot reload unavailable", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	router := rest.NewRouter(rest.Options{
		Sessions:       container.Sessions,
		Triggers:       container.Continuation,
		Verifier:       container.Verifier,
		RateLimiter:    container.RateLimiter,
		InternalSecret: cfg.InternalSecret,
		Metrics:        container.Collector,
		MetricsHandler: container.Collector.Handler(),
		EnableCORS:     cfg.EnableCORS,
		Debug:          cfg.IsDevelopment(),
	}, container.Logger)

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router.Setup(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		container.Logger.Info("Starting server",
			zap.String("address", cfg.ServerAddress),
			zap.String("environment", cfg.Environment),
			zap.String("dispatch_mode", cfg.DispatchMode),
			zap.String("store_backend", cfg.StoreBackend),
		)

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			container.Logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	container.Logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		container.Logger.Error("Server shutdown error", zap.Error(err))
	}
	// inline continuation triggers outlive the request that started them
	container.Drain(shutdownCtx)

	if err := tracer.Shutdown(shutdownCtx); err != nil {
		container.Logger.Error("Tracer shutdown error", zap.Error(err))
	}

	if err := container.Logger.Sync(); err != nil {
		log.Printf("Failed to sync logger: %v", err)
	}

	log.Println("Server stopped")
}

func sampleRate(cfg *config.Config) float64 {
	if cfg.IsProduction() {
		return 0.1
	}
	return 1.0
}
