// Package rest exposes the task engine over HTTP.
package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"decisium-backend/application/sessions"
	"decisium-backend/interfaces/http/rest/handlers"
	"decisium-backend/interfaces/http/rest/middleware"
	"decisium-backend/pkg/auth"
	pkgerrors "decisium-backend/pkg/errors"
)

// Options carries everything the router serves
type Options struct {
	Sessions       *sessions.Service
	Triggers       handlers.TriggerHandler
	Verifier       auth.TokenVerifier
	RateLimiter    auth.RateLimiter
	InternalSecret string
	Metrics        middleware.HTTPMetrics
	MetricsHandler http.Handler // nil disables /metrics
	EnableCORS     bool
	AllowedOrigins []string
	Debug          bool
}

// Router creates and configures the HTTP router
type Router struct {
	opts   Options
	errors *pkgerrors.ErrorHandler
	logger *zap.Logger
}

// NewRouter creates a new router instance
func NewRouter(opts Options, logger *zap.Logger) *Router {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:3000", "https://*.decisium.app"}
	}
	return &Router{
		opts:   opts,
		errors: pkgerrors.NewErrorHandler(logger, opts.Debug),
		logger: logger,
	}
}

// Setup configures all routes and middleware
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.StripSlashes)
	router.Use(rt.errors.Middleware)
	router.Use(middleware.Logger(rt.logger, rt.opts.Metrics))

	if rt.opts.EnableCORS {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   rt.opts.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	router.Get("/health", rt.healthCheck)
	if rt.opts.MetricsHandler != nil {
		router.Method(http.MethodGet, "/metrics", rt.opts.MetricsHandler)
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(rt.opts.Verifier, rt.opts.RateLimiter, rt.errors, rt.logger))

		taskHandler := handlers.NewTaskHandler(rt.opts.Sessions, rt.errors, rt.logger)
		r.Route("/sessions/{sessionID}/tasks", func(r chi.Router) {
			r.Post("/", taskHandler.Enqueue)
			r.Get("/", taskHandler.List)
		})
		r.Route("/tasks/{taskID}", func(r chi.Router) {
			r.Post("/cancel", taskHandler.Cancel)
			r.Post("/retry", taskHandler.Retry)
			r.Post("/run", taskHandler.Run)
		})
	})

	router.Route("/internal", func(r chi.Router) {
		r.Use(middleware.RequireInternalSecret(rt.opts.InternalSecret, rt.errors))
		r.Post("/tasks/continue", handlers.NewContinuationHandler(rt.opts.Triggers, rt.logger).Continue)
	})

	return router
}

func (rt *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}
