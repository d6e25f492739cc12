// Package http provides HTTP handlers and router configuration.
package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/emanuelef/yt-batch-go/internal/transport/http/middleware"
)

// RouterConfig holds the router's tunables.
type RouterConfig struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// RateLimiters holds the rate limiters for different endpoint types.
type RateLimiters struct {
	Write *middleware.RateLimiter // mutating endpoints
	Read  *middleware.RateLimiter // polling endpoints
}

// NewRouter creates a new chi router with all routes and middleware configured.
func NewRouter(cfg RouterConfig, handlers *Handlers, limiters *RateLimiters) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()

	// Basic middleware (applied to all routes)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300, // 5 minutes
	}))

	r.Route("/api", func(r chi.Router) {
		// Event stream is long-lived: no timeout, no compression.
		r.Get("/events", handlers.EventsHandler)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
			r.Use(chimiddleware.Compress(5))

			r.Get("/health", handlers.HealthHandler)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RateLimitMiddleware(limiters.Read))
				r.Get("/tools", handlers.ToolsHandler)
				r.Get("/jobs", handlers.ListJobsHandler)
				r.Get("/jobs/{id}", handlers.GetJobHandler)
				r.Get("/batch", handlers.BatchStatusHandler)
			})

			r.Group(func(r chi.Router) {
				r.Use(middleware.RateLimitMiddleware(limiters.Write))

				r.Post("/jobs", handlers.AddJobsHandler)
				r.Delete("/jobs", handlers.ClearJobsHandler)
				r.Post("/jobs/import", handlers.ImportJobsHandler)
				r.Post("/jobs/titles", handlers.ResolveTitlesHandler)
				r.Patch("/jobs/selection", handlers.SelectAllHandler)
				r.Delete("/jobs/completed", handlers.RemoveCompletedHandler)
				r.Delete("/jobs/{id}", handlers.DeleteJobHandler)
				r.Patch("/jobs/{id}/selection", handlers.SelectJobHandler)

				r.Post("/batch/start", handlers.StartBatchHandler)
				r.Post("/batch/pause", handlers.PauseBatchHandler)
				r.Post("/batch/cancel", handlers.CancelBatchHandler)
				r.Post("/batch/retry", handlers.RetryFailedHandler)
				r.Post("/batch/requeue", handlers.RequeueCancelledHandler)

				r.Post("/session/export", handlers.ExportSessionHandler)
				r.Post("/session/import", handlers.ImportSessionHandler)
			})
		})
	})

	// Catch-all for undefined routes
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found", "NOT_FOUND")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
	})

	return r
}

// NewServer creates the HTTP server. WriteTimeout stays zero so the event
// stream is not cut off; regular routes are bounded by the Timeout middleware.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
