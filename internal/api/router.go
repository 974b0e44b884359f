package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/gprofiler-dev/profctl/internal/completion"
	"github.com/gprofiler-dev/profctl/internal/dispatch"
	"github.com/gprofiler-dev/profctl/internal/ratelimit"
	"github.com/gprofiler-dev/profctl/internal/reconcile"
	"github.com/gprofiler-dev/profctl/internal/repository"
	"github.com/gprofiler-dev/profctl/internal/websocket"
)

// RouterConfig holds all dependencies needed to build the HTTP router. It
// is populated in main.go after all components are initialized and passed
// to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Reconciler        *reconcile.Reconciler
	Dispatcher        *dispatch.Dispatcher
	CompletionHandler *completion.Handler
	Heartbeats        repository.HeartbeatRepository
	Commands          repository.CommandRepository
	Requests          repository.RequestRepository
	Hub               *websocket.Hub
	HeartbeatLimiter  *ratelimit.PerKeyLimiter
	MaxBulkPercent    int
	Logger            *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router. All routes
// are registered under /api/v1.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	requestHandler := NewRequestHandler(cfg.Reconciler, cfg.Heartbeats, cfg.Commands, cfg.Requests, cfg.MaxBulkPercent, cfg.Logger)
	heartbeatHandler := NewHeartbeatHandler(cfg.Dispatcher, cfg.HeartbeatLimiter, cfg.Hub, cfg.Logger)
	completionHandler := NewCompletionHandler(cfg.CompletionHandler, cfg.Hub, cfg.Logger)
	statusHandler := NewStatusHandler(cfg.Heartbeats, cfg.Commands, cfg.Logger)
	watchHandler := NewWatchHandler(cfg.Hub, cfg.Logger)

	r.Route("/api/v1/profiling", func(r chi.Router) {
		r.Post("/requests", requestHandler.Submit)
		r.Post("/requests/bulk", requestHandler.SubmitBulk)
		r.Post("/heartbeat", heartbeatHandler.Handle)
		r.Post("/completions", completionHandler.Handle)
		r.Get("/status", statusHandler.List)
		r.Get("/watch", watchHandler.ServeWS)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return r
}
