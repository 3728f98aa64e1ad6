package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/observer/watchparty/internal/api"
	"github.com/observer/watchparty/internal/auth"
	"github.com/observer/watchparty/internal/config"
	"github.com/observer/watchparty/internal/database"
	"github.com/observer/watchparty/internal/middleware"
	"github.com/observer/watchparty/internal/websocket"
)

// Dependencies holds all service dependencies for the server
type Dependencies struct {
	DB          *database.DB // nil in memory-only mode
	Verifier    auth.Verifier
	RoomHandler *api.RoomHandler
	WSHandler   *websocket.Handler
	RateLimiter *middleware.RateLimiter
	StartedAt   time.Time
	Logger      *slog.Logger
}

// New creates an HTTP server with all routes configured.
func New(cfg *config.Config, deps *Dependencies) *http.Server {
	mux := http.NewServeMux()

	// Register routes
	registerRoutes(mux, cfg, deps)

	// Wrap with middleware
	handler := chainMiddleware(mux,
		requestIDMiddleware,
		corsMiddleware(cfg),
		loggingMiddleware(deps.Logger),
		recoverMiddleware(deps.Logger),
	)

	return &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func registerRoutes(mux *http.ServeMux, cfg *config.Config, deps *Dependencies) {
	// Health check - essential for docker, k8s, load balancers
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"ok","timestamp":%q,"uptime_seconds":%d}`,
			time.Now().UTC().Format(time.RFC3339), int64(time.Since(deps.StartedAt).Seconds()))
	})

	// Ready check - verifies store connectivity; memory-only mode is always ready
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if deps.DB != nil {
			if err := deps.DB.Health(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"degraded","store":"unavailable"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	// =========================================================================
	// Room routes (require auth, rate limited)
	// =========================================================================
	authMiddleware := auth.Middleware(deps.Verifier)
	optionalAuth := auth.OptionalMiddleware(deps.Verifier)
	limited := func(h http.HandlerFunc) http.Handler {
		return authMiddleware(deps.RateLimiter.Middleware(h))
	}

	mux.Handle("POST /api/rooms/create", limited(deps.RoomHandler.Create))
	mux.Handle("POST /api/rooms/{id}/validate", limited(deps.RoomHandler.Validate))
	mux.Handle("POST /api/rooms/{id}/close", limited(deps.RoomHandler.Close))
	mux.Handle("POST /api/rooms/{id}/leave-temporary", limited(deps.RoomHandler.LeaveTemporary))
	mux.Handle("POST /api/rooms/{id}/rejoin", limited(deps.RoomHandler.Rejoin))

	// Existence probe without a token, full details with one.
	mux.Handle("GET /api/rooms/{id}", optionalAuth(http.HandlerFunc(deps.RoomHandler.Get)))

	// =========================================================================
	// WebSocket route (token checked in the handler, before upgrade)
	// =========================================================================
	mux.Handle("GET /ws", deps.WSHandler)

	// =========================================================================
	// API documentation
	// =========================================================================
	mux.Handle("GET /swagger/", httpSwagger.WrapHandler)
}
