package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/observer/watchparty/internal/api"
	"github.com/observer/watchparty/internal/auth"
	"github.com/observer/watchparty/internal/config"
	"github.com/observer/watchparty/internal/database"
	"github.com/observer/watchparty/internal/middleware"
	"github.com/observer/watchparty/internal/pubsub"
	"github.com/observer/watchparty/internal/room"
	"github.com/observer/watchparty/internal/server"
	"github.com/observer/watchparty/internal/websocket"

	_ "github.com/observer/watchparty/docs" // swagger spec
)

const sweepInterval = 10 * time.Minute

func main() {
	// Structured logging from the start
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Create context for initialization
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Connect to the metadata store. A missing or unreachable store is not
	// fatal: the server degrades to memory-only rooms.
	var db *database.DB
	var store room.MetadataStore
	if cfg.MemoryOnly() {
		slog.Warn("DATABASE_URL not set - running memory-only, rooms will not survive a restart")
	} else {
		db, err = database.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			slog.Warn("metadata store unreachable - running memory-only", "error", err)
		} else {
			defer db.Close()
			if err := database.EnsureSchema(ctx, db, "migrations"); err != nil {
				slog.Error("failed to ensure database schema", "error", err)
				os.Exit(1)
			}
			store = database.NewStore(db)
			slog.Info("connected to metadata store")
		}
	}

	// JWT verification (token issuance happens upstream)
	jwtKey := cfg.JWTSigningKey
	if jwtKey == "" {
		if cfg.IsDevelopment() {
			jwtKey = "dev-signing-key-do-not-use-in-production!!" // 44 chars
			slog.Warn("using default JWT signing key - DO NOT USE IN PRODUCTION")
		} else {
			slog.Error("JWT_SIGNING_KEY is required in production")
			os.Exit(1)
		}
	}
	verifier, err := auth.NewJWTVerifier(jwtKey)
	if err != nil {
		slog.Error("failed to create token verifier", "error", err)
		os.Exit(1)
	}

	// PubSub: in-memory for a single instance, Redis to span instances
	var ps pubsub.PubSub
	if cfg.PubSubType == "redis" {
		rps, err := pubsub.NewRedisPubSub(cfg.RedisURL, logger)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		ps = rps
		slog.Info("using redis pubsub")
	} else {
		ps = pubsub.NewMemoryPubSub()
	}
	defer ps.Close()

	// Room admission service over the live registry
	registry := room.NewRegistry()
	gen := room.NewIDGenerator(cfg.RoomIDLength)
	broadcaster := websocket.NewPubSubBroadcaster(ps)
	rooms := room.NewService(store, registry, gen, broadcaster, cfg.AppBaseURL, cfg.RoomExpiryDays, logger)

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go rooms.SweepLoop(runCtx, sweepInterval)

	// Signaling hub
	timers := room.NewGraceTimers()
	defer timers.Stop()

	hub := websocket.NewHub(rooms, timers, ps, websocket.HubConfig{
		GracePeriod:  cfg.HostReconnectGrace,
		PingInterval: cfg.SocketPingInterval,
		PongWait:     cfg.SocketPingTimeout,
	}, logger)
	go hub.Run(runCtx)

	wsHandler := websocket.NewHandler(hub, verifier, cfg.CORSOrigins, logger)
	roomHandler := api.NewRoomHandler(rooms, logger)
	limiter := middleware.NewRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMaxRequests)

	deps := &server.Dependencies{
		DB:          db,
		Verifier:    verifier,
		RoomHandler: roomHandler,
		WSHandler:   wsHandler,
		RateLimiter: limiter,
		StartedAt:   time.Now(),
		Logger:      logger,
	}

	srv := server.New(cfg, deps)

	go func() {
		slog.Info("starting server", "addr", cfg.ServerAddr, "memory_only", store == nil)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt
	<-runCtx.Done()
	slog.Info("shutting down gracefully...")

	// Give active connections 10 seconds to finish
	timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer timeoutCancel()

	if err := srv.Shutdown(timeoutCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}

	slog.Info("server stopped")
}
