package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
// We use a struct (not globals) so it's testable and explicit.
type Config struct {
	// Server
	ServerAddr string
	Env        string // "development" or "production"

	// Database. Empty means the server runs memory-only: rooms will not
	// survive a restart and the durable projection is skipped.
	DatabaseURL string

	// Auth
	JWTSigningKey string

	// URLs
	AppBaseURL string

	// Rooms
	RoomIDLength       int // 6-8
	RoomExpiryDays     int // default expiry when create omits it, 1-30
	HostReconnectGrace time.Duration

	// WebSocket transport
	SocketPingInterval time.Duration
	SocketPingTimeout  time.Duration

	// Rate limiting
	RateLimitWindow      time.Duration
	RateLimitMaxRequests int

	// CORS
	CORSOrigins []string

	// Redis (for PubSub horizontal scaling)
	RedisURL   string // e.g., "redis://localhost:6379"
	PubSubType string // "memory" or "redis"
}

// Load reads configuration from environment variables.
// In production, these come from the host. In dev, from .env via docker-compose.
func Load() (*Config, error) {
	cfg := &Config{
		ServerAddr:  "0.0.0.0:" + getEnvOrDefault("PORT", "8080"),
		Env:         getEnvOrDefault("APP_ENV", "development"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		AppBaseURL:  getEnvOrDefault("APP_BASE_URL", "http://localhost:8080"),

		RoomIDLength:       getEnvInt("ROOM_ID_LENGTH", 6),
		RoomExpiryDays:     getEnvInt("ROOM_EXPIRY_DAYS", 7),
		HostReconnectGrace: time.Duration(getEnvInt("HOST_RECONNECT_GRACE_MS", 300000)) * time.Millisecond,

		SocketPingInterval: time.Duration(getEnvInt("SOCKET_PING_INTERVAL", 25)) * time.Second,
		SocketPingTimeout:  time.Duration(getEnvInt("SOCKET_PING_TIMEOUT", 60)) * time.Second,

		RateLimitWindow:      time.Duration(getEnvInt("RATE_LIMIT_WINDOW_MS", 60000)) * time.Millisecond,
		RateLimitMaxRequests: getEnvInt("RATE_LIMIT_MAX_REQUESTS", 100),

		CORSOrigins: splitEnv("CORS_ORIGIN", "*"),

		RedisURL:   os.Getenv("REDIS_URL"),
		PubSubType: getEnvOrDefault("PUBSUB_TYPE", "memory"),
	}

	cfg.JWTSigningKey = os.Getenv("JWT_SIGNING_KEY")

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.RoomIDLength < 6 || c.RoomIDLength > 8 {
		return fmt.Errorf("ROOM_ID_LENGTH must be between 6 and 8, got %d", c.RoomIDLength)
	}
	if c.RoomExpiryDays < 1 || c.RoomExpiryDays > 30 {
		return fmt.Errorf("ROOM_EXPIRY_DAYS must be between 1 and 30, got %d", c.RoomExpiryDays)
	}
	if c.HostReconnectGrace <= 0 {
		return fmt.Errorf("HOST_RECONNECT_GRACE_MS must be positive")
	}
	if c.SocketPingInterval >= c.SocketPingTimeout {
		return fmt.Errorf("SOCKET_PING_INTERVAL must be less than SOCKET_PING_TIMEOUT")
	}
	if c.PubSubType != "memory" && c.PubSubType != "redis" {
		return fmt.Errorf("PUBSUB_TYPE must be \"memory\" or \"redis\", got %q", c.PubSubType)
	}
	if c.PubSubType == "redis" && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when PUBSUB_TYPE=redis")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// MemoryOnly reports whether the server runs without a metadata store.
func (c *Config) MemoryOnly() bool {
	return c.DatabaseURL == ""
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// splitEnv splits a comma-separated env var into a slice
func splitEnv(key, defaultVal string) []string {
	val := os.Getenv(key)
	if val == "" {
		val = defaultVal
	}
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
