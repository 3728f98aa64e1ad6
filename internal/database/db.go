package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/observer/watchparty/internal/domain"
)

// DB wraps the connection pool. On a failed operation the pool is re-created
// once and the operation retried a single time; persistent failures surface
// to the caller, which selects a degraded path.
type DB struct {
	mu     sync.Mutex
	pool   *pgxpool.Pool
	config *pgxpool.Config
	logger *slog.Logger
}

// New creates a new database connection pool
func New(ctx context.Context, databaseURL string, logger *slog.Logger) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	// Connection pool settings: bounded, with connection aging and capped reuse
	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{pool: pool, config: config, logger: logger}, nil
}

// Pool returns the current connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.pool
}

// withRetry runs fn and, on failure, re-creates the pool once and retries a
// single time. Lost connections and expired credentials both present as a
// first-attempt error here.
func (db *DB) withRetry(ctx context.Context, fn func(pool *pgxpool.Pool) error) error {
	err := fn(db.Pool())
	if err == nil || ctx.Err() != nil {
		return err
	}
	// Semantic misses are not connection faults.
	if errors.Is(err, domain.ErrRoomNotFound) {
		return err
	}

	db.logger.Warn("database operation failed, resetting pool and retrying once", "error", err)
	if resetErr := db.reset(ctx); resetErr != nil {
		return err
	}
	return fn(db.Pool())
}

func (db *DB) reset(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	pool, err := pgxpool.NewWithConfig(ctx, db.config)
	if err != nil {
		return fmt.Errorf("re-create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping after pool reset: %w", err)
	}

	old := db.pool
	db.pool = pool
	old.Close()
	return nil
}

// Close closes the connection pool
func (db *DB) Close() {
	db.Pool().Close()
}

// Health checks if database is reachable
func (db *DB) Health(ctx context.Context) error {
	return db.Pool().Ping(ctx)
}
