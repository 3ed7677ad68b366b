// Package storage provides the per-chain Postgres store: connection pool,
// migrations, job/log/checkpoint repositories and the Redis cache.
package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/position-indexer/internal/errors"
)

// ErrAcquireTimeout is returned when no pooled connection became free in time
var ErrAcquireTimeout = stderrors.New("timed out waiting for a database connection")

// PostgresConfig configures one chain's connection pool
type PostgresConfig struct {
	URL            string
	Schema         string
	PoolSize       int
	AcquireTimeout time.Duration
}

// PostgresDB wraps the pgxpool connection of one chain schema
type PostgresDB struct {
	pool           *pgxpool.Pool
	schema         string
	acquireTimeout time.Duration
}

// NewPostgresDB creates a connection pool whose sessions resolve unqualified
// table names in cfg.Schema
func NewPostgresDB(ctx context.Context, cfg *PostgresConfig) (*PostgresDB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", cfg.PoolSize)
	}

	poolConfig.MaxConns = int32(cfg.PoolSize) // #nosec G115 - pool size is validated in config
	poolConfig.MinConns = min(2, poolConfig.MaxConns)
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	if cfg.Schema != "" {
		poolConfig.ConnConfig.RuntimeParams["search_path"] = cfg.Schema
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	acquireTimeout := cfg.AcquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = 30 * time.Second
	}

	return &PostgresDB{
		pool:           pool,
		schema:         cfg.Schema,
		acquireTimeout: acquireTimeout,
	}, nil
}

// Close closes the database connection pool
func (db *PostgresDB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Pool returns the underlying connection pool
func (db *PostgresDB) Pool() *pgxpool.Pool {
	return db.pool
}

// Schema returns the schema this pool is bound to
func (db *PostgresDB) Schema() string {
	return db.schema
}

// Ping checks if the database is reachable
func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Acquire takes a connection from the pool, waiting at most the configured
// acquire timeout. The caller must Release it.
func (db *PostgresDB) Acquire(ctx context.Context, operation string) (*pgxpool.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, db.acquireTimeout)
	defer cancel()

	conn, err := db.pool.Acquire(acquireCtx)
	if err != nil {
		if ctx.Err() == nil && stderrors.Is(acquireCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrAcquireTimeout, db.acquireTimeout)
		}
		return nil, apperrors.NewDatabaseError(operation, err)
	}
	return conn, nil
}

// InTx runs fn inside one transaction on a freshly acquired connection.
// The transaction is committed when fn returns nil and rolled back otherwise.
func (db *PostgresDB) InTx(ctx context.Context, operation string, fn func(tx pgx.Tx) error) error {
	conn, err := db.Acquire(ctx, operation)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return apperrors.NewDatabaseError(operation, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	if err := fn(tx); err != nil {
		return apperrors.NewDatabaseError(operation, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return apperrors.NewDatabaseError(operation, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// PoolStats is a point-in-time snapshot of pool usage
type PoolStats struct {
	TotalConns        int32
	AcquiredConns     int32
	IdleConns         int32
	MaxConns          int32
	EmptyAcquireCount int64
}

// Stats returns the current pool usage
func (db *PostgresDB) Stats() PoolStats {
	stat := db.pool.Stat()
	return PoolStats{
		TotalConns:        stat.TotalConns(),
		AcquiredConns:     stat.AcquiredConns(),
		IdleConns:         stat.IdleConns(),
		MaxConns:          stat.MaxConns(),
		EmptyAcquireCount: stat.EmptyAcquireCount(),
	}
}
