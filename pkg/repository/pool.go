// Package repository is the PostgreSQL persistence layer: the shared
// connection pool, schema migrations, and one repository type per
// table. All database failures surface as DB_CONNECTION_FAILED with
// the driver detail kept as a structured field.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/boa-dtp/transformat/internal/logger"
	"github.com/boa-dtp/transformat/pkg/config"
	"github.com/boa-dtp/transformat/pkg/errcode"
)

// queryTimeout is applied server-side as statement_timeout.
const queryTimeout = 60 * time.Second

// NewPool creates and pings a pgx connection pool sized from the
// database configuration.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, errcode.Wrap(err, errcode.DBConnectionFailed,
			"details", err.Error())
	}

	poolConfig.MinConns = cfg.PoolMin
	poolConfig.MaxConns = cfg.PoolMax
	poolConfig.ConnConfig.RuntimeParams["statement_timeout"] =
		fmt.Sprintf("%dms", queryTimeout.Milliseconds())

	logger.Info("creating database connection pool",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.Name,
		"user", cfg.User,
		"pool_min", cfg.PoolMin,
		"pool_max", cfg.PoolMax)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errcode.Wrap(err, errcode.DBConnectionFailed,
			"details", err.Error())
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errcode.Wrap(err, errcode.DBConnectionFailed,
			"details", err.Error())
	}

	logger.Info("database connection pool ready")
	return pool, nil
}

// ClosePool shuts the pool down. Nil-safe.
func ClosePool(pool *pgxpool.Pool) {
	if pool == nil {
		return
	}
	pool.Close()
	logger.Info("database connection pool closed")
}

// dbErr wraps a driver error as DB_CONNECTION_FAILED, keeping the raw
// detail structured instead of interpolated into the message.
func dbErr(err error, op string) error {
	return errcode.Wrap(err, errcode.DBConnectionFailed,
		"operation", op,
		"details", err.Error())
}
