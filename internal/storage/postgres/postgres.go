// Package postgres archives finished Gem Hunt matches in PostgreSQL using pgx v5.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/gemhunt/internal/config"
)

// ApplicationName is reported to the server for every archive connection.
const ApplicationName = "gemhunt"

// ErrArchiveDisabled is returned by NewPool when the database section is disabled.
var ErrArchiveDisabled = errors.New("match archive is disabled")

// Pool wraps a pgx connection pool with health-check and lifecycle methods.
type Pool struct {
	pool *pgxpool.Pool
}

// NewPool connects to the archive database described by cfg.
//
// Precondition: cfg.Enabled must be true and cfg must contain valid
// connection parameters.
// Postcondition: Returns a pinged Pool, or ErrArchiveDisabled, or a non-nil
// connection error.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*Pool, error) {
	if !cfg.Enabled {
		return nil, ErrArchiveDisabled
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = 30 * time.Second
	poolCfg.ConnConfig.RuntimeParams["application_name"] = ApplicationName

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Name, err)
	}

	return &Pool{pool: pool}, nil
}

// Health pings the database, bounded by timeout.
//
// Precondition: The pool must not be closed.
func (p *Pool) Health(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.pool.Ping(ctx)
}

// Close releases all pool resources.
func (p *Pool) Close() {
	p.pool.Close()
}

// DB returns the underlying pgxpool.Pool for repositories.
func (p *Pool) DB() *pgxpool.Pool {
	return p.pool
}
