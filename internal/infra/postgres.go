package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgresPool opens the engine's pgx pool sized by PG_MIN_CONNS and
// PG_MAX_CONNS.
func NewPostgresPool(ctx context.Context, cfg *Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.PGMaxConns)
	poolCfg.MinConns = int32(cfg.PGMinConns)
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 30 * time.Second
	params := poolCfg.ConnConfig.RuntimeParams
	params["application_name"] = "authrisk"
	// session creation holds an advisory lock for the whole transaction
	params["lock_timeout"] = fmt.Sprint(cfg.StoreTimeout.Milliseconds())

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// HealthCheck pings the database. An unreachable database is reported as a
// transient store failure.
func HealthCheck(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		return domain.ErrTransientStore("database ping", err)
	}
	return nil
}
