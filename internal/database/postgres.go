package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/driftline/syncd/internal/migrations"
)

const (
	MaxConns        = 10
	MinConns        = 2
	MaxConnLifetime = 10 * time.Minute
	MaxConnIdleTime = 5 * time.Minute

	connectBaseDelay  = 500 * time.Millisecond
	connectMaxDelay   = 10 * time.Second
	connectMaxRetries = 6
)

func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing postgres config: %w", err)
	}

	config.MaxConns = MaxConns
	config.MinConns = MinConns
	config.MaxConnLifetime = MaxConnLifetime
	config.MaxConnIdleTime = MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("error creating postgres pool: %w", err)
	}

	// The database may still be coming up when we start; ping with backoff.
	err = retry.Do(ctx, connectBackoff(), func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			logrus.WithError(err).Warn("postgres not ready, retrying")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("error pinging postgres pool: %w", err)
	}

	logrus.Info("postgres pool created")
	return pool, nil
}

// ApplyMigrations checks and applies database migrations if needed
func ApplyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire migration connection: %w", err)
	}
	defer conn.Release()

	needsMigration, err := migrations.NeedsUpgrade(ctx, conn.Conn())
	if err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}
	if !needsMigration {
		logrus.Info("database schema is up to date")
		return nil
	}

	logrus.Info("applying database migrations")
	if err := migrations.Apply(ctx, conn.Conn()); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	logrus.Info("database migrations completed")
	return nil
}

func connectBackoff() retry.Backoff {
	backoff := retry.NewExponential(connectBaseDelay)
	backoff = retry.WithMaxRetries(connectMaxRetries, backoff)
	backoff = retry.WithCappedDuration(connectMaxDelay, backoff)
	return backoff
}
