package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gidigo/ride-coordinator/pkg/config"
	"github.com/gidigo/ride-coordinator/pkg/resilience"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// Open creates a database/sql pool backed by the pgx driver and waits for
// the server to answer a ping.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*sql.DB, error) {
	connConfig, err := pgx.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	connConfig.ConnectTimeout = 10 * time.Second
	connConfig.RuntimeParams["application_name"] = "ride-coordinator"
	connConfig.RuntimeParams["timezone"] = "UTC"
	connConfig.RuntimeParams["statement_timeout"] = "30s"

	db := stdlib.OpenDB(*connConfig)
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	retry := RetryConfig()
	retry.MaxAttempts = 5
	retry.RetryableChecker = nil
	_, err = resilience.Retry(ctx, retry, "database.ping", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, db.PingContext(ctx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return db, nil
}

// Close closes the pool.
func Close(db *sql.DB) {
	if db != nil {
		_ = db.Close()
	}
}
