package database

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/gidigo/ride-coordinator/pkg/resilience"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// RetryConfig is the retry policy for single statements.
func RetryConfig() resilience.RetryConfig {
	config := resilience.DefaultRetryConfig()
	config.MaxAttempts = 3
	config.InitialBackoff = 100 * time.Millisecond
	config.MaxBackoff = 2 * time.Second
	config.RetryableChecker = isPostgresRetryable
	return config
}

// RetryableQuery executes a database query with retry logic for transient failures
func RetryableQuery[T any](ctx context.Context, db Querier, query string, args []interface{}, scanner func(*sql.Rows) (T, error)) (T, error) {
	return resilience.Retry(ctx, RetryConfig(), "database.query", func(ctx context.Context) (T, error) {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			var zero T
			return zero, err
		}
		defer rows.Close()

		result, err := scanner(rows)
		if err != nil {
			return result, err
		}
		return result, rows.Err()
	})
}

// RetryableExec executes a database command with retry logic for transient failures
func RetryableExec(ctx context.Context, db Execer, query string, args ...interface{}) (sql.Result, error) {
	return resilience.Retry(ctx, RetryConfig(), "database.exec", func(ctx context.Context) (sql.Result, error) {
		return db.ExecContext(ctx, query, args...)
	})
}

// RetryableTransaction runs fn in a transaction, retrying the whole
// transaction on serialization failures and dropped connections.
func RetryableTransaction(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	config := RetryConfig()
	config.InitialBackoff = 50 * time.Millisecond
	config.MaxBackoff = time.Second

	_, err := resilience.Retry(ctx, config, "database.transaction", func(ctx context.Context) (struct{}, error) {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return struct{}{}, err
		}

		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return struct{}{}, err
		}
		return struct{}{}, tx.Commit()
	})
	return err
}

// isPostgresRetryable determines if a PostgreSQL error should be retried
func isPostgresRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, sql.ErrTxDone) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization, deadlock, lock, resource, connection and shutdown
		// classes; constraint and syntax errors are permanent
		switch pgErr.Code {
		case "40001", "40P01", "55P03",
			"53000", "53300", "53400",
			"08000", "08003", "08006",
			"57P01", "57P02", "57P03",
			"58000", "XX000":
			return true
		default:
			return false
		}
	}

	errMsg := strings.ToLower(err.Error())
	for _, msg := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
		"temporary failure",
		"timeout",
		"too many connections",
		"server closed",
		"unexpected eof",
		"bad connection",
	} {
		if strings.Contains(errMsg, msg) {
			return true
		}
	}

	return false
}
