// Package postgres implements the service stores on PostgreSQL. Every unit
// of work runs at REPEATABLE READ; rows that decide an outcome are locked
// with FOR UPDATE.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/walletsettle/internal/domain"
	"github.com/punchamoorthee/walletsettle/internal/logger"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Schemas owned by each service. The outbox and processed-events tables
// live next to the business tables so they commit together.
var (
	TransactionSchema = []string{"schema/common.sql", "schema/transactions.sql"}
	LedgerSchema      = []string{"schema/common.sql", "schema/ledger.sql"}
)

// PostgreSQL error codes mapped onto domain errors.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Open connects a pool and checks it is reachable.
func Open(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return pool, nil
}

// Migrate applies the given schema files. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool, files []string) error {
	for _, name := range files {
		ddl, err := schemaFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(ddl)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
		logger.Info("schema applied", logger.Fields{"file": name})
	}
	return nil
}

func withTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", mapError(err))
	}
	return nil
}

// mapError turns races the database caught into domain.ErrConcurrentModification
// so the caller retries the whole unit of work.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeUniqueViolation, codeSerializationFailure, codeDeadlockDetected:
		return fmt.Errorf("%w: %s (%s)", domain.ErrConcurrentModification, pgErr.Message, pgErr.Code)
	}
	return err
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation &&
		(constraint == "" || pgErr.ConstraintName == constraint)
}

// limitArg maps "no limit" (<= 0) to NULL for use with LIMIT $n.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
