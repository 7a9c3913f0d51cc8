package migrations

import (
	"context"
	"fmt"
	"log"
	"strings"

	"chain-event-ingest/internal/storage/postgres"
)

// postgresLockKey serializes concurrent runners through pg_advisory_xact_lock.
const postgresLockKey int64 = 0x43454931 // "CEI1"

// RunPostgresMigrations applies the embedded PostgreSQL migrations that
// schema_migrations has not recorded and returns how many it applied.
// Each migration runs in its own transaction together with its ledger row.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool, logger *log.Logger) (int, error) {
	all, err := Load(PostgresFS, "postgres")
	if err != nil {
		return 0, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return run(ctx, &postgresLedger{pool: pool}, all, logger)
}

type postgresLedger struct {
	pool *postgres.Pool
}

// ensure creates the ledger under the advisory lock; concurrent
// CREATE TABLE IF NOT EXISTS can still collide on the catalog.
func (l *postgresLedger) ensure(ctx context.Context) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, postgresLockKey); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER     PRIMARY KEY,
			name       TEXT        NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (l *postgresLedger) applied(ctx context.Context) (map[int]bool, error) {
	rows, err := l.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	done := make(map[int]bool)
	for rows.Next() {
		var v int32
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		done[int(v)] = true
	}
	return done, rows.Err()
}

func (l *postgresLedger) apply(ctx context.Context, m Migration) (bool, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, postgresLockKey); err != nil {
		return false, fmt.Errorf("lock: %w", err)
	}

	// Re-check under the lock; another runner may have won the race
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version,
	).Scan(&exists); err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	// No arguments: pgx uses the simple protocol, so a file may hold several statements
	if strings.TrimSpace(m.SQL) != "" {
		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			return false, err
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name,
	); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}
