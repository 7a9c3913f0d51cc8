package migrations

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"regexp"
	"strings"
	"time"

	chstore "chain-event-ingest/internal/storage/clickhouse"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// RunClickhouseMigrations creates the DSN's database if needed, applies the
// embedded ClickHouse migrations it has not recorded, and returns a
// connection to that database.
//
// ClickHouse has no transactions: a file that fails part-way is retried
// whole on the next run, so its statements must be idempotent.
func RunClickhouseMigrations(ctx context.Context, dsn string, logger *log.Logger) (*chstore.Conn, error) {
	all, err := Load(ClickhouseFS, "clickhouse")
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}

	database, err := targetDatabase(dsn)
	if err != nil {
		return nil, err
	}
	if err := createDatabase(ctx, dsn, database); err != nil {
		return nil, err
	}

	conn, err := chstore.NewConnWithDatabase(ctx, dsn, database)
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse %s: %w", database, err)
	}
	if _, err := run(ctx, &clickhouseLedger{conn: conn, now: time.Now}, all, logger); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// createDatabase runs CREATE DATABASE on a connection to the server default.
func createDatabase(ctx context.Context, dsn, database string) error {
	admin, err := chstore.NewConnWithDatabase(ctx, dsn, "")
	if err != nil {
		return fmt.Errorf("connect clickhouse server: %w", err)
	}
	defer admin.Close()

	if err := admin.Exec(ctx, "CREATE DATABASE IF NOT EXISTS "+database); err != nil {
		return fmt.Errorf("create database %s: %w", database, err)
	}
	return nil
}

// targetDatabase returns the database named in the DSN path. The name is
// spliced into DDL, so only plain identifiers are accepted.
func targetDatabase(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	database := strings.Trim(u.Path, "/")
	if database == "" {
		return "", fmt.Errorf("clickhouse dsn names no database")
	}
	if !identifierPattern.MatchString(database) {
		return "", fmt.Errorf("clickhouse database %q is not a plain identifier", database)
	}
	return database, nil
}

type clickhouseLedger struct {
	conn *chstore.Conn
	now  func() time.Time
}

func (l *clickhouseLedger) ensure(ctx context.Context) error {
	return l.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    UInt32,
			name       String,
			applied_at DateTime64(3, 'UTC')
		)
		ENGINE = ReplacingMergeTree(applied_at)
		ORDER BY version
	`)
}

func (l *clickhouseLedger) applied(ctx context.Context) (map[int]bool, error) {
	rows, err := l.conn.Query(ctx, `SELECT version FROM schema_migrations FINAL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	done := make(map[int]bool)
	for rows.Next() {
		var v uint32
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		done[int(v)] = true
	}
	return done, rows.Err()
}

// apply runs each statement separately; the native protocol rejects multi-statement queries.
func (l *clickhouseLedger) apply(ctx context.Context, m Migration) (bool, error) {
	for i, stmt := range Statements(m.SQL) {
		if err := l.conn.Exec(ctx, stmt); err != nil {
			return false, fmt.Errorf("statement %d: %w", i+1, err)
		}
	}
	err := l.conn.Exec(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		uint32(m.Version), m.Name, l.now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record version: %w", err)
	}
	return true, nil
}
