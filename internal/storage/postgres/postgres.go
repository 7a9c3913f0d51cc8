package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"chain-event-ingest/internal/observability"
	"chain-event-ingest/internal/storage"
)

// Pool wraps pgxpool.Pool for dependency injection.
type Pool struct {
	*pgxpool.Pool
}

// NewPool creates a new Postgres connection pool.
func NewPool(ctx context.Context, dsn string) (*Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// Close closes the connection pool.
func (p *Pool) Close() {
	p.Pool.Close()
}

// Querier is the subset of pgx shared by the pool and a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB implements storage.Database on a connection pool.
type DB struct {
	pool *Pool
}

// NewDB creates a DB over pool.
func NewDB(pool *Pool) *DB {
	return &DB{pool: pool}
}

// Verify interface compliance at compile time.
var _ storage.Database = (*DB)(nil)

// Repos returns repositories that run each statement on the pool.
func (db *DB) Repos() storage.Repositories {
	return repos(db.pool)
}

// WithTx runs fn inside one READ COMMITTED transaction.
func (db *DB) WithTx(ctx context.Context, fn func(repos storage.Repositories) error) error {
	start := time.Now()
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		observability.RecordDBQuery("postgres", "begin", time.Since(start).Seconds(), err)
		return fmt.Errorf("begin tx: %w", err)
	}
	// Rollback after Commit is a no-op.
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := fn(repos(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		observability.RecordDBQuery("postgres", "commit", time.Since(start).Seconds(), err)
		return fmt.Errorf("commit tx: %w", err)
	}
	observability.RecordDBQuery("postgres", "tx", time.Since(start).Seconds(), nil)
	return nil
}

func repos(q Querier) storage.Repositories {
	return storage.Repositories{
		Records: &RecordStore{q: q},
		Pools:   &PoolStore{q: q},
		Pairs:   &AmmPairStore{q: q},
		Trades:  &AmmTransactionStore{q: q},
		Runs:    &RunStore{q: q},
	}
}

// observe records the duration and error of one statement.
func observe(operation string, start time.Time, err error) {
	if errors.Is(err, pgx.ErrNoRows) {
		err = nil
	}
	observability.RecordDBQuery("postgres", operation, time.Since(start).Seconds(), err)
}

// PostgreSQL error codes
const (
	pgErrUniqueViolation = "23505" // unique_violation
)

// isDuplicateKeyError checks if error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}

	return false
}

// isNotFoundError checks if error indicates no rows found.
func isNotFoundError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// numeric renders v for a $n::numeric parameter. nil stays NULL.
func numeric(v *big.Int) any {
	if v == nil {
		return nil
	}
	return v.String()
}

// numericOrZero renders v for a NOT NULL numeric column.
func numericOrZero(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// bigInt scans a numeric::text column into *dst. NULL leaves *dst nil.
type bigInt struct {
	dst **big.Int
}

// Scan implements sql.Scanner.
func (b *bigInt) Scan(src any) error {
	var text string
	switch v := src.(type) {
	case nil:
		*b.dst = nil
		return nil
	case string:
		text = v
	case []byte:
		text = string(v)
	default:
		return fmt.Errorf("scan numeric: unsupported type %T", src)
	}

	n, ok := new(big.Int).SetString(text, 10)
	if !ok {
		return fmt.Errorf("scan numeric: invalid value %q", text)
	}
	*b.dst = n
	return nil
}

// num wraps dst for Scan.
func num(dst **big.Int) *bigInt {
	return &bigInt{dst: dst}
}
