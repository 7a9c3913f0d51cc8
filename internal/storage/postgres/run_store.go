package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"chain-event-ingest/internal/domain"
	"chain-event-ingest/internal/storage"
)

// RunStore implements storage.RunLedgerStore using PostgreSQL.
type RunStore struct {
	q Querier
}

// NewRunStore creates a new RunStore.
func NewRunStore(q Querier) *RunStore {
	return &RunStore{q: q}
}

// Compile-time interface check.
var _ storage.RunLedgerStore = (*RunStore)(nil)

// Insert adds a new run. Returns ErrDuplicateKey if id exists.
func (s *RunStore) Insert(ctx context.Context, r *domain.ProcessingRun) error {
	if r == nil {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO processing_runs (
			id, network, trigger, from_block, to_block, chunk_size, chunks_total,
			status, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	start := time.Now()
	_, err := s.q.Exec(ctx, query,
		r.ID,
		r.Network,
		string(r.Trigger),
		r.FromBlock,
		r.ToBlock,
		r.ChunkSize,
		r.ChunksTotal,
		string(r.Status),
		r.StartedAt,
	)
	observe("insert_run", start, err)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Update overwrites counters, status and timing of an existing run.
func (s *RunStore) Update(ctx context.Context, r *domain.ProcessingRun) error {
	if r == nil {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE processing_runs SET
			chunks_total = $2,
			chunks_failed = $3,
			events_found = $4,
			events_new = $5,
			events_processed = $6,
			events_failed = $7,
			pending_retried = $8,
			status = $9,
			error = $10,
			finished_at = $11,
			duration_ms = $12
		WHERE id = $1
	`

	start := time.Now()
	tag, err := s.q.Exec(ctx, query,
		r.ID,
		r.ChunksTotal,
		r.ChunksFailed,
		r.EventsFound,
		r.EventsNew,
		r.EventsProcessed,
		r.EventsFailed,
		r.PendingRetried,
		string(r.Status),
		r.Error,
		r.FinishedAt,
		r.Duration.Milliseconds(),
	)
	observe("update_run", start, err)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListRecent retrieves up to limit runs, newest first. limit <= 0 means all.
func (s *RunStore) ListRecent(ctx context.Context, limit int) ([]*domain.ProcessingRun, error) {
	query := `
		SELECT id, network, trigger, from_block, to_block, chunk_size, chunks_total,
			chunks_failed, events_found, events_new, events_processed, events_failed,
			pending_retried, status, error, started_at, finished_at, duration_ms
		FROM processing_runs
		ORDER BY started_at DESC
		LIMIT $1
	`

	var lim any
	if limit > 0 {
		lim = limit
	}

	start := time.Now()
	rows, err := s.q.Query(ctx, query, lim)
	observe("list_runs", start, err)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var result []*domain.ProcessingRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return result, nil
}

func scanRun(row pgx.Row) (*domain.ProcessingRun, error) {
	var r domain.ProcessingRun
	var trigger, status string
	var durationMs int64

	err := row.Scan(
		&r.ID,
		&r.Network,
		&trigger,
		&r.FromBlock,
		&r.ToBlock,
		&r.ChunkSize,
		&r.ChunksTotal,
		&r.ChunksFailed,
		&r.EventsFound,
		&r.EventsNew,
		&r.EventsProcessed,
		&r.EventsFailed,
		&r.PendingRetried,
		&status,
		&r.Error,
		&r.StartedAt,
		&r.FinishedAt,
		&durationMs,
	)
	if err != nil {
		return nil, err
	}
	r.Trigger = domain.RunTrigger(trigger)
	r.Status = domain.RunStatus(status)
	r.Duration = time.Duration(durationMs) * time.Millisecond
	return &r, nil
}
