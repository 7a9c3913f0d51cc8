package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sugawarayuuta/sonnet"

	"chain-event-ingest/internal/domain"
	"chain-event-ingest/internal/storage"
)

// RecordStore implements storage.ProcessingRecordStore using PostgreSQL.
type RecordStore struct {
	q Querier
}

// NewRecordStore creates a new RecordStore.
func NewRecordStore(q Querier) *RecordStore {
	return &RecordStore{q: q}
}

// Compile-time interface check.
var _ storage.ProcessingRecordStore = (*RecordStore)(nil)

const recordColumns = `
	network, tx_hash, log_index, status, source, raw_event, block_number,
	failure_reason, attempts, created_at, updated_at, processed_at`

// Claim inserts r as pending. ON CONFLICT DO NOTHING makes the insert the
// arbiter between concurrent deliveries of the same log.
func (s *RecordStore) Claim(ctx context.Context, r *domain.ProcessingRecord) (bool, error) {
	if r == nil || r.Key.TxHash == "" {
		return false, storage.ErrInvalidInput
	}

	raw, err := sonnet.Marshal(r.RawEvent)
	if err != nil {
		return false, fmt.Errorf("encode raw event: %w", err)
	}

	query := `
		INSERT INTO processing_records (
			network, tx_hash, log_index, status, source, raw_event, block_number,
			attempts, created_at, updated_at
		) VALUES ($1, $2, $3, 'pending', $4, $5, $6, 0, $7, $7)
		ON CONFLICT (network, tx_hash, log_index) DO NOTHING
	`

	start := time.Now()
	tag, err := s.q.Exec(ctx, query,
		r.Key.Network,
		r.Key.TxHash,
		r.Key.LogIndex,
		string(r.Source),
		raw,
		r.BlockNumber,
		r.CreatedAt,
	)
	observe("claim_record", start, err)
	if err != nil {
		return false, fmt.Errorf("claim record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get retrieves a record by key. Returns ErrNotFound if not exists.
func (s *RecordStore) Get(ctx context.Context, key domain.NaturalKey) (*domain.ProcessingRecord, error) {
	query := `SELECT ` + recordColumns + `
		FROM processing_records
		WHERE network = $1 AND tx_hash = $2 AND log_index = $3
	`

	start := time.Now()
	r, err := scanRecord(s.q.QueryRow(ctx, query, key.Network, key.TxHash, key.LogIndex))
	observe("get_record", start, err)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}
	return r, nil
}

// GetByTxHashes retrieves every record of the given transactions on a network.
func (s *RecordStore) GetByTxHashes(ctx context.Context, network string, txHashes []string) ([]*domain.ProcessingRecord, error) {
	if len(txHashes) == 0 {
		return nil, nil
	}

	query := `SELECT ` + recordColumns + `
		FROM processing_records
		WHERE network = $1 AND tx_hash = ANY($2)
		ORDER BY block_number ASC, log_index ASC, tx_hash ASC
	`

	start := time.Now()
	rows, err := s.q.Query(ctx, query, network, txHashes)
	observe("get_records_by_tx", start, err)
	if err != nil {
		return nil, fmt.Errorf("get records by tx hashes: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// ListByStatus retrieves up to limit records in status. limit <= 0 means all.
func (s *RecordStore) ListByStatus(ctx context.Context, status domain.RecordStatus, limit int) ([]*domain.ProcessingRecord, error) {
	query := `SELECT ` + recordColumns + `
		FROM processing_records
		WHERE status = $1
		ORDER BY block_number ASC, log_index ASC, tx_hash ASC
		LIMIT $2
	`

	var lim any
	if limit > 0 {
		lim = limit
	}

	start := time.Now()
	rows, err := s.q.Query(ctx, query, string(status), lim)
	observe("list_records", start, err)
	if err != nil {
		return nil, fmt.Errorf("list records by status: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Transition is a compare-and-set on status.
func (s *RecordStore) Transition(ctx context.Context, key domain.NaturalKey, from, to domain.RecordStatus, reason string) error {
	if !to.IsValid() {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE processing_records SET
			status = $5,
			attempts = attempts + 1,
			updated_at = now(),
			processed_at = CASE WHEN $5 = 'processed' THEN now() ELSE processed_at END,
			failure_reason = CASE
				WHEN $5 = 'processed' THEN ''
				WHEN $5 = 'failed' THEN $6
				ELSE failure_reason
			END
		WHERE network = $1 AND tx_hash = $2 AND log_index = $3 AND status = $4
	`

	start := time.Now()
	tag, err := s.q.Exec(ctx, query, key.Network, key.TxHash, key.LogIndex, string(from), string(to), reason)
	observe("transition_record", start, err)
	if err != nil {
		return fmt.Errorf("transition record: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.missingOrConflict(ctx, key)
}

// Requeue resets a failed or pending record to pending with a new source.
func (s *RecordStore) Requeue(ctx context.Context, key domain.NaturalKey, source domain.Source) error {
	query := `
		UPDATE processing_records SET
			status = 'pending',
			source = $4,
			failure_reason = '',
			updated_at = now()
		WHERE network = $1 AND tx_hash = $2 AND log_index = $3
			AND status IN ('failed', 'pending')
	`

	start := time.Now()
	tag, err := s.q.Exec(ctx, query, key.Network, key.TxHash, key.LogIndex, string(source))
	observe("requeue_record", start, err)
	if err != nil {
		return fmt.Errorf("requeue record: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.missingOrConflict(ctx, key)
}

// Delete removes a record.
func (s *RecordStore) Delete(ctx context.Context, key domain.NaturalKey) error {
	query := `DELETE FROM processing_records WHERE network = $1 AND tx_hash = $2 AND log_index = $3`

	start := time.Now()
	tag, err := s.q.Exec(ctx, query, key.Network, key.TxHash, key.LogIndex)
	observe("delete_record", start, err)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// missingOrConflict tells apart a missing key from a key in another status
// after a conditional update matched no row.
func (s *RecordStore) missingOrConflict(ctx context.Context, key domain.NaturalKey) error {
	var exists bool
	err := s.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processing_records WHERE network = $1 AND tx_hash = $2 AND log_index = $3)`,
		key.Network, key.TxHash, key.LogIndex,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check record: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrStatusConflict
}

func scanRecord(row pgx.Row) (*domain.ProcessingRecord, error) {
	var r domain.ProcessingRecord
	var status, source string
	var raw []byte

	err := row.Scan(
		&r.Key.Network,
		&r.Key.TxHash,
		&r.Key.LogIndex,
		&status,
		&source,
		&raw,
		&r.BlockNumber,
		&r.FailureReason,
		&r.Attempts,
		&r.CreatedAt,
		&r.UpdatedAt,
		&r.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := sonnet.Unmarshal(raw, &r.RawEvent); err != nil {
		return nil, fmt.Errorf("decode raw event %s: %w", r.Key, err)
	}
	r.Status = domain.RecordStatus(status)
	r.Source = domain.Source(source)
	return &r, nil
}

func scanRecords(rows pgx.Rows) ([]*domain.ProcessingRecord, error) {
	var result []*domain.ProcessingRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return result, nil
}
