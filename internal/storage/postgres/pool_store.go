package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"chain-event-ingest/internal/domain"
	"chain-event-ingest/internal/storage"
)

// PoolStore implements storage.PoolStore using PostgreSQL.
type PoolStore struct {
	q Querier
}

// NewPoolStore creates a new PoolStore.
func NewPoolStore(q Querier) *PoolStore {
	return &PoolStore{q: q}
}

// Compile-time interface check.
var _ storage.PoolStore = (*PoolStore)(nil)

// Insert adds a new pool. Returns ErrDuplicateKey if (network, pool_id) exists.
func (s *PoolStore) Insert(ctx context.Context, p *domain.PoolState) error {
	if p == nil || p.PoolID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO pool_states (
			pool_id, network, creator, funding_token, revenue_token, target_amount,
			status, raised_amount, commitment_count, revenue_accumulated,
			revenue_distributed, created_block, updated_block
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8::numeric, $9, $10::numeric, $11::numeric, $12, $13)
	`

	start := time.Now()
	_, err := s.q.Exec(ctx, query,
		p.PoolID,
		p.Network,
		p.Creator,
		p.FundingToken,
		p.RevenueToken,
		numericOrZero(p.TargetAmount),
		int16(p.Status),
		numericOrZero(p.RaisedAmount),
		p.CommitmentCount,
		numericOrZero(p.RevenueAccumulated),
		numericOrZero(p.RevenueDistributed),
		p.CreatedBlock,
		p.UpdatedBlock,
	)
	observe("insert_pool", start, err)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert pool: %w", err)
	}
	return nil
}

const poolColumns = `
	pool_id, network, creator, funding_token, revenue_token, target_amount::text,
	status, raised_amount::text, commitment_count, revenue_accumulated::text,
	revenue_distributed::text, created_block, updated_block`

// Get retrieves a pool by network and ID. Returns ErrNotFound if not exists.
func (s *PoolStore) Get(ctx context.Context, network, poolID string) (*domain.PoolState, error) {
	query := `SELECT ` + poolColumns + ` FROM pool_states WHERE network = $1 AND pool_id = $2`
	return s.get(ctx, "get_pool", query, network, poolID)
}

// GetForUpdate retrieves a pool and holds its row lock until the
// transaction ends, so concurrent read-modify-write cycles serialize.
func (s *PoolStore) GetForUpdate(ctx context.Context, network, poolID string) (*domain.PoolState, error) {
	query := `SELECT ` + poolColumns + ` FROM pool_states WHERE network = $1 AND pool_id = $2 FOR UPDATE`
	return s.get(ctx, "get_pool_for_update", query, network, poolID)
}

func (s *PoolStore) get(ctx context.Context, operation, query, network, poolID string) (*domain.PoolState, error) {
	var p domain.PoolState
	var status int16

	start := time.Now()
	err := s.q.QueryRow(ctx, query, network, poolID).Scan(
		&p.PoolID,
		&p.Network,
		&p.Creator,
		&p.FundingToken,
		&p.RevenueToken,
		num(&p.TargetAmount),
		&status,
		num(&p.RaisedAmount),
		&p.CommitmentCount,
		num(&p.RevenueAccumulated),
		num(&p.RevenueDistributed),
		&p.CreatedBlock,
		&p.UpdatedBlock,
	)
	observe(operation, start, err)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get pool: %w", err)
	}
	p.Status = domain.PoolStatus(status)
	return &p, nil
}

// Update overwrites the mutable fields of an existing pool.
func (s *PoolStore) Update(ctx context.Context, p *domain.PoolState) error {
	if p == nil {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE pool_states SET
			status = $3,
			raised_amount = $4::numeric,
			commitment_count = $5,
			revenue_accumulated = $6::numeric,
			revenue_distributed = $7::numeric,
			updated_block = $8,
			updated_at = now()
		WHERE network = $1 AND pool_id = $2
	`

	start := time.Now()
	tag, err := s.q.Exec(ctx, query,
		p.Network,
		p.PoolID,
		int16(p.Status),
		numericOrZero(p.RaisedAmount),
		p.CommitmentCount,
		numericOrZero(p.RevenueAccumulated),
		numericOrZero(p.RevenueDistributed),
		p.UpdatedBlock,
	)
	observe("update_pool", start, err)
	if err != nil {
		return fmt.Errorf("update pool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Delete removes a pool. Returns ErrNotFound if not exists.
func (s *PoolStore) Delete(ctx context.Context, network, poolID string) error {
	return s.exec(ctx, "delete_pool",
		`DELETE FROM pool_states WHERE network = $1 AND pool_id = $2`, network, poolID)
}

// InsertCommitment adds a commitment. Returns ErrDuplicateKey if exists.
func (s *PoolStore) InsertCommitment(ctx context.Context, c *domain.Commitment) error {
	if c == nil || c.PoolID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO pool_commitments (
			network, tx_hash, log_index, pool_id, investor, tier_id, amount, block_number
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8)
	`

	start := time.Now()
	_, err := s.q.Exec(ctx, query,
		c.Key.Network,
		c.Key.TxHash,
		c.Key.LogIndex,
		c.PoolID,
		c.Investor,
		numericOrZero(c.TierID),
		numericOrZero(c.Amount),
		c.BlockNumber,
	)
	observe("insert_commitment", start, err)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert commitment: %w", err)
	}
	return nil
}

const commitmentColumns = `network, tx_hash, log_index, pool_id, investor, tier_id::text, amount::text, block_number`

// GetCommitment retrieves a commitment by its log key.
func (s *PoolStore) GetCommitment(ctx context.Context, key domain.NaturalKey) (*domain.Commitment, error) {
	query := `SELECT ` + commitmentColumns + `
		FROM pool_commitments
		WHERE network = $1 AND tx_hash = $2 AND log_index = $3
	`

	start := time.Now()
	c, err := scanCommitment(s.q.QueryRow(ctx, query, key.Network, key.TxHash, key.LogIndex))
	observe("get_commitment", start, err)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get commitment: %w", err)
	}
	return c, nil
}

// DeleteCommitment removes a commitment by its log key.
func (s *PoolStore) DeleteCommitment(ctx context.Context, key domain.NaturalKey) error {
	return s.exec(ctx, "delete_commitment",
		`DELETE FROM pool_commitments WHERE network = $1 AND tx_hash = $2 AND log_index = $3`,
		key.Network, key.TxHash, key.LogIndex)
}

// ListCommitments retrieves all commitments of a pool ordered by (block, log index).
func (s *PoolStore) ListCommitments(ctx context.Context, network, poolID string) ([]*domain.Commitment, error) {
	query := `SELECT ` + commitmentColumns + `
		FROM pool_commitments
		WHERE network = $1 AND pool_id = $2
		ORDER BY block_number ASC, log_index ASC
	`

	start := time.Now()
	rows, err := s.q.Query(ctx, query, network, poolID)
	observe("list_commitments", start, err)
	if err != nil {
		return nil, fmt.Errorf("list commitments: %w", err)
	}
	defer rows.Close()

	var result []*domain.Commitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan commitment: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commitments: %w", err)
	}
	return result, nil
}

// InsertStatusChange records an applied status update.
func (s *PoolStore) InsertStatusChange(ctx context.Context, c *domain.StatusChange) error {
	if c == nil || c.PoolID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO pool_status_changes (
			network, tx_hash, log_index, pool_id, from_status, to_status, block_number
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	start := time.Now()
	_, err := s.q.Exec(ctx, query,
		c.Key.Network,
		c.Key.TxHash,
		c.Key.LogIndex,
		c.PoolID,
		int16(c.From),
		int16(c.To),
		c.BlockNumber,
	)
	observe("insert_status_change", start, err)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert status change: %w", err)
	}
	return nil
}

const statusChangeColumns = `network, tx_hash, log_index, pool_id, from_status, to_status, block_number`

// GetStatusChange retrieves a status change by its log key.
func (s *PoolStore) GetStatusChange(ctx context.Context, key domain.NaturalKey) (*domain.StatusChange, error) {
	query := `SELECT ` + statusChangeColumns + `
		FROM pool_status_changes
		WHERE network = $1 AND tx_hash = $2 AND log_index = $3
	`

	start := time.Now()
	c, err := scanStatusChange(s.q.QueryRow(ctx, query, key.Network, key.TxHash, key.LogIndex))
	observe("get_status_change", start, err)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get status change: %w", err)
	}
	return c, nil
}

// ListStatusChanges retrieves the applied status changes of a pool ordered by (block, log index).
func (s *PoolStore) ListStatusChanges(ctx context.Context, network, poolID string) ([]*domain.StatusChange, error) {
	query := `SELECT ` + statusChangeColumns + `
		FROM pool_status_changes
		WHERE network = $1 AND pool_id = $2
		ORDER BY block_number ASC, log_index ASC
	`

	start := time.Now()
	rows, err := s.q.Query(ctx, query, network, poolID)
	observe("list_status_changes", start, err)
	if err != nil {
		return nil, fmt.Errorf("list status changes: %w", err)
	}
	defer rows.Close()

	var result []*domain.StatusChange
	for rows.Next() {
		c, err := scanStatusChange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan status change: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status changes: %w", err)
	}
	return result, nil
}

// DeleteStatusChange removes a status change by its log key.
func (s *PoolStore) DeleteStatusChange(ctx context.Context, key domain.NaturalKey) error {
	return s.exec(ctx, "delete_status_change",
		`DELETE FROM pool_status_changes WHERE network = $1 AND tx_hash = $2 AND log_index = $3`,
		key.Network, key.TxHash, key.LogIndex)
}

// exec runs a single-row statement and maps zero affected rows to ErrNotFound.
func (s *PoolStore) exec(ctx context.Context, operation, query string, args ...any) error {
	start := time.Now()
	tag, err := s.q.Exec(ctx, query, args...)
	observe(operation, start, err)
	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanCommitment(row pgx.Row) (*domain.Commitment, error) {
	var c domain.Commitment
	err := row.Scan(
		&c.Key.Network,
		&c.Key.TxHash,
		&c.Key.LogIndex,
		&c.PoolID,
		&c.Investor,
		num(&c.TierID),
		num(&c.Amount),
		&c.BlockNumber,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanStatusChange(row pgx.Row) (*domain.StatusChange, error) {
	var c domain.StatusChange
	var from, to int16
	err := row.Scan(
		&c.Key.Network,
		&c.Key.TxHash,
		&c.Key.LogIndex,
		&c.PoolID,
		&from,
		&to,
		&c.BlockNumber,
	)
	if err != nil {
		return nil, err
	}
	c.From = domain.PoolStatus(from)
	c.To = domain.PoolStatus(to)
	return &c, nil
}
