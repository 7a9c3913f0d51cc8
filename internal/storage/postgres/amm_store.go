package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"chain-event-ingest/internal/domain"
	"chain-event-ingest/internal/storage"
)

// AmmPairStore implements storage.AmmPairStore using PostgreSQL.
type AmmPairStore struct {
	q Querier
}

// NewAmmPairStore creates a new AmmPairStore.
func NewAmmPairStore(q Querier) *AmmPairStore {
	return &AmmPairStore{q: q}
}

// Compile-time interface check.
var _ storage.AmmPairStore = (*AmmPairStore)(nil)

const pairColumns = `
	pair_address, network, factory, token0, token1, reserve0::text, reserve1::text,
	total_supply::text, created_block, last_block, last_log_index, last_synced_at`

// Insert adds a new pair. Returns ErrDuplicateKey if (network, pair_address) exists.
func (s *AmmPairStore) Insert(ctx context.Context, p *domain.AmmPair) error {
	if p == nil || p.PairAddress == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO amm_pairs (
			pair_address, network, factory, token0, token1, reserve0, reserve1,
			total_supply, created_block, last_block, last_log_index, last_synced_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9, $10, $11, $12)
	`

	start := time.Now()
	_, err := s.q.Exec(ctx, query,
		p.PairAddress,
		p.Network,
		p.Factory,
		p.Token0,
		p.Token1,
		numericOrZero(p.Reserve0),
		numericOrZero(p.Reserve1),
		numericOrZero(p.TotalSupply),
		p.CreatedBlock,
		p.LastBlock,
		p.LastLogIndex,
		nullTime(p.LastSyncedAt),
	)
	observe("insert_pair", start, err)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert pair: %w", err)
	}
	return nil
}

// Get retrieves a pair by network and address. Returns ErrNotFound if not exists.
func (s *AmmPairStore) Get(ctx context.Context, network, pairAddress string) (*domain.AmmPair, error) {
	query := `SELECT ` + pairColumns + ` FROM amm_pairs WHERE network = $1 AND pair_address = $2`
	return s.get(ctx, "get_pair", query, network, pairAddress)
}

// GetForUpdate retrieves a pair and holds its row lock until the transaction ends.
func (s *AmmPairStore) GetForUpdate(ctx context.Context, network, pairAddress string) (*domain.AmmPair, error) {
	query := `SELECT ` + pairColumns + ` FROM amm_pairs WHERE network = $1 AND pair_address = $2 FOR UPDATE`
	return s.get(ctx, "get_pair_for_update", query, network, pairAddress)
}

func (s *AmmPairStore) get(ctx context.Context, operation, query, network, pairAddress string) (*domain.AmmPair, error) {
	start := time.Now()
	p, err := scanPair(s.q.QueryRow(ctx, query, network, pairAddress))
	observe(operation, start, err)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get pair: %w", err)
	}
	return p, nil
}

// UpdateReserves replaces reserves, total supply and sync position.
func (s *AmmPairStore) UpdateReserves(ctx context.Context, p *domain.AmmPair) error {
	if p == nil {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE amm_pairs SET
			reserve0 = $3::numeric,
			reserve1 = $4::numeric,
			total_supply = $5::numeric,
			last_block = $6,
			last_log_index = $7,
			last_synced_at = $8
		WHERE network = $1 AND pair_address = $2
	`

	start := time.Now()
	tag, err := s.q.Exec(ctx, query,
		p.Network,
		p.PairAddress,
		numericOrZero(p.Reserve0),
		numericOrZero(p.Reserve1),
		numericOrZero(p.TotalSupply),
		p.LastBlock,
		p.LastLogIndex,
		nullTime(p.LastSyncedAt),
	)
	observe("update_reserves", start, err)
	if err != nil {
		return fmt.Errorf("update reserves: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Delete removes a pair. Returns ErrNotFound if not exists.
func (s *AmmPairStore) Delete(ctx context.Context, network, pairAddress string) error {
	start := time.Now()
	tag, err := s.q.Exec(ctx,
		`DELETE FROM amm_pairs WHERE network = $1 AND pair_address = $2`, network, pairAddress)
	observe("delete_pair", start, err)
	if err != nil {
		return fmt.Errorf("delete pair: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// List retrieves all pairs ordered by (network, address).
func (s *AmmPairStore) List(ctx context.Context) ([]*domain.AmmPair, error) {
	query := `SELECT ` + pairColumns + ` FROM amm_pairs ORDER BY network ASC, pair_address ASC`

	start := time.Now()
	rows, err := s.q.Query(ctx, query)
	observe("list_pairs", start, err)
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	defer rows.Close()

	var result []*domain.AmmPair
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pair: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pairs: %w", err)
	}
	return result, nil
}

func scanPair(row pgx.Row) (*domain.AmmPair, error) {
	var p domain.AmmPair
	var syncedAt *time.Time

	err := row.Scan(
		&p.PairAddress,
		&p.Network,
		&p.Factory,
		&p.Token0,
		&p.Token1,
		num(&p.Reserve0),
		num(&p.Reserve1),
		num(&p.TotalSupply),
		&p.CreatedBlock,
		&p.LastBlock,
		&p.LastLogIndex,
		&syncedAt,
	)
	if err != nil {
		return nil, err
	}
	if syncedAt != nil {
		p.LastSyncedAt = syncedAt.UTC()
	}
	return &p, nil
}

// AmmTransactionStore implements storage.AmmTransactionStore using PostgreSQL.
type AmmTransactionStore struct {
	q Querier
}

// NewAmmTransactionStore creates a new AmmTransactionStore.
func NewAmmTransactionStore(q Querier) *AmmTransactionStore {
	return &AmmTransactionStore{q: q}
}

// Compile-time interface check.
var _ storage.AmmTransactionStore = (*AmmTransactionStore)(nil)

const tradeColumns = `
	network, tx_hash, log_index, pair_address, kind, sender, recipient,
	amount0_in::text, amount1_in::text, amount0_out::text, amount1_out::text,
	reserve0::text, reserve1::text, total_supply::text, block_number, reversed`

// Insert adds a transaction. Returns ErrDuplicateKey if key exists.
func (s *AmmTransactionStore) Insert(ctx context.Context, t *domain.AmmTransaction) error {
	if t == nil || t.PairAddress == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO amm_transactions (
			network, tx_hash, log_index, pair_address, kind, sender, recipient,
			amount0_in, amount1_in, amount0_out, amount1_out,
			reserve0, reserve1, total_supply, block_number, reversed
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8::numeric, $9::numeric, $10::numeric, $11::numeric,
			$12::numeric, $13::numeric, $14::numeric, $15, $16
		)
	`

	start := time.Now()
	_, err := s.q.Exec(ctx, query,
		t.Key.Network,
		t.Key.TxHash,
		t.Key.LogIndex,
		t.PairAddress,
		string(t.Kind),
		t.Sender,
		t.Recipient,
		numericOrZero(t.Amount0In),
		numericOrZero(t.Amount1In),
		numericOrZero(t.Amount0Out),
		numericOrZero(t.Amount1Out),
		numericOrZero(t.Reserve0),
		numericOrZero(t.Reserve1),
		numeric(t.TotalSupply),
		t.BlockNumber,
		t.Reversed,
	)
	observe("insert_trade", start, err)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert amm transaction: %w", err)
	}
	return nil
}

// Get retrieves a transaction by key. Returns ErrNotFound if not exists.
func (s *AmmTransactionStore) Get(ctx context.Context, key domain.NaturalKey) (*domain.AmmTransaction, error) {
	query := `SELECT ` + tradeColumns + `
		FROM amm_transactions
		WHERE network = $1 AND tx_hash = $2 AND log_index = $3
	`

	start := time.Now()
	t, err := scanTrade(s.q.QueryRow(ctx, query, key.Network, key.TxHash, key.LogIndex))
	observe("get_trade", start, err)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get amm transaction: %w", err)
	}
	return t, nil
}

// MarkReversed flags a transaction as reversed.
func (s *AmmTransactionStore) MarkReversed(ctx context.Context, key domain.NaturalKey) error {
	query := `
		UPDATE amm_transactions SET reversed = true
		WHERE network = $1 AND tx_hash = $2 AND log_index = $3
	`

	start := time.Now()
	tag, err := s.q.Exec(ctx, query, key.Network, key.TxHash, key.LogIndex)
	observe("mark_trade_reversed", start, err)
	if err != nil {
		return fmt.Errorf("mark amm transaction reversed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListActive retrieves non-reversed transactions of a pair in chain order.
func (s *AmmTransactionStore) ListActive(ctx context.Context, network, pairAddress string) ([]*domain.AmmTransaction, error) {
	query := `SELECT ` + tradeColumns + `
		FROM amm_transactions
		WHERE network = $1 AND pair_address = $2 AND NOT reversed
		ORDER BY block_number ASC, log_index ASC
	`

	start := time.Now()
	rows, err := s.q.Query(ctx, query, network, pairAddress)
	observe("list_active_trades", start, err)
	if err != nil {
		return nil, fmt.Errorf("list active amm transactions: %w", err)
	}
	defer rows.Close()

	var result []*domain.AmmTransaction
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan amm transaction: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate amm transactions: %w", err)
	}
	return result, nil
}

func scanTrade(row pgx.Row) (*domain.AmmTransaction, error) {
	var t domain.AmmTransaction
	var kind string

	err := row.Scan(
		&t.Key.Network,
		&t.Key.TxHash,
		&t.Key.LogIndex,
		&t.PairAddress,
		&kind,
		&t.Sender,
		&t.Recipient,
		num(&t.Amount0In),
		num(&t.Amount1In),
		num(&t.Amount0Out),
		num(&t.Amount1Out),
		num(&t.Reserve0),
		num(&t.Reserve1),
		num(&t.TotalSupply),
		&t.BlockNumber,
		&t.Reversed,
	)
	if err != nil {
		return nil, err
	}
	t.Kind = domain.AmmKind(kind)
	return &t, nil
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
