package storage

import (
	"context"

	"chain-event-ingest/internal/domain"
)

// ProcessingRecordStore provides access to processing_records storage,
// the idempotency ledger keyed by (network, tx_hash, log_index).
type ProcessingRecordStore interface {
	// Claim inserts r as pending if its key is unseen. Returns false, nil when
	// another caller already holds the key.
	Claim(ctx context.Context, r *domain.ProcessingRecord) (bool, error)

	// Get retrieves a record by key. Returns ErrNotFound if not exists.
	Get(ctx context.Context, key domain.NaturalKey) (*domain.ProcessingRecord, error)

	// GetByTxHashes retrieves every record of the given transactions on a network.
	GetByTxHashes(ctx context.Context, network string, txHashes []string) ([]*domain.ProcessingRecord, error)

	// ListByStatus retrieves up to limit records in status, ordered by (block, log index).
	ListByStatus(ctx context.Context, status domain.RecordStatus, limit int) ([]*domain.ProcessingRecord, error)

	// Transition moves key from one status to another. Returns ErrStatusConflict
	// if the record is not in from, ErrNotFound if it does not exist.
	Transition(ctx context.Context, key domain.NaturalKey, from, to domain.RecordStatus, reason string) error

	// Requeue resets a failed or pending record to pending with a new source.
	Requeue(ctx context.Context, key domain.NaturalKey, source domain.Source) error

	// Delete removes a record. Operator action only.
	Delete(ctx context.Context, key domain.NaturalKey) error
}

// PoolStore provides access to pool_states, pool_commitments and pool_status_changes.
// Pools are keyed by (network, pool_id).
type PoolStore interface {
	// Insert adds a new pool. Returns ErrDuplicateKey if (network, pool_id) exists.
	Insert(ctx context.Context, p *domain.PoolState) error

	// Get retrieves a pool. Returns ErrNotFound if not exists.
	Get(ctx context.Context, network, poolID string) (*domain.PoolState, error)

	// GetForUpdate retrieves a pool and locks its row until the enclosing
	// unit of work ends. Outside a unit of work it behaves like Get.
	GetForUpdate(ctx context.Context, network, poolID string) (*domain.PoolState, error)

	// Update overwrites the mutable fields of an existing pool.
	Update(ctx context.Context, p *domain.PoolState) error

	// Delete removes a pool. Returns ErrNotFound if not exists.
	Delete(ctx context.Context, network, poolID string) error

	// InsertCommitment adds a commitment. Returns ErrDuplicateKey if exists.
	InsertCommitment(ctx context.Context, c *domain.Commitment) error

	// GetCommitment retrieves a commitment by its log key.
	GetCommitment(ctx context.Context, key domain.NaturalKey) (*domain.Commitment, error)

	// DeleteCommitment removes a commitment by its log key.
	DeleteCommitment(ctx context.Context, key domain.NaturalKey) error

	// ListCommitments retrieves all commitments of a pool ordered by (block, log index).
	ListCommitments(ctx context.Context, network, poolID string) ([]*domain.Commitment, error)

	// InsertStatusChange records an applied status update.
	InsertStatusChange(ctx context.Context, c *domain.StatusChange) error

	// GetStatusChange retrieves a status change by its log key.
	GetStatusChange(ctx context.Context, key domain.NaturalKey) (*domain.StatusChange, error)

	// DeleteStatusChange removes a status change by its log key.
	DeleteStatusChange(ctx context.Context, key domain.NaturalKey) error

	// ListStatusChanges retrieves the applied status changes of a pool
	// ordered by (block, log index).
	ListStatusChanges(ctx context.Context, network, poolID string) ([]*domain.StatusChange, error)
}

// AmmPairStore provides access to amm_pairs storage.
// Pairs are keyed by (network, pair_address).
type AmmPairStore interface {
	// Insert adds a new pair. Returns ErrDuplicateKey if (network, pair_address) exists.
	Insert(ctx context.Context, p *domain.AmmPair) error

	// Get retrieves a pair. Returns ErrNotFound if not exists.
	Get(ctx context.Context, network, pairAddress string) (*domain.AmmPair, error)

	// GetForUpdate retrieves a pair and locks its row until the enclosing
	// unit of work ends. Outside a unit of work it behaves like Get.
	GetForUpdate(ctx context.Context, network, pairAddress string) (*domain.AmmPair, error)

	// UpdateReserves replaces reserves, total supply and sync position.
	UpdateReserves(ctx context.Context, p *domain.AmmPair) error

	// Delete removes a pair. Returns ErrNotFound if not exists.
	Delete(ctx context.Context, network, pairAddress string) error

	// List retrieves all pairs ordered by (network, address).
	List(ctx context.Context) ([]*domain.AmmPair, error)
}

// AmmTransactionStore provides access to amm_transactions storage (append-only).
type AmmTransactionStore interface {
	// Insert adds a transaction. Returns ErrDuplicateKey if key exists.
	Insert(ctx context.Context, t *domain.AmmTransaction) error

	// Get retrieves a transaction by key. Returns ErrNotFound if not exists.
	Get(ctx context.Context, key domain.NaturalKey) (*domain.AmmTransaction, error)

	// MarkReversed flags a transaction as reversed.
	MarkReversed(ctx context.Context, key domain.NaturalKey) error

	// ListActive retrieves non-reversed transactions of a pair in chain order.
	ListActive(ctx context.Context, network, pairAddress string) ([]*domain.AmmTransaction, error)
}

// RunLedgerStore provides access to processing_runs storage.
type RunLedgerStore interface {
	// Insert adds a new run. Returns ErrDuplicateKey if id exists.
	Insert(ctx context.Context, r *domain.ProcessingRun) error

	// Update overwrites counters, status and timing of an existing run.
	Update(ctx context.Context, r *domain.ProcessingRun) error

	// ListRecent retrieves up to limit runs, newest first.
	ListRecent(ctx context.Context, limit int) ([]*domain.ProcessingRun, error)
}

// Repositories groups the stores that share one transactional scope.
type Repositories struct {
	Records ProcessingRecordStore
	Pools   PoolStore
	Pairs   AmmPairStore
	Trades  AmmTransactionStore
	Runs    RunLedgerStore
}

// Database exposes repositories outside and inside a unit of work.
type Database interface {
	// Repos returns repositories that run each call in its own transaction.
	Repos() Repositories

	// WithTx runs fn with repositories bound to one transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(repos Repositories) error) error
}
