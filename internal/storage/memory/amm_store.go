package memory

import (
	"context"
	"sort"

	"chain-event-ingest/internal/domain"
	"chain-event-ingest/internal/storage"
)

// AmmPairStore is an in-memory implementation of storage.AmmPairStore.
type AmmPairStore struct {
	store
}

// Verify interface compliance at compile time.
var _ storage.AmmPairStore = (*AmmPairStore)(nil)

// Insert adds a new pair.
func (s *AmmPairStore) Insert(_ context.Context, p *domain.AmmPair) error {
	if p == nil || p.PairAddress == "" {
		return storage.ErrInvalidInput
	}

	defer s.lock()()

	k := entityKey{p.Network, p.PairAddress}
	if _, exists := s.db.data.pairs[k]; exists {
		return storage.ErrDuplicateKey
	}
	s.db.data.pairs[k] = p.Clone()
	return nil
}

// Get retrieves a pair by network and address.
func (s *AmmPairStore) Get(_ context.Context, network, pairAddress string) (*domain.AmmPair, error) {
	defer s.lock()()

	p, ok := s.db.data.pairs[entityKey{network, pairAddress}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p.Clone(), nil
}

// GetForUpdate is Get; WithTx already holds the database mutex.
func (s *AmmPairStore) GetForUpdate(ctx context.Context, network, pairAddress string) (*domain.AmmPair, error) {
	return s.Get(ctx, network, pairAddress)
}

// UpdateReserves replaces reserves, total supply and sync position.
func (s *AmmPairStore) UpdateReserves(_ context.Context, p *domain.AmmPair) error {
	if p == nil {
		return storage.ErrInvalidInput
	}

	defer s.lock()()

	k := entityKey{p.Network, p.PairAddress}
	existing, ok := s.db.data.pairs[k]
	if !ok {
		return storage.ErrNotFound
	}

	in := p.Clone()
	updated := existing.Clone()
	updated.Reserve0 = in.Reserve0
	updated.Reserve1 = in.Reserve1
	updated.TotalSupply = in.TotalSupply
	updated.LastBlock = p.LastBlock
	updated.LastLogIndex = p.LastLogIndex
	updated.LastSyncedAt = p.LastSyncedAt
	s.db.data.pairs[k] = updated
	return nil
}

// Delete removes a pair.
func (s *AmmPairStore) Delete(_ context.Context, network, pairAddress string) error {
	defer s.lock()()

	k := entityKey{network, pairAddress}
	if _, ok := s.db.data.pairs[k]; !ok {
		return storage.ErrNotFound
	}
	delete(s.db.data.pairs, k)
	return nil
}

// List retrieves all pairs ordered by (network, address).
func (s *AmmPairStore) List(_ context.Context) ([]*domain.AmmPair, error) {
	defer s.lock()()

	result := make([]*domain.AmmPair, 0, len(s.db.data.pairs))
	for _, p := range s.db.data.pairs {
		result = append(result, p.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Network != result[j].Network {
			return result[i].Network < result[j].Network
		}
		return result[i].PairAddress < result[j].PairAddress
	})
	return result, nil
}

// AmmTransactionStore is an in-memory implementation of storage.AmmTransactionStore.
type AmmTransactionStore struct {
	store
}

// Verify interface compliance at compile time.
var _ storage.AmmTransactionStore = (*AmmTransactionStore)(nil)

// Insert adds a transaction.
func (s *AmmTransactionStore) Insert(_ context.Context, t *domain.AmmTransaction) error {
	if t == nil || t.PairAddress == "" {
		return storage.ErrInvalidInput
	}

	defer s.lock()()

	if _, exists := s.db.data.trades[t.Key]; exists {
		return storage.ErrDuplicateKey
	}
	s.db.data.trades[t.Key] = t.Clone()
	return nil
}

// Get retrieves a transaction by key.
func (s *AmmTransactionStore) Get(_ context.Context, key domain.NaturalKey) (*domain.AmmTransaction, error) {
	defer s.lock()()

	t, ok := s.db.data.trades[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t.Clone(), nil
}

// MarkReversed flags a transaction as reversed.
func (s *AmmTransactionStore) MarkReversed(_ context.Context, key domain.NaturalKey) error {
	defer s.lock()()

	t, ok := s.db.data.trades[key]
	if !ok {
		return storage.ErrNotFound
	}
	t.Reversed = true
	return nil
}

// ListActive retrieves non-reversed transactions of a pair in chain order.
func (s *AmmTransactionStore) ListActive(_ context.Context, network, pairAddress string) ([]*domain.AmmTransaction, error) {
	defer s.lock()()

	var result []*domain.AmmTransaction
	for _, t := range s.db.data.trades {
		if t.Key.Network == network && t.PairAddress == pairAddress && !t.Reversed {
			result = append(result, t.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Before(result[j])
	})
	return result, nil
}
