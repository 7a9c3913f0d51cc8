package memory

import (
	"context"
	"sort"

	"chain-event-ingest/internal/domain"
	"chain-event-ingest/internal/storage"
)

// PoolStore is an in-memory implementation of storage.PoolStore.
type PoolStore struct {
	store
}

// Verify interface compliance at compile time.
var _ storage.PoolStore = (*PoolStore)(nil)

// Insert adds a new pool.
func (s *PoolStore) Insert(_ context.Context, p *domain.PoolState) error {
	if p == nil || p.PoolID == "" {
		return storage.ErrInvalidInput
	}

	defer s.lock()()

	k := entityKey{p.Network, p.PoolID}
	if _, exists := s.db.data.pools[k]; exists {
		return storage.ErrDuplicateKey
	}
	s.db.data.pools[k] = p.Clone()
	return nil
}

// Get retrieves a pool by network and ID.
func (s *PoolStore) Get(_ context.Context, network, poolID string) (*domain.PoolState, error) {
	defer s.lock()()

	p, ok := s.db.data.pools[entityKey{network, poolID}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p.Clone(), nil
}

// GetForUpdate is Get; WithTx already holds the database mutex.
func (s *PoolStore) GetForUpdate(ctx context.Context, network, poolID string) (*domain.PoolState, error) {
	return s.Get(ctx, network, poolID)
}

// Update overwrites an existing pool.
func (s *PoolStore) Update(_ context.Context, p *domain.PoolState) error {
	if p == nil {
		return storage.ErrInvalidInput
	}

	defer s.lock()()

	k := entityKey{p.Network, p.PoolID}
	if _, ok := s.db.data.pools[k]; !ok {
		return storage.ErrNotFound
	}
	s.db.data.pools[k] = p.Clone()
	return nil
}

// Delete removes a pool.
func (s *PoolStore) Delete(_ context.Context, network, poolID string) error {
	defer s.lock()()

	k := entityKey{network, poolID}
	if _, ok := s.db.data.pools[k]; !ok {
		return storage.ErrNotFound
	}
	delete(s.db.data.pools, k)
	return nil
}

// InsertCommitment adds a commitment.
func (s *PoolStore) InsertCommitment(_ context.Context, c *domain.Commitment) error {
	if c == nil || c.PoolID == "" {
		return storage.ErrInvalidInput
	}

	defer s.lock()()

	if _, exists := s.db.data.commitments[c.Key]; exists {
		return storage.ErrDuplicateKey
	}
	s.db.data.commitments[c.Key] = c.Clone()
	return nil
}

// GetCommitment retrieves a commitment by its log key.
func (s *PoolStore) GetCommitment(_ context.Context, key domain.NaturalKey) (*domain.Commitment, error) {
	defer s.lock()()

	c, ok := s.db.data.commitments[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return c.Clone(), nil
}

// DeleteCommitment removes a commitment by its log key.
func (s *PoolStore) DeleteCommitment(_ context.Context, key domain.NaturalKey) error {
	defer s.lock()()

	if _, ok := s.db.data.commitments[key]; !ok {
		return storage.ErrNotFound
	}
	delete(s.db.data.commitments, key)
	return nil
}

// ListCommitments retrieves all commitments of a pool ordered by (block, log index).
func (s *PoolStore) ListCommitments(_ context.Context, network, poolID string) ([]*domain.Commitment, error) {
	defer s.lock()()

	var result []*domain.Commitment
	for _, c := range s.db.data.commitments {
		if c.Key.Network == network && c.PoolID == poolID {
			result = append(result, c.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].BlockNumber != result[j].BlockNumber {
			return result[i].BlockNumber < result[j].BlockNumber
		}
		return result[i].Key.LogIndex < result[j].Key.LogIndex
	})
	return result, nil
}

// InsertStatusChange records an applied status update.
func (s *PoolStore) InsertStatusChange(_ context.Context, c *domain.StatusChange) error {
	if c == nil || c.PoolID == "" {
		return storage.ErrInvalidInput
	}

	defer s.lock()()

	if _, exists := s.db.data.statusChanges[c.Key]; exists {
		return storage.ErrDuplicateKey
	}
	sc := *c
	s.db.data.statusChanges[c.Key] = &sc
	return nil
}

// GetStatusChange retrieves a status change by its log key.
func (s *PoolStore) GetStatusChange(_ context.Context, key domain.NaturalKey) (*domain.StatusChange, error) {
	defer s.lock()()

	c, ok := s.db.data.statusChanges[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	sc := *c
	return &sc, nil
}

// DeleteStatusChange removes a status change by its log key.
func (s *PoolStore) DeleteStatusChange(_ context.Context, key domain.NaturalKey) error {
	defer s.lock()()

	if _, ok := s.db.data.statusChanges[key]; !ok {
		return storage.ErrNotFound
	}
	delete(s.db.data.statusChanges, key)
	return nil
}

// ListStatusChanges retrieves the applied status changes of a pool ordered by (block, log index).
func (s *PoolStore) ListStatusChanges(_ context.Context, network, poolID string) ([]*domain.StatusChange, error) {
	defer s.lock()()

	var result []*domain.StatusChange
	for _, c := range s.db.data.statusChanges {
		if c.Key.Network == network && c.PoolID == poolID {
			sc := *c
			result = append(result, &sc)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].BlockNumber != result[j].BlockNumber {
			return result[i].BlockNumber < result[j].BlockNumber
		}
		return result[i].Key.LogIndex < result[j].Key.LogIndex
	})
	return result, nil
}
