package memory

import (
	"context"
	"sort"

	"chain-event-ingest/internal/domain"
	"chain-event-ingest/internal/storage"
)

// RunStore is an in-memory implementation of storage.RunLedgerStore.
type RunStore struct {
	store
}

// Verify interface compliance at compile time.
var _ storage.RunLedgerStore = (*RunStore)(nil)

// Insert adds a new run.
func (s *RunStore) Insert(_ context.Context, r *domain.ProcessingRun) error {
	if r == nil {
		return storage.ErrInvalidInput
	}

	defer s.lock()()

	if _, exists := s.db.data.runs[r.ID]; exists {
		return storage.ErrDuplicateKey
	}
	cp := copyRun(r)
	s.db.data.runs[r.ID] = cp
	return nil
}

// Update overwrites an existing run.
func (s *RunStore) Update(_ context.Context, r *domain.ProcessingRun) error {
	if r == nil {
		return storage.ErrInvalidInput
	}

	defer s.lock()()

	if _, ok := s.db.data.runs[r.ID]; !ok {
		return storage.ErrNotFound
	}
	s.db.data.runs[r.ID] = copyRun(r)
	return nil
}

// ListRecent retrieves up to limit runs, newest first.
func (s *RunStore) ListRecent(_ context.Context, limit int) ([]*domain.ProcessingRun, error) {
	defer s.lock()()

	result := make([]*domain.ProcessingRun, 0, len(s.db.data.runs))
	for _, r := range s.db.data.runs {
		result = append(result, copyRun(r))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func copyRun(r *domain.ProcessingRun) *domain.ProcessingRun {
	c := *r
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
