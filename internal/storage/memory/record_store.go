package memory

import (
	"context"
	"sort"

	"chain-event-ingest/internal/domain"
	"chain-event-ingest/internal/storage"
)

// RecordStore is an in-memory implementation of storage.ProcessingRecordStore.
type RecordStore struct {
	store
}

// Verify interface compliance at compile time.
var _ storage.ProcessingRecordStore = (*RecordStore)(nil)

// Claim inserts r as pending unless its key already exists.
func (s *RecordStore) Claim(_ context.Context, r *domain.ProcessingRecord) (bool, error) {
	if r == nil || r.Key.TxHash == "" {
		return false, storage.ErrInvalidInput
	}

	defer s.lock()()

	if _, exists := s.db.data.records[r.Key]; exists {
		return false, nil
	}

	c := copyRecord(r)
	c.Status = domain.StatusPending
	s.db.data.records[r.Key] = c
	return true, nil
}

// Get retrieves a record by key.
func (s *RecordStore) Get(_ context.Context, key domain.NaturalKey) (*domain.ProcessingRecord, error) {
	defer s.lock()()

	r, ok := s.db.data.records[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyRecord(r), nil
}

// GetByTxHashes retrieves every record of the given transactions on a network.
func (s *RecordStore) GetByTxHashes(_ context.Context, network string, txHashes []string) ([]*domain.ProcessingRecord, error) {
	if len(txHashes) == 0 {
		return nil, nil
	}

	wanted := make(map[string]bool, len(txHashes))
	for _, h := range txHashes {
		wanted[h] = true
	}

	defer s.lock()()

	var result []*domain.ProcessingRecord
	for k, r := range s.db.data.records {
		if k.Network == network && wanted[k.TxHash] {
			result = append(result, copyRecord(r))
		}
	}
	sortRecords(result)
	return result, nil
}

// ListByStatus retrieves up to limit records in status, ordered by (block, log index).
func (s *RecordStore) ListByStatus(_ context.Context, status domain.RecordStatus, limit int) ([]*domain.ProcessingRecord, error) {
	defer s.lock()()

	var result []*domain.ProcessingRecord
	for _, r := range s.db.data.records {
		if r.Status == status {
			result = append(result, copyRecord(r))
		}
	}
	sortRecords(result)

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Transition moves key from one status to another.
func (s *RecordStore) Transition(_ context.Context, key domain.NaturalKey, from, to domain.RecordStatus, reason string) error {
	if !to.IsValid() {
		return storage.ErrInvalidInput
	}

	defer s.lock()()

	r, ok := s.db.data.records[key]
	if !ok {
		return storage.ErrNotFound
	}
	if r.Status != from {
		return storage.ErrStatusConflict
	}

	now := s.db.now()
	r.Status = to
	r.UpdatedAt = now
	r.Attempts++
	switch to {
	case domain.StatusProcessed:
		r.ProcessedAt = &now
		r.FailureReason = ""
	case domain.StatusFailed:
		r.FailureReason = reason
	}
	return nil
}

// Requeue resets a failed or pending record to pending with a new source.
func (s *RecordStore) Requeue(_ context.Context, key domain.NaturalKey, source domain.Source) error {
	defer s.lock()()

	r, ok := s.db.data.records[key]
	if !ok {
		return storage.ErrNotFound
	}
	if r.Status != domain.StatusFailed && r.Status != domain.StatusPending {
		return storage.ErrStatusConflict
	}

	r.Status = domain.StatusPending
	r.Source = source
	r.FailureReason = ""
	r.UpdatedAt = s.db.now()
	return nil
}

// Delete removes a record.
func (s *RecordStore) Delete(_ context.Context, key domain.NaturalKey) error {
	defer s.lock()()

	if _, ok := s.db.data.records[key]; !ok {
		return storage.ErrNotFound
	}
	delete(s.db.data.records, key)
	return nil
}

func copyRecord(r *domain.ProcessingRecord) *domain.ProcessingRecord {
	c := *r
	c.RawEvent.Topics = append([]string(nil), r.RawEvent.Topics...)
	if r.ProcessedAt != nil {
		t := *r.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}

// sortRecords sorts records by (block_number, log_index, tx_hash).
func sortRecords(records []*domain.ProcessingRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].BlockNumber != records[j].BlockNumber {
			return records[i].BlockNumber < records[j].BlockNumber
		}
		if records[i].Key.LogIndex != records[j].Key.LogIndex {
			return records[i].Key.LogIndex < records[j].Key.LogIndex
		}
		return records[i].Key.TxHash < records[j].Key.TxHash
	})
}
