package domain

import "time"

// RecordStatus is the lifecycle state of a ProcessingRecord.
type RecordStatus string

const (
	StatusPending   RecordStatus = "pending"
	StatusProcessed RecordStatus = "processed"
	StatusReversed  RecordStatus = "reversed"
	StatusFailed    RecordStatus = "failed"
)

// IsValid checks if the status is a known value.
func (s RecordStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessed, StatusReversed, StatusFailed:
		return true
	}
	return false
}

// Source identifies which ingress path produced a record.
type Source string

const (
	SourceWebhook      Source = "webhook"
	SourceBackfill     Source = "backfill"
	SourceManual       Source = "manual"
	SourceSubscription Source = "subscription"
)

// String returns the string representation of Source.
func (s Source) String() string {
	return string(s)
}

// IsValid checks if the source is a valid value.
func (s Source) IsValid() bool {
	switch s {
	case SourceWebhook, SourceBackfill, SourceManual, SourceSubscription:
		return true
	}
	return false
}

// ProcessingRecord is the persisted dedup row for one natural key.
// Corresponds to processing_records table in PostgreSQL.
type ProcessingRecord struct {
	Key           NaturalKey     // PRIMARY KEY (network, tx_hash, log_index)
	Status        RecordStatus   // pending | processed | reversed | failed
	Source        Source         // ingress path of the first sighting
	RawEvent      CanonicalEvent // full event, stored for replay
	BlockNumber   uint64         // copied from RawEvent for ordering
	FailureReason string         // set when Status == failed
	Attempts      int            // apply attempts
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ProcessedAt   *time.Time // set on pending -> processed
}

// NewPendingRecord builds the record a first sighting claims.
func NewPendingRecord(e CanonicalEvent, source Source, now time.Time) *ProcessingRecord {
	return &ProcessingRecord{
		Key:         e.Key(),
		Status:      StatusPending,
		Source:      source,
		RawEvent:    e,
		BlockNumber: e.BlockNumber,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
