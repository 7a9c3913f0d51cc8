package domain

import (
	"time"

	"github.com/google/uuid"
)

// RunTrigger identifies what started a backfill run.
type RunTrigger string

const (
	TriggerScheduled RunTrigger = "scheduled"
	TriggerManual    RunTrigger = "manual"
	TriggerCLI       RunTrigger = "cli"
)

// RunStatus is the outcome of a backfill run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ProcessingRun is one backfill invocation in the run ledger.
// Corresponds to processing_runs table in PostgreSQL.
type ProcessingRun struct {
	ID              uuid.UUID
	Network         string
	Trigger         RunTrigger
	FromBlock       uint64
	ToBlock         uint64
	ChunkSize       uint64
	ChunksTotal     int
	ChunksFailed    int
	EventsFound     int
	EventsNew       int
	EventsProcessed int
	EventsFailed    int
	PendingRetried  int
	Status          RunStatus
	Error           string
	StartedAt       time.Time
	FinishedAt      *time.Time
	Duration        time.Duration
}

// NewProcessingRun creates a running ledger row for the given range.
func NewProcessingRun(network string, trigger RunTrigger, from, to, chunkSize uint64, now time.Time) *ProcessingRun {
	return &ProcessingRun{
		ID:        uuid.New(),
		Network:   network,
		Trigger:   trigger,
		FromBlock: from,
		ToBlock:   to,
		ChunkSize: chunkSize,
		Status:    RunRunning,
		StartedAt: now,
	}
}

// Finish stamps the run with its final status.
func (r *ProcessingRun) Finish(status RunStatus, now time.Time) {
	r.Status = status
	r.FinishedAt = &now
	r.Duration = now.Sub(r.StartedAt)
}
