package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"chain-event-ingest/internal/domain"
	"chain-event-ingest/internal/storage"
)

// entityKey scopes a pool or pair identifier to its network.
type entityKey struct {
	network string
	id      string
}

// dataset holds every table of the in-memory database.
type dataset struct {
	records       map[domain.NaturalKey]*domain.ProcessingRecord
	pools         map[entityKey]*domain.PoolState
	commitments   map[domain.NaturalKey]*domain.Commitment
	statusChanges map[domain.NaturalKey]*domain.StatusChange
	pairs         map[entityKey]*domain.AmmPair
	trades        map[domain.NaturalKey]*domain.AmmTransaction
	runs          map[uuid.UUID]*domain.ProcessingRun
}

func newDataset() *dataset {
	return &dataset{
		records:       make(map[domain.NaturalKey]*domain.ProcessingRecord),
		pools:         make(map[entityKey]*domain.PoolState),
		commitments:   make(map[domain.NaturalKey]*domain.Commitment),
		statusChanges: make(map[domain.NaturalKey]*domain.StatusChange),
		pairs:         make(map[entityKey]*domain.AmmPair),
		trades:        make(map[domain.NaturalKey]*domain.AmmTransaction),
		runs:          make(map[uuid.UUID]*domain.ProcessingRun),
	}
}

// clone deep-copies the dataset for rollback.
func (d *dataset) clone() *dataset {
	c := newDataset()
	for k, v := range d.records {
		c.records[k] = copyRecord(v)
	}
	for k, v := range d.pools {
		c.pools[k] = v.Clone()
	}
	for k, v := range d.commitments {
		c.commitments[k] = v.Clone()
	}
	for k, v := range d.statusChanges {
		sc := *v
		c.statusChanges[k] = &sc
	}
	for k, v := range d.pairs {
		c.pairs[k] = v.Clone()
	}
	for k, v := range d.trades {
		c.trades[k] = v.Clone()
	}
	for k, v := range d.runs {
		r := *v
		c.runs[k] = &r
	}
	return c
}

// DB is an in-memory implementation of storage.Database.
// A single mutex serializes every call; WithTx holds it for the whole unit
// of work and restores a snapshot when fn fails.
type DB struct {
	mu   sync.Mutex
	data *dataset
	now  func() time.Time
}

// NewDB creates an empty in-memory database.
func NewDB() *DB {
	return &DB{
		data: newDataset(),
		now:  time.Now,
	}
}

// Verify interface compliance at compile time.
var _ storage.Database = (*DB)(nil)

// Repos returns repositories that lock per call.
func (db *DB) Repos() storage.Repositories {
	return db.repos(false)
}

// WithTx runs fn with repositories bound to one logical transaction.
func (db *DB) WithTx(ctx context.Context, fn func(repos storage.Repositories) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	snapshot := db.data.clone()
	if err := fn(db.repos(true)); err != nil {
		db.data = snapshot
		return err
	}
	return nil
}

func (db *DB) repos(inTx bool) storage.Repositories {
	base := store{db: db, inTx: inTx}
	return storage.Repositories{
		Records: &RecordStore{store: base},
		Pools:   &PoolStore{store: base},
		Pairs:   &AmmPairStore{store: base},
		Trades:  &AmmTransactionStore{store: base},
		Runs:    &RunStore{store: base},
	}
}

// store is embedded by every repository and knows whether the caller
// already holds the database lock.
type store struct {
	db   *DB
	inTx bool
}

func (s store) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.db.mu.Lock()
	return s.db.mu.Unlock
}
