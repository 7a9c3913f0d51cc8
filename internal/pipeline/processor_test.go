package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chain-event-ingest/internal/domain"
	"chain-event-ingest/internal/evm"
	"chain-event-ingest/internal/router"
	"chain-event-ingest/internal/storage"
	"chain-event-ingest/internal/storage/memory"
)

const (
	testPool    = "0x00000000000000000000000000000000000000aa"
	testFactory = "0x00000000000000000000000000000000000000fa"
	testPair    = "0x00000000000000000000000000000000000000bb"
	testToken   = "0x0000000000000000000000000000000000000010"
	testUser    = "0x0000000000000000000000000000000000000042"
)

var registry = router.MustDefaultRegistry()

func testEvent(kind router.Kind, contract, tx string, block, logIndex uint64, topics []string, data string) domain.CanonicalEvent {
	return domain.CanonicalEvent{
		Network:         "testnet",
		ContractAddress: contract,
		Topics:          append([]string{registry.Topic(kind)}, topics...),
		Data:            data,
		TransactionHash: tx,
		LogIndex:        logIndex,
		BlockNumber:     block,
		BlockHash:       "0xblock",
	}
}

func poolCreatedEvent() domain.CanonicalEvent {
	data := "0x" + evm.AddressWord(testToken) + evm.AddressWord(testToken) + evm.EncodeWords(big.NewInt(1000))[2:]
	return testEvent(router.KindPoolCreated, testPool, "0x01", 100, 0, []string{evm.AddressTopic(testUser)}, data)
}

func statusEvent(tx string, block uint64, to domain.PoolStatus) domain.CanonicalEvent {
	return testEvent(router.KindPoolStatusUpdated, testPool, tx, block, 0, nil, evm.EncodeWords(big.NewInt(int64(to))))
}

func commitEvent(tx string, block uint64, amount int64) domain.CanonicalEvent {
	return testEvent(router.KindTierCommitted, testPool, tx, block, 0,
		[]string{evm.AddressTopic(testUser), evm.IntTopic(big.NewInt(1))}, evm.EncodeWords(big.NewInt(amount)))
}

func pairCreatedEvent() domain.CanonicalEvent {
	data := "0x" + evm.AddressWord(testPair) + evm.EncodeWords(big.NewInt(1))[2:]
	return testEvent(router.KindPairCreated, testFactory, "0x0a", 200, 0,
		[]string{evm.AddressTopic(testToken), evm.AddressTopic(testUser)}, data)
}

func syncEvent(tx string, block uint64, r0, r1 int64) domain.CanonicalEvent {
	return testEvent(router.KindSync, testPair, tx, block, 0, nil, evm.EncodeWords(big.NewInt(r0), big.NewInt(r1)))
}

func removed(e domain.CanonicalEvent) domain.CanonicalEvent {
	e.Removed = true
	return e
}

type recordingSink struct {
	mu     sync.Mutex
	trades []*domain.AmmTransaction
	err    error
}

func (s *recordingSink) WriteTrades(_ context.Context, trades []*domain.AmmTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, trades...)
	return s.err
}

func newTestProcessor(t *testing.T, sink TradeSink) (*Processor, *memory.DB, *bytes.Buffer) {
	t.Helper()
	db := memory.NewDB()
	var buf bytes.Buffer
	p := NewProcessor(db, Options{
		Registry: registry,
		Sink:     sink,
		Logger:   log.New(&buf, "", 0),
		Clock:    func() time.Time { return time.Unix(1704067200, 0).UTC() },
	})
	return p, db, &buf
}

func record(t *testing.T, db *memory.DB, e domain.CanonicalEvent) *domain.ProcessingRecord {
	t.Helper()
	r, err := db.Repos().Records.Get(context.Background(), e.Key())
	require.NoError(t, err)
	return r
}

func TestProcessor_Idempotent(t *testing.T) {
	p, db, _ := newTestProcessor(t, nil)
	ctx := context.Background()

	batch := []domain.CanonicalEvent{
		poolCreatedEvent(),
		statusEvent("0x02", 101, domain.PoolActive),
		commitEvent("0x03", 102, 250),
	}

	first, err := p.Process(ctx, batch, domain.SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Processed)
	assert.Equal(t, 3, first.Total)

	for i := 0; i < 3; i++ {
		again, err := p.Process(ctx, batch, domain.SourceBackfill)
		require.NoError(t, err)
		assert.Equal(t, 0, again.Processed)
		assert.Equal(t, 3, again.Skipped)
	}

	pool, err := db.Repos().Pools.Get(ctx, "testnet", testPool)
	require.NoError(t, err)
	assert.Equal(t, "250", pool.RaisedAmount.String())
	assert.Equal(t, 1, pool.CommitmentCount)

	r := record(t, db, batch[2])
	assert.Equal(t, domain.StatusProcessed, r.Status)
	assert.Equal(t, domain.SourceWebhook, r.Source)
	assert.NotNil(t, r.ProcessedAt)
}

func TestProcessor_ConcurrentDeliveries(t *testing.T) {
	p, db, _ := newTestProcessor(t, nil)
	ctx := context.Background()

	_, err := p.Process(ctx, []domain.CanonicalEvent{poolCreatedEvent(), statusEvent("0x02", 101, domain.PoolActive)}, domain.SourceWebhook)
	require.NoError(t, err)

	commit := commitEvent("0x03", 102, 500)

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*BatchResult, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.Process(ctx, []domain.CanonicalEvent{commit}, domain.SourceWebhook)
		}(i)
	}
	wg.Wait()

	applied := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		applied += results[i].Processed
		assert.Equal(t, 1, results[i].Total)
	}
	assert.Equal(t, 1, applied)

	pool, err := db.Repos().Pools.Get(ctx, "testnet", testPool)
	require.NoError(t, err)
	assert.Equal(t, "500", pool.RaisedAmount.String())
	assert.Equal(t, domain.StatusProcessed, record(t, db, commit).Status)
}

func TestProcessor_InvalidTransitionFailsRecord(t *testing.T) {
	p, db, logs := newTestProcessor(t, nil)
	ctx := context.Background()

	setup := []domain.CanonicalEvent{
		poolCreatedEvent(),
		statusEvent("0x02", 101, domain.PoolActive),
		statusEvent("0x03", 102, domain.PoolFunded),
		statusEvent("0x04", 103, domain.PoolExecuting),
	}
	_, err := p.Process(ctx, setup, domain.SourceWebhook)
	require.NoError(t, err)

	bad := statusEvent("0x05", 104, domain.PoolActive)
	next := commitEvent("0x06", 105, 10)
	result, err := p.Process(ctx, []domain.CanonicalEvent{bad, next}, domain.SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Processed)

	r := record(t, db, bad)
	assert.Equal(t, domain.StatusFailed, r.Status)
	assert.Contains(t, r.FailureReason, "invalid state transition")
	assert.Contains(t, logs.String(), "WARN:")

	pool, err := db.Repos().Pools.Get(ctx, "testnet", testPool)
	require.NoError(t, err)
	assert.Equal(t, domain.PoolExecuting, pool.Status)

	// Failed is terminal for redeliveries
	again, err := p.Process(ctx, []domain.CanonicalEvent{bad}, domain.SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Skipped)
}

func TestProcessor_Reversal(t *testing.T) {
	sink := &recordingSink{}
	p, db, _ := newTestProcessor(t, sink)
	ctx := context.Background()

	first := syncEvent("0x11", 201, 1000, 1000)
	second := syncEvent("0x12", 202, 1500, 800)
	_, err := p.Process(ctx, []domain.CanonicalEvent{pairCreatedEvent(), first, second}, domain.SourceWebhook)
	require.NoError(t, err)

	result, err := p.Process(ctx, []domain.CanonicalEvent{removed(second)}, domain.SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Count(OutcomeReversed))

	pair, err := db.Repos().Pairs.Get(ctx, "testnet", testPair)
	require.NoError(t, err)
	assert.Equal(t, "1000", pair.Reserve0.String())
	assert.Equal(t, domain.StatusReversed, record(t, db, second).Status)

	// Second removal notice is filtered
	again, err := p.Process(ctx, []domain.CanonicalEvent{removed(second)}, domain.SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Skipped)

	// Reappearing after reversal does not re-apply
	back, err := p.Process(ctx, []domain.CanonicalEvent{second}, domain.SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, 0, back.Processed)

	require.Len(t, sink.trades, 3)
	assert.True(t, sink.trades[2].Reversed)
}

func TestProcessor_ReorgRemovesStatusChangesInChainOrder(t *testing.T) {
	p, db, _ := newTestProcessor(t, nil)
	ctx := context.Background()

	activate := statusEvent("0x02", 101, domain.PoolActive)
	fund := statusEvent("0x03", 102, domain.PoolFunded)
	_, err := p.Process(ctx, []domain.CanonicalEvent{poolCreatedEvent(), activate, fund}, domain.SourceWebhook)
	require.NoError(t, err)

	// Removal notices arrive in the same block/log order as the originals
	result, err := p.Process(ctx, []domain.CanonicalEvent{removed(activate), removed(fund)}, domain.SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Count(OutcomeReversed))
	assert.Equal(t, 0, result.Failed)

	pool, err := db.Repos().Pools.Get(ctx, "testnet", testPool)
	require.NoError(t, err)
	assert.Equal(t, domain.PoolDraft, pool.Status)
	assert.Equal(t, domain.StatusReversed, record(t, db, activate).Status)
	assert.Equal(t, domain.StatusReversed, record(t, db, fund).Status)
}

func TestProcessor_RemovalOfUnseenIsNoop(t *testing.T) {
	p, db, _ := newTestProcessor(t, nil)
	ctx := context.Background()

	e := removed(syncEvent("0x11", 201, 1, 1))
	result, err := p.Process(ctx, []domain.CanonicalEvent{e}, domain.SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count(OutcomeNoop))
	assert.Equal(t, 1, result.Skipped)

	_, err = db.Repos().Records.Get(ctx, e.Key())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestProcessor_UnknownSignatureNotClaimed(t *testing.T) {
	p, db, logs := newTestProcessor(t, nil)
	ctx := context.Background()

	e := syncEvent("0x11", 201, 1, 1)
	e.Topics = []string{evm.EventID("Approval(address,address,uint256)")}

	result, err := p.Process(ctx, []domain.CanonicalEvent{e}, domain.SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count(OutcomeUnknown))
	assert.Contains(t, logs.String(), "unknown event signature")

	_, err = db.Repos().Records.Get(ctx, e.Key())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestProcessor_RetryPending(t *testing.T) {
	p, db, _ := newTestProcessor(t, nil)
	ctx := context.Background()

	_, err := p.Process(ctx, []domain.CanonicalEvent{pairCreatedEvent()}, domain.SourceWebhook)
	require.NoError(t, err)

	// A claim left behind by an interrupted run
	stuck := syncEvent("0x11", 201, 700, 300)
	ok, err := db.Repos().Records.Claim(ctx, domain.NewPendingRecord(stuck, domain.SourceBackfill, time.Now()))
	require.NoError(t, err)
	require.True(t, ok)

	// A fresh delivery cannot overtake the claim
	result, err := p.Process(ctx, []domain.CanonicalEvent{stuck}, domain.SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)

	retried, err := p.RetryPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, retried.Processed)

	pair, err := db.Repos().Pairs.Get(ctx, "testnet", testPair)
	require.NoError(t, err)
	assert.Equal(t, "700", pair.Reserve0.String())
	assert.Equal(t, domain.StatusProcessed, record(t, db, stuck).Status)

	empty, err := p.RetryPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Total)
}

func TestProcessor_Reprocess(t *testing.T) {
	p, db, _ := newTestProcessor(t, nil)
	ctx := context.Background()

	// Sync before its pair exists fails
	early := syncEvent("0x11", 201, 10, 20)
	result, err := p.Process(ctx, []domain.CanonicalEvent{early}, domain.SourceWebhook)
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)

	_, err = p.Process(ctx, []domain.CanonicalEvent{pairCreatedEvent()}, domain.SourceWebhook)
	require.NoError(t, err)

	o, err := p.Reprocess(ctx, early.Key())
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, o.Kind)

	r := record(t, db, early)
	assert.Equal(t, domain.StatusProcessed, r.Status)
	assert.Equal(t, domain.SourceManual, r.Source)
	assert.Empty(t, r.FailureReason)

	_, err = p.Reprocess(ctx, early.Key())
	assert.ErrorIs(t, err, storage.ErrStatusConflict)

	_, err = p.Reprocess(ctx, domain.NaturalKey{Network: "testnet", TxHash: "0xmissing"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestProcessor_SinkFailureIsLogged(t *testing.T) {
	sink := &recordingSink{err: errors.New("clickhouse down")}
	p, _, logs := newTestProcessor(t, sink)

	result, err := p.Process(context.Background(),
		[]domain.CanonicalEvent{pairCreatedEvent(), syncEvent("0x11", 201, 1, 2)}, domain.SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Len(t, sink.trades, 1)
	assert.Contains(t, logs.String(), "trade sink")
}

// brokenRecords fails every read so the batch aborts.
type brokenRecords struct {
	storage.ProcessingRecordStore
}

func (brokenRecords) GetByTxHashes(context.Context, string, []string) ([]*domain.ProcessingRecord, error) {
	return nil, errors.New("connection refused")
}

type brokenDB struct {
	*memory.DB
}

func (d brokenDB) Repos() storage.Repositories {
	repos := d.DB.Repos()
	repos.Records = brokenRecords{repos.Records}
	return repos
}

func TestProcessor_StoreFailureAborts(t *testing.T) {
	p := NewProcessor(brokenDB{memory.NewDB()}, Options{Logger: log.New(&bytes.Buffer{}, "", 0)})

	_, err := p.Process(context.Background(), []domain.CanonicalEvent{poolCreatedEvent()}, domain.SourceWebhook)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestProcessor_EmptyBatch(t *testing.T) {
	p, _, _ := newTestProcessor(t, nil)

	result, err := p.Process(context.Background(), nil, domain.SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{}, *result)
}
