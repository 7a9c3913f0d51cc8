package applier

import (
	"context"
	"math/big"
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
	testToken0  = "0x0000000000000000000000000000000000000010"
	testToken1  = "0x0000000000000000000000000000000000000011"
	testUser    = "0x0000000000000000000000000000000000000042"
)

var registry = router.MustDefaultRegistry()

func fixedNow() time.Time { return time.Unix(1704067200, 0) }

func ints(vs ...int64) []*big.Int {
	out := make([]*big.Int, len(vs))
	for i, v := range vs {
		out[i] = big.NewInt(v)
	}
	return out
}

// event builds a log of the given kind; topics exclude topic0.
func event(kind router.Kind, contract, tx string, block, logIndex uint64, topics []string, data string) domain.CanonicalEvent {
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

type harness struct {
	t   *testing.T
	db  *memory.DB
	set *Set
	ctx context.Context
}

func newHarness(t *testing.T) *harness {
	return &harness{t: t, db: memory.NewDB(), set: NewSet(fixedNow), ctx: context.Background()}
}

func (h *harness) run(e domain.CanonicalEvent) (Effect, error) {
	route, action, err := registry.Classify(e)
	require.NoError(h.t, err)

	var effect Effect
	err = h.db.WithTx(h.ctx, func(repos storage.Repositories) error {
		var err error
		if action == router.ActionReverse {
			effect, err = h.set.Reverse(h.ctx, repos, route, e)
		} else {
			effect, err = h.set.Apply(h.ctx, repos, route, e)
		}
		return err
	})
	return effect, err
}

func (h *harness) mustRun(e domain.CanonicalEvent) Effect {
	effect, err := h.run(e)
	require.NoError(h.t, err)
	return effect
}

func removed(e domain.CanonicalEvent) domain.CanonicalEvent {
	e.Removed = true
	return e
}

func (h *harness) pool() *domain.PoolState {
	p, err := h.db.Repos().Pools.Get(h.ctx, "testnet", testPool)
	require.NoError(h.t, err)
	return p
}

func (h *harness) pair() *domain.AmmPair {
	p, err := h.db.Repos().Pairs.Get(h.ctx, "testnet", testPair)
	require.NoError(h.t, err)
	return p
}

func poolCreated() domain.CanonicalEvent {
	data := "0x" + evm.AddressWord(testToken0) + evm.AddressWord(testToken1) + evm.EncodeWords(big.NewInt(5000))[2:]
	return event(router.KindPoolCreated, testPool, "0xp1", 100, 0, []string{evm.AddressTopic(testUser)}, data)
}

func statusUpdated(tx string, block uint64, to domain.PoolStatus) domain.CanonicalEvent {
	return event(router.KindPoolStatusUpdated, testPool, tx, block, 0, nil, evm.EncodeWords(big.NewInt(int64(to))))
}

func pairCreated() domain.CanonicalEvent {
	data := "0x" + evm.AddressWord(testPair) + evm.EncodeWords(big.NewInt(1))[2:]
	return event(router.KindPairCreated, testFactory, "0xa1", 200, 0,
		[]string{evm.AddressTopic(testToken0), evm.AddressTopic(testToken1)}, data)
}

func sync(tx string, block, logIndex uint64, r0, r1 int64) domain.CanonicalEvent {
	return event(router.KindSync, testPair, tx, block, logIndex, nil, evm.EncodeWords(ints(r0, r1)...))
}

func TestPoolApplier_Lifecycle(t *testing.T) {
	h := newHarness(t)

	h.mustRun(poolCreated())
	p := h.pool()
	assert.Equal(t, domain.PoolDraft, p.Status)
	assert.Equal(t, testUser, p.Creator)
	assert.Equal(t, testToken0, p.FundingToken)
	assert.Equal(t, testToken1, p.RevenueToken)
	assert.Equal(t, "5000", p.TargetAmount.String())

	h.mustRun(statusUpdated("0xp2", 101, domain.PoolActive))

	commit := event(router.KindTierCommitted, testPool, "0xp3", 102, 1,
		[]string{evm.AddressTopic(testUser), evm.IntTopic(big.NewInt(2))}, evm.EncodeWords(big.NewInt(750)))
	h.mustRun(commit)

	h.mustRun(event(router.KindRevenueReceived, testPool, "0xp4", 103, 0,
		[]string{evm.AddressTopic(testUser)}, evm.EncodeWords(big.NewInt(300))))
	h.mustRun(event(router.KindRevenueDistributed, testPool, "0xp5", 104, 0, nil, evm.EncodeWords(big.NewInt(120))))

	p = h.pool()
	assert.Equal(t, domain.PoolActive, p.Status)
	assert.Equal(t, "750", p.RaisedAmount.String())
	assert.Equal(t, 1, p.CommitmentCount)
	assert.Equal(t, "300", p.RevenueAccumulated.String())
	assert.Equal(t, "120", p.RevenueDistributed.String())
	assert.Equal(t, uint64(104), p.UpdatedBlock)

	c, err := h.db.Repos().Pools.GetCommitment(h.ctx, commit.Key())
	require.NoError(t, err)
	assert.Equal(t, testUser, c.Investor)
	assert.Equal(t, "2", c.TierID.String())
}

func TestPoolApplier_InvalidTransitionLeavesStatus(t *testing.T) {
	h := newHarness(t)

	h.mustRun(poolCreated())
	h.mustRun(statusUpdated("0xs1", 101, domain.PoolActive))
	h.mustRun(statusUpdated("0xs2", 102, domain.PoolFunded))
	h.mustRun(statusUpdated("0xs3", 103, domain.PoolExecuting))

	_, err := h.run(statusUpdated("0xs4", 104, domain.PoolActive))
	require.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.True(t, IsDomainError(err))
	assert.Equal(t, domain.PoolExecuting, h.pool().Status)

	_, err = h.run(statusUpdated("0xs5", 105, domain.PoolStatus(42)))
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestPoolApplier_UnknownPool(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(statusUpdated("0xs1", 101, domain.PoolActive))
	assert.ErrorIs(t, err, ErrUnknownEntity)

	h.mustRun(poolCreated())
	dup := poolCreated()
	dup.TransactionHash = "0xother"
	_, err = h.run(dup)
	assert.ErrorIs(t, err, ErrEntityExists)
}

func TestPoolApplier_DecodeErrors(t *testing.T) {
	h := newHarness(t)

	short := poolCreated()
	short.Data = evm.EncodeWords(big.NewInt(1))
	_, err := h.run(short)
	assert.ErrorIs(t, err, ErrDecode)

	noTopic := poolCreated()
	noTopic.Topics = noTopic.Topics[:1]
	_, err = h.run(noTopic)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestPoolApplier_ReverseRestoresState(t *testing.T) {
	h := newHarness(t)

	h.mustRun(poolCreated())
	activate := statusUpdated("0xs1", 101, domain.PoolActive)
	h.mustRun(activate)
	before := h.pool()

	commit := event(router.KindTierCommitted, testPool, "0xc1", 102, 0,
		[]string{evm.AddressTopic(testUser), evm.IntTopic(big.NewInt(1))}, evm.EncodeWords(big.NewInt(400)))
	revenue := event(router.KindRevenueReceived, testPool, "0xr1", 103, 0,
		[]string{evm.AddressTopic(testUser)}, evm.EncodeWords(big.NewInt(90)))
	h.mustRun(commit)
	h.mustRun(revenue)

	h.mustRun(removed(revenue))
	h.mustRun(removed(commit))

	after := h.pool()
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, 0, before.RaisedAmount.Cmp(after.RaisedAmount))
	assert.Equal(t, before.CommitmentCount, after.CommitmentCount)
	assert.Equal(t, 0, before.RevenueAccumulated.Cmp(after.RevenueAccumulated))

	_, err := h.db.Repos().Pools.GetCommitment(h.ctx, commit.Key())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	h.mustRun(removed(activate))
	assert.Equal(t, domain.PoolDraft, h.pool().Status)

	h.mustRun(removed(poolCreated()))
	_, err = h.db.Repos().Pools.Get(h.ctx, "testnet", testPool)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPoolApplier_ReverseStatusInAnyOrder(t *testing.T) {
	tests := []struct {
		name       string
		order      []int
		afterFirst domain.PoolStatus
	}{
		{"newest first", []int{1, 0}, domain.PoolActive},
		{"oldest first", []int{0, 1}, domain.PoolFunded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			h.mustRun(poolCreated())
			changes := []domain.CanonicalEvent{
				statusUpdated("0xs1", 101, domain.PoolActive),
				statusUpdated("0xs2", 102, domain.PoolFunded),
			}
			for _, e := range changes {
				h.mustRun(e)
			}
			require.Equal(t, domain.PoolFunded, h.pool().Status)

			h.mustRun(removed(changes[tt.order[0]]))
			// The surviving change decides the status
			assert.Equal(t, tt.afterFirst, h.pool().Status)

			h.mustRun(removed(changes[tt.order[1]]))
			assert.Equal(t, domain.PoolDraft, h.pool().Status)

			for _, e := range changes {
				_, err := h.db.Repos().Pools.GetStatusChange(h.ctx, e.Key())
				assert.ErrorIs(t, err, storage.ErrNotFound)
			}
		})
	}
}

func TestPoolApplier_ReverseStatusThenReapply(t *testing.T) {
	h := newHarness(t)

	h.mustRun(poolCreated())
	activate := statusUpdated("0xs1", 101, domain.PoolActive)
	funded := statusUpdated("0xs2", 102, domain.PoolFunded)
	h.mustRun(activate)
	h.mustRun(funded)

	h.mustRun(removed(activate))
	assert.Equal(t, domain.PoolFunded, h.pool().Status)

	h.mustRun(removed(funded))
	assert.Equal(t, domain.PoolDraft, h.pool().Status)

	// The chain re-includes the activation on the canonical fork
	h.mustRun(statusUpdated("0xs3", 103, domain.PoolActive))
	assert.Equal(t, domain.PoolActive, h.pool().Status)
}

func TestPoolApplier_ScopedByNetwork(t *testing.T) {
	h := newHarness(t)

	h.mustRun(poolCreated())
	other := poolCreated()
	other.Network = "othernet"
	h.mustRun(other)

	commit := event(router.KindTierCommitted, testPool, "0xc1", 102, 0,
		[]string{evm.AddressTopic(testUser), evm.IntTopic(big.NewInt(1))}, evm.EncodeWords(big.NewInt(400)))
	commit.Network = "othernet"
	h.mustRun(commit)

	assert.Equal(t, int64(0), h.pool().RaisedAmount.Int64())
	p, err := h.db.Repos().Pools.Get(h.ctx, "othernet", testPool)
	require.NoError(t, err)
	assert.Equal(t, int64(400), p.RaisedAmount.Int64())
}

func TestAmmApplier_SwapSetsAbsoluteReserves(t *testing.T) {
	h := newHarness(t)

	h.mustRun(pairCreated())
	p := h.pair()
	assert.Equal(t, testFactory, p.Factory)
	assert.Equal(t, testToken0, p.Token0)
	assert.Equal(t, testToken1, p.Token1)
	assert.Equal(t, int64(0), p.Reserve0.Int64())

	h.mustRun(sync("0xt1", 201, 0, 1000, 1000))

	// 100 token0 in, 90 token1 out; the event reports post-swap reserves
	swap := event(router.KindSwap, testPair, "0xt2", 202, 3,
		[]string{evm.AddressTopic(testUser), evm.AddressTopic(testUser)},
		evm.EncodeWords(ints(100, 0, 0, 90, 1100, 910)...))
	effect := h.mustRun(swap)

	require.NotNil(t, effect.Trade)
	assert.Equal(t, domain.AmmSwap, effect.Trade.Kind)
	assert.Nil(t, effect.Trade.TotalSupply)

	p = h.pair()
	assert.Equal(t, "1100", p.Reserve0.String())
	assert.Equal(t, "910", p.Reserve1.String())
	assert.Equal(t, uint64(202), p.LastBlock)
	assert.Equal(t, uint64(3), p.LastLogIndex)
	assert.Equal(t, fixedNow(), p.LastSyncedAt)

	tr, err := h.db.Repos().Trades.Get(h.ctx, swap.Key())
	require.NoError(t, err)
	assert.Equal(t, "100", tr.Amount0In.String())
	assert.Equal(t, "90", tr.Amount1Out.String())
	assert.Equal(t, testUser, tr.Recipient)
}

func TestAmmApplier_MintBurnTotalSupply(t *testing.T) {
	h := newHarness(t)
	h.mustRun(pairCreated())

	mint := event(router.KindMint, testPair, "0xm1", 201, 0,
		[]string{evm.AddressTopic(testUser)}, evm.EncodeWords(ints(500, 500, 500, 500, 500)...))
	h.mustRun(mint)
	assert.Equal(t, "500", h.pair().TotalSupply.String())

	// Swap leaves supply unchanged
	h.mustRun(event(router.KindSwap, testPair, "0xs1", 202, 0,
		[]string{evm.AddressTopic(testUser), evm.AddressTopic(testUser)},
		evm.EncodeWords(ints(10, 0, 0, 9, 510, 491)...)))
	assert.Equal(t, "500", h.pair().TotalSupply.String())

	burn := event(router.KindBurn, testPair, "0xb1", 203, 0,
		[]string{evm.AddressTopic(testUser), evm.AddressTopic(testUser)}, evm.EncodeWords(ints(51, 49, 459, 442, 450)...))
	h.mustRun(burn)

	p := h.pair()
	assert.Equal(t, "459", p.Reserve0.String())
	assert.Equal(t, "442", p.Reserve1.String())
	assert.Equal(t, "450", p.TotalSupply.String())
}

func TestAmmApplier_LateEventKeepsNewerReserves(t *testing.T) {
	h := newHarness(t)
	h.mustRun(pairCreated())

	h.mustRun(sync("0xt2", 205, 0, 2000, 1500))
	effect := h.mustRun(sync("0xt1", 204, 0, 1000, 1000))
	require.NotNil(t, effect.Trade)

	p := h.pair()
	assert.Equal(t, "2000", p.Reserve0.String())
	assert.Equal(t, "1500", p.Reserve1.String())
	assert.Equal(t, uint64(205), p.LastBlock)
}

func TestAmmApplier_ReverseReplaysActiveTrades(t *testing.T) {
	h := newHarness(t)
	h.mustRun(pairCreated())

	h.mustRun(sync("0xt1", 201, 0, 1000, 1000))
	h.mustRun(event(router.KindMint, testPair, "0xt2", 202, 0,
		[]string{evm.AddressTopic(testUser)}, evm.EncodeWords(ints(100, 100, 1100, 1100, 700)...)))
	latest := sync("0xt3", 203, 0, 1200, 1050)
	h.mustRun(latest)

	effect := h.mustRun(removed(latest))
	require.NotNil(t, effect.Trade)
	assert.True(t, effect.Trade.Reversed)

	p := h.pair()
	assert.Equal(t, "1100", p.Reserve0.String())
	assert.Equal(t, "1100", p.Reserve1.String())
	assert.Equal(t, "700", p.TotalSupply.String())
	assert.Equal(t, uint64(202), p.LastBlock)

	tr, err := h.db.Repos().Trades.Get(h.ctx, latest.Key())
	require.NoError(t, err)
	assert.True(t, tr.Reversed)

	// Reversing again changes nothing
	effect = h.mustRun(removed(latest))
	assert.Nil(t, effect.Trade)
}

func TestAmmApplier_ReverseAllZeroesPair(t *testing.T) {
	h := newHarness(t)
	h.mustRun(pairCreated())

	only := sync("0xt1", 201, 0, 1000, 1000)
	h.mustRun(only)
	h.mustRun(removed(only))

	p := h.pair()
	assert.Equal(t, int64(0), p.Reserve0.Int64())
	assert.Equal(t, int64(0), p.Reserve1.Int64())
	assert.Equal(t, uint64(200), p.LastBlock)
}

func TestAmmApplier_UnknownPair(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(sync("0xt1", 201, 0, 1, 1))
	assert.ErrorIs(t, err, ErrUnknownEntity)

	// Nothing was written inside the rolled back unit of work
	_, err = h.db.Repos().Trades.Get(h.ctx, domain.NaturalKey{Network: "testnet", TxHash: "0xt1"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAmmApplier_ReversePairCreated(t *testing.T) {
	h := newHarness(t)

	h.mustRun(pairCreated())
	h.mustRun(removed(pairCreated()))
	_, err := h.db.Repos().Pairs.Get(h.ctx, "testnet", testPair)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Already gone is not an error
	h.mustRun(removed(pairCreated()))
}

func TestReplay(t *testing.T) {
	mk := func(block, idx uint64, r0 int64, supply *big.Int, reversed bool) *domain.AmmTransaction {
		return &domain.AmmTransaction{
			Key:         domain.NaturalKey{LogIndex: idx},
			Reserve0:    big.NewInt(r0),
			Reserve1:    big.NewInt(r0 * 2),
			TotalSupply: supply,
			BlockNumber: block,
			Reversed:    reversed,
		}
	}

	r := Replay([]*domain.AmmTransaction{
		mk(12, 0, 300, nil, false),
		mk(10, 1, 100, big.NewInt(50), false),
		mk(13, 0, 999, big.NewInt(77), true),
		mk(11, 0, 200, big.NewInt(60), false),
	})
	assert.Equal(t, "300", r.Reserve0.String())
	assert.Equal(t, "600", r.Reserve1.String())
	assert.Equal(t, "60", r.TotalSupply.String())
	assert.Equal(t, uint64(12), r.LastBlock)

	empty := Replay(nil)
	assert.Equal(t, int64(0), empty.Reserve0.Int64())
	assert.True(t, empty.Matches(&domain.AmmPair{}))
	assert.False(t, r.Matches(&domain.AmmPair{Reserve0: big.NewInt(300)}))
}
