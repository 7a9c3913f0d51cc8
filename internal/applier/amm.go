package applier

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"chain-event-ingest/internal/domain"
	"chain-event-ingest/internal/router"
	"chain-event-ingest/internal/storage"
)

// AmmApplier writes pair creation and reserve-affecting events.
// Mint, Burn, Swap and Sync carry the post-event absolute reserves, so the
// pair row is overwritten, never incremented.
type AmmApplier struct {
	now func() time.Time
}

// Verify interface compliance at compile time.
var _ Applier = (*AmmApplier)(nil)

// NewAmmApplier creates an AMM applier. nil now uses time.Now.
func NewAmmApplier(now func() time.Time) *AmmApplier {
	if now == nil {
		now = time.Now
	}
	return &AmmApplier{now: now}
}

// Apply writes the effect of one AMM event.
func (a *AmmApplier) Apply(ctx context.Context, repos storage.Repositories, route router.Route, e domain.CanonicalEvent) (Effect, error) {
	if route.Kind == router.KindPairCreated {
		return Effect{}, a.applyPairCreated(ctx, repos.Pairs, e)
	}

	trade, err := decodeTrade(route.Kind, e)
	if err != nil {
		return Effect{}, err
	}

	pair, err := repos.Pairs.GetForUpdate(ctx, e.Network, e.ContractAddress)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Effect{}, fmt.Errorf("%w: pair %s", ErrUnknownEntity, e.ContractAddress)
		}
		return Effect{}, err
	}

	if err := repos.Trades.Insert(ctx, trade); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return Effect{}, fmt.Errorf("%w: transaction %s", ErrEntityExists, trade.Key)
		}
		return Effect{}, err
	}

	// A late arrival keeps the newer reserves but may still carry supply
	if atOrAfter(e, pair) {
		pair.Reserve0 = trade.Reserve0
		pair.Reserve1 = trade.Reserve1
		if trade.TotalSupply != nil {
			pair.TotalSupply = trade.TotalSupply
		}
		pair.LastBlock = e.BlockNumber
		pair.LastLogIndex = e.LogIndex
	} else if err := a.replay(ctx, repos, pair); err != nil {
		return Effect{}, err
	}

	pair.LastSyncedAt = a.now()
	if err := repos.Pairs.UpdateReserves(ctx, pair); err != nil {
		return Effect{}, err
	}
	return Effect{Trade: trade}, nil
}

// Reverse undoes one AMM event. Trades are flagged, not deleted, and the
// pair is rebuilt from the remaining active trades.
func (a *AmmApplier) Reverse(ctx context.Context, repos storage.Repositories, route router.Route, e domain.CanonicalEvent) (Effect, error) {
	if route.Kind == router.KindPairCreated {
		d, err := decode(e, 3, 2)
		if err != nil {
			return Effect{}, err
		}
		err = repos.Pairs.Delete(ctx, e.Network, d.wordAddress(0))
		if errors.Is(err, storage.ErrNotFound) {
			err = nil
		}
		return Effect{}, err
	}

	trade, err := repos.Trades.Get(ctx, e.Key())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Effect{}, fmt.Errorf("%w: transaction %s", ErrUnknownEntity, e.Key())
		}
		return Effect{}, err
	}
	if trade.Reversed {
		return Effect{}, nil
	}

	if err := repos.Trades.MarkReversed(ctx, trade.Key); err != nil {
		return Effect{}, err
	}
	trade.Reversed = true

	pair, err := repos.Pairs.GetForUpdate(ctx, trade.Key.Network, trade.PairAddress)
	if errors.Is(err, storage.ErrNotFound) {
		return Effect{Trade: trade}, nil
	}
	if err != nil {
		return Effect{}, err
	}

	if err := a.replay(ctx, repos, pair); err != nil {
		return Effect{}, err
	}
	pair.LastSyncedAt = a.now()
	if err := repos.Pairs.UpdateReserves(ctx, pair); err != nil {
		return Effect{}, err
	}
	return Effect{Trade: trade}, nil
}

// replay overwrites pair reserves with the state derived from its active trades.
func (a *AmmApplier) replay(ctx context.Context, repos storage.Repositories, pair *domain.AmmPair) error {
	active, err := repos.Trades.ListActive(ctx, pair.Network, pair.PairAddress)
	if err != nil {
		return err
	}
	r := Replay(active)
	pair.Reserve0 = r.Reserve0
	pair.Reserve1 = r.Reserve1
	pair.TotalSupply = r.TotalSupply
	if len(active) == 0 {
		pair.LastBlock = pair.CreatedBlock
		pair.LastLogIndex = 0
	} else {
		pair.LastBlock = r.LastBlock
		pair.LastLogIndex = r.LastLogIndex
	}
	return nil
}

// PairCreated(address indexed token0, address indexed token1, address pair, uint256 index)
func (a *AmmApplier) applyPairCreated(ctx context.Context, pairs storage.AmmPairStore, e domain.CanonicalEvent) error {
	d, err := decode(e, 3, 2)
	if err != nil {
		return err
	}
	token0, err := d.topicAddress(1)
	if err != nil {
		return err
	}
	token1, err := d.topicAddress(2)
	if err != nil {
		return err
	}

	p := &domain.AmmPair{
		PairAddress:  d.wordAddress(0),
		Network:      e.Network,
		Factory:      e.ContractAddress,
		Token0:       token0,
		Token1:       token1,
		Reserve0:     new(big.Int),
		Reserve1:     new(big.Int),
		TotalSupply:  new(big.Int),
		CreatedBlock: e.BlockNumber,
		LastBlock:    e.BlockNumber,
		LastLogIndex: e.LogIndex,
		LastSyncedAt: a.now(),
	}
	if err := pairs.Insert(ctx, p); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return fmt.Errorf("%w: pair %s", ErrEntityExists, p.PairAddress)
		}
		return err
	}
	return nil
}

// decodeTrade builds the audit row of a Mint, Burn, Swap or Sync.
//
//	Mint(address indexed sender, uint256 amount0, uint256 amount1, uint256 reserve0, uint256 reserve1, uint256 totalSupply)
//	Burn(address indexed sender, address indexed to, uint256 amount0, uint256 amount1, uint256 reserve0, uint256 reserve1, uint256 totalSupply)
//	Swap(address indexed sender, address indexed to, uint256 amount0In, uint256 amount1In, uint256 amount0Out, uint256 amount1Out, uint256 reserve0, uint256 reserve1)
//	Sync(uint256 reserve0, uint256 reserve1)
func decodeTrade(kind router.Kind, e domain.CanonicalEvent) (*domain.AmmTransaction, error) {
	t := &domain.AmmTransaction{
		Key:         e.Key(),
		PairAddress: e.ContractAddress,
		Amount0In:   new(big.Int),
		Amount1In:   new(big.Int),
		Amount0Out:  new(big.Int),
		Amount1Out:  new(big.Int),
		BlockNumber: e.BlockNumber,
	}

	switch kind {
	case router.KindMint:
		d, err := decode(e, 2, 5)
		if err != nil {
			return nil, err
		}
		if t.Sender, err = d.topicAddress(1); err != nil {
			return nil, err
		}
		t.Kind = domain.AmmMint
		t.Amount0In, t.Amount1In = d.word(0), d.word(1)
		t.Reserve0, t.Reserve1 = d.word(2), d.word(3)
		t.TotalSupply = d.word(4)

	case router.KindBurn:
		d, err := decode(e, 3, 5)
		if err != nil {
			return nil, err
		}
		if t.Sender, err = d.topicAddress(1); err != nil {
			return nil, err
		}
		if t.Recipient, err = d.topicAddress(2); err != nil {
			return nil, err
		}
		t.Kind = domain.AmmBurn
		t.Amount0Out, t.Amount1Out = d.word(0), d.word(1)
		t.Reserve0, t.Reserve1 = d.word(2), d.word(3)
		t.TotalSupply = d.word(4)

	case router.KindSwap:
		d, err := decode(e, 3, 6)
		if err != nil {
			return nil, err
		}
		if t.Sender, err = d.topicAddress(1); err != nil {
			return nil, err
		}
		if t.Recipient, err = d.topicAddress(2); err != nil {
			return nil, err
		}
		t.Kind = domain.AmmSwap
		t.Amount0In, t.Amount1In = d.word(0), d.word(1)
		t.Amount0Out, t.Amount1Out = d.word(2), d.word(3)
		t.Reserve0, t.Reserve1 = d.word(4), d.word(5)

	case router.KindSync:
		d, err := decode(e, 1, 2)
		if err != nil {
			return nil, err
		}
		t.Kind = domain.AmmSync
		t.Reserve0, t.Reserve1 = d.word(0), d.word(1)

	default:
		return nil, fmt.Errorf("%w: amm kind %s", router.ErrUnknownEventSignature, kind)
	}
	return t, nil
}

// atOrAfter reports whether e is not older than the event that last set the pair's reserves.
func atOrAfter(e domain.CanonicalEvent, p *domain.AmmPair) bool {
	if e.BlockNumber != p.LastBlock {
		return e.BlockNumber > p.LastBlock
	}
	return e.LogIndex >= p.LastLogIndex
}
