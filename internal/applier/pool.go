package applier

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"chain-event-ingest/internal/domain"
	"chain-event-ingest/internal/router"
	"chain-event-ingest/internal/storage"
)

// PoolApplier writes pool lifecycle events. The emitting address is the pool ID.
type PoolApplier struct{}

// Verify interface compliance at compile time.
var _ Applier = (*PoolApplier)(nil)

// Apply writes the effect of one pool event.
func (a *PoolApplier) Apply(ctx context.Context, repos storage.Repositories, route router.Route, e domain.CanonicalEvent) (Effect, error) {
	var err error
	switch route.Kind {
	case router.KindPoolCreated:
		err = a.applyCreated(ctx, repos.Pools, e)
	case router.KindTierCommitted:
		err = a.applyCommitted(ctx, repos.Pools, e)
	case router.KindPoolStatusUpdated:
		err = a.applyStatus(ctx, repos.Pools, e)
	case router.KindRevenueReceived:
		err = a.adjustRevenue(ctx, repos.Pools, e, 1, true, false)
	case router.KindRevenueDistributed:
		err = a.adjustRevenue(ctx, repos.Pools, e, 0, false, false)
	default:
		err = fmt.Errorf("%w: pool kind %s", router.ErrUnknownEventSignature, route.Kind)
	}
	return Effect{}, err
}

// Reverse undoes the effect of one previously applied pool event.
func (a *PoolApplier) Reverse(ctx context.Context, repos storage.Repositories, route router.Route, e domain.CanonicalEvent) (Effect, error) {
	var err error
	switch route.Kind {
	case router.KindPoolCreated:
		err = repos.Pools.Delete(ctx, e.Network, e.ContractAddress)
		if errors.Is(err, storage.ErrNotFound) {
			err = nil
		}
	case router.KindTierCommitted:
		err = a.reverseCommitted(ctx, repos.Pools, e)
	case router.KindPoolStatusUpdated:
		err = a.reverseStatus(ctx, repos.Pools, e)
	case router.KindRevenueReceived:
		err = a.adjustRevenue(ctx, repos.Pools, e, 1, true, true)
	case router.KindRevenueDistributed:
		err = a.adjustRevenue(ctx, repos.Pools, e, 0, false, true)
	default:
		err = fmt.Errorf("%w: pool kind %s", router.ErrUnknownEventSignature, route.Kind)
	}
	return Effect{}, err
}

// PoolCreated(address indexed creator, address fundingToken, address revenueToken, uint256 targetAmount)
func (a *PoolApplier) applyCreated(ctx context.Context, pools storage.PoolStore, e domain.CanonicalEvent) error {
	d, err := decode(e, 2, 3)
	if err != nil {
		return err
	}
	creator, err := d.topicAddress(1)
	if err != nil {
		return err
	}

	p := &domain.PoolState{
		PoolID:             e.ContractAddress,
		Network:            e.Network,
		Creator:            creator,
		FundingToken:       d.wordAddress(0),
		RevenueToken:       d.wordAddress(1),
		TargetAmount:       d.word(2),
		Status:             domain.PoolDraft,
		RaisedAmount:       new(big.Int),
		RevenueAccumulated: new(big.Int),
		RevenueDistributed: new(big.Int),
		CreatedBlock:       e.BlockNumber,
		UpdatedBlock:       e.BlockNumber,
	}
	if err := pools.Insert(ctx, p); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return fmt.Errorf("%w: pool %s", ErrEntityExists, p.PoolID)
		}
		return err
	}
	return nil
}

// TierCommitted(address indexed investor, uint256 indexed tierId, uint256 amount)
func (a *PoolApplier) applyCommitted(ctx context.Context, pools storage.PoolStore, e domain.CanonicalEvent) error {
	d, err := decode(e, 3, 1)
	if err != nil {
		return err
	}
	investor, err := d.topicAddress(1)
	if err != nil {
		return err
	}
	tierID, err := d.topicInt(2)
	if err != nil {
		return err
	}

	p, err := getPool(ctx, pools, e.Network, e.ContractAddress)
	if err != nil {
		return err
	}

	c := &domain.Commitment{
		Key:         e.Key(),
		PoolID:      p.PoolID,
		Investor:    investor,
		TierID:      tierID,
		Amount:      d.word(0),
		BlockNumber: e.BlockNumber,
	}
	if err := pools.InsertCommitment(ctx, c); err != nil {
		return err
	}

	p.RaisedAmount.Add(p.RaisedAmount, c.Amount)
	p.CommitmentCount++
	p.UpdatedBlock = e.BlockNumber
	return pools.Update(ctx, p)
}

func (a *PoolApplier) reverseCommitted(ctx context.Context, pools storage.PoolStore, e domain.CanonicalEvent) error {
	c, err := pools.GetCommitment(ctx, e.Key())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: commitment %s", ErrUnknownEntity, e.Key())
		}
		return err
	}

	if err := pools.DeleteCommitment(ctx, c.Key); err != nil {
		return err
	}

	p, err := pools.GetForUpdate(ctx, c.Key.Network, c.PoolID)
	if errors.Is(err, storage.ErrNotFound) {
		// Pool creation already reversed
		return nil
	}
	if err != nil {
		return err
	}

	p.RaisedAmount.Sub(p.RaisedAmount, c.Amount)
	p.CommitmentCount--
	p.UpdatedBlock = e.BlockNumber
	return pools.Update(ctx, p)
}

// PoolStatusUpdated(uint8 newStatus)
func (a *PoolApplier) applyStatus(ctx context.Context, pools storage.PoolStore, e domain.CanonicalEvent) error {
	d, err := decode(e, 1, 1)
	if err != nil {
		return err
	}
	raw := d.word(0)
	if !raw.IsUint64() || raw.Uint64() > 255 {
		return fmt.Errorf("%w: status %s out of range", ErrDecode, raw)
	}
	to := domain.PoolStatus(raw.Uint64())

	p, err := getPool(ctx, pools, e.Network, e.ContractAddress)
	if err != nil {
		return err
	}

	if err := domain.ValidateTransition(p.Status, to); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStateTransition, err)
	}

	if err := pools.InsertStatusChange(ctx, &domain.StatusChange{
		Key:         e.Key(),
		PoolID:      p.PoolID,
		From:        p.Status,
		To:          to,
		BlockNumber: e.BlockNumber,
	}); err != nil {
		return err
	}

	p.Status = to
	p.UpdatedBlock = e.BlockNumber
	return pools.Update(ctx, p)
}

// reverseStatus drops one status change and re-derives the pool status from
// the latest change still on record, so reversals commute.
func (a *PoolApplier) reverseStatus(ctx context.Context, pools storage.PoolStore, e domain.CanonicalEvent) error {
	sc, err := pools.GetStatusChange(ctx, e.Key())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: status change %s", ErrUnknownEntity, e.Key())
		}
		return err
	}

	if err := pools.DeleteStatusChange(ctx, sc.Key); err != nil {
		return err
	}

	p, err := pools.GetForUpdate(ctx, sc.Key.Network, sc.PoolID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	remaining, err := pools.ListStatusChanges(ctx, sc.Key.Network, sc.PoolID)
	if err != nil {
		return err
	}

	p.Status = domain.PoolDraft
	if n := len(remaining); n > 0 {
		p.Status = remaining[n-1].To
	}
	p.UpdatedBlock = e.BlockNumber
	return pools.Update(ctx, p)
}

// adjustRevenue adds the amount word to a revenue counter, or subtracts it when undo is set.
// RevenueReceived(address indexed from, uint256 amount) / RevenueDistributed(uint256 amount)
func (a *PoolApplier) adjustRevenue(ctx context.Context, pools storage.PoolStore, e domain.CanonicalEvent, indexed int, received, undo bool) error {
	d, err := decode(e, 1+indexed, 1)
	if err != nil {
		return err
	}
	amount := d.word(0)
	if undo {
		amount.Neg(amount)
	}

	p, err := pools.GetForUpdate(ctx, e.Network, e.ContractAddress)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			if undo {
				return nil
			}
			return fmt.Errorf("%w: pool %s", ErrUnknownEntity, e.ContractAddress)
		}
		return err
	}

	if received {
		p.RevenueAccumulated.Add(p.RevenueAccumulated, amount)
	} else {
		p.RevenueDistributed.Add(p.RevenueDistributed, amount)
	}
	p.UpdatedBlock = e.BlockNumber
	return pools.Update(ctx, p)
}

// getPool loads a pool with its row locked for the rest of the unit of work.
func getPool(ctx context.Context, pools storage.PoolStore, network, poolID string) (*domain.PoolState, error) {
	p, err := pools.GetForUpdate(ctx, network, poolID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: pool %s", ErrUnknownEntity, poolID)
		}
		return nil, err
	}
	return p, nil
}
