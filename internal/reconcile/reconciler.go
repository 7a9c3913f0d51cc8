// Package reconcile checks projections against the records they were built
// from. Pair reserves are replayed from active AMM transactions; pool totals
// are recomputed from commitments.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"

	"chain-event-ingest/internal/applier"
	"chain-event-ingest/internal/domain"
	"chain-event-ingest/internal/storage"
)

var (
	// ErrPairNotFound is returned when the pair address doesn't exist.
	ErrPairNotFound = errors.New("pair not found")

	// ErrPoolNotFound is returned when the pool ID doesn't exist.
	ErrPoolNotFound = errors.New("pool not found")
)

// FieldDivergence represents a mismatch between stored and recomputed values.
type FieldDivergence struct {
	Field    string // field name
	Expected string // recomputed value
	Actual   string // stored value
}

// PairResult is the outcome of verifying one pair.
type PairResult struct {
	Network     string
	PairAddress string
	Trades      int // active transactions replayed
	Match       bool
	Divergences []FieldDivergence
	Replayed    applier.Reserves
}

// PoolResult is the outcome of verifying one pool.
type PoolResult struct {
	Network     string
	PoolID      string
	Commitments int
	Match       bool
	Divergences []FieldDivergence
}

// Report contains results for batch verification.
type Report struct {
	TotalPairs     int
	MatchedPairs   int
	DivergentPairs int
	Repaired       int
	Results        []PairResult
}

// Reconciler verifies and repairs projections.
type Reconciler struct {
	db     storage.Database
	logger *log.Logger
}

// New creates a Reconciler. nil logger uses log.Default().
func New(db storage.Database, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{db: db, logger: logger}
}

// VerifyPair replays the pair's active transactions and compares the result
// with its stored reserves and total supply.
func (r *Reconciler) VerifyPair(ctx context.Context, network, pairAddress string) (*PairResult, error) {
	return verifyPair(ctx, r.db.Repos(), network, pairAddress)
}

// RepairPair overwrites the pair's reserves with the replayed values when they
// diverge. Verification and write share one transaction.
func (r *Reconciler) RepairPair(ctx context.Context, network, pairAddress string) (*PairResult, error) {
	var result *PairResult
	err := r.db.WithTx(ctx, func(repos storage.Repositories) error {
		pair, err := repos.Pairs.GetForUpdate(ctx, network, pairAddress)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("%w: %s/%s", ErrPairNotFound, network, pairAddress)
			}
			return err
		}

		result, err = verifyPair(ctx, repos, network, pairAddress)
		if err != nil || result.Match {
			return err
		}

		pair.Reserve0 = result.Replayed.Reserve0
		pair.Reserve1 = result.Replayed.Reserve1
		pair.TotalSupply = result.Replayed.TotalSupply
		if result.Trades > 0 {
			pair.LastBlock = result.Replayed.LastBlock
			pair.LastLogIndex = result.Replayed.LastLogIndex
		} else {
			pair.LastBlock = pair.CreatedBlock
			pair.LastLogIndex = 0
		}
		return repos.Pairs.UpdateReserves(ctx, pair)
	})
	if err != nil {
		return nil, err
	}
	if !result.Match {
		r.logger.Printf("Repaired pair %s/%s: %d divergent fields", network, pairAddress, len(result.Divergences))
	}
	return result, nil
}

// VerifyAll verifies every pair, repairing divergent ones when repair is set.
func (r *Reconciler) VerifyAll(ctx context.Context, repair bool) (*Report, error) {
	pairs, err := r.db.Repos().Pairs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}

	report := &Report{TotalPairs: len(pairs), Results: make([]PairResult, 0, len(pairs))}
	for _, p := range pairs {
		var result *PairResult
		if repair {
			result, err = r.RepairPair(ctx, p.Network, p.PairAddress)
		} else {
			result, err = r.VerifyPair(ctx, p.Network, p.PairAddress)
		}
		if err != nil {
			return nil, fmt.Errorf("pair %s/%s: %w", p.Network, p.PairAddress, err)
		}

		if result.Match {
			report.MatchedPairs++
		} else {
			report.DivergentPairs++
			if repair {
				report.Repaired++
			}
		}
		report.Results = append(report.Results, *result)
	}
	return report, nil
}

// VerifyPool recomputes raised amount and commitment count from the pool's
// commitments.
func (r *Reconciler) VerifyPool(ctx context.Context, network, poolID string) (*PoolResult, error) {
	repos := r.db.Repos()

	pool, err := repos.Pools.Get(ctx, network, poolID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrPoolNotFound, network, poolID)
		}
		return nil, err
	}
	commitments, err := repos.Pools.ListCommitments(ctx, network, poolID)
	if err != nil {
		return nil, err
	}

	raised := new(big.Int)
	for _, c := range commitments {
		raised.Add(raised, c.Amount)
	}

	result := &PoolResult{Network: network, PoolID: poolID, Commitments: len(commitments)}
	result.Divergences = compareInt(result.Divergences, "RaisedAmount", raised, pool.RaisedAmount)
	if pool.CommitmentCount != len(commitments) {
		result.Divergences = append(result.Divergences, FieldDivergence{
			Field:    "CommitmentCount",
			Expected: fmt.Sprint(len(commitments)),
			Actual:   fmt.Sprint(pool.CommitmentCount),
		})
	}
	result.Match = len(result.Divergences) == 0
	return result, nil
}

func verifyPair(ctx context.Context, repos storage.Repositories, network, pairAddress string) (*PairResult, error) {
	pair, err := repos.Pairs.Get(ctx, network, pairAddress)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrPairNotFound, network, pairAddress)
		}
		return nil, err
	}

	trades, err := repos.Trades.ListActive(ctx, network, pairAddress)
	if err != nil {
		return nil, err
	}
	replayed := applier.Replay(trades)

	return &PairResult{
		Network:     network,
		PairAddress: pairAddress,
		Trades:      len(trades),
		Match:       replayed.Matches(pair),
		Divergences: ComparePair(pair, replayed),
		Replayed:    replayed,
	}, nil
}

// ComparePair lists the fields where pair differs from the replayed reserves.
func ComparePair(pair *domain.AmmPair, replayed applier.Reserves) []FieldDivergence {
	var divergences []FieldDivergence
	divergences = compareInt(divergences, "Reserve0", replayed.Reserve0, pair.Reserve0)
	divergences = compareInt(divergences, "Reserve1", replayed.Reserve1, pair.Reserve1)
	divergences = compareInt(divergences, "TotalSupply", replayed.TotalSupply, pair.TotalSupply)
	return divergences
}

func compareInt(divergences []FieldDivergence, field string, expected, actual *big.Int) []FieldDivergence {
	if expected == nil {
		expected = new(big.Int)
	}
	if actual == nil {
		actual = new(big.Int)
	}
	if expected.Cmp(actual) == 0 {
		return divergences
	}
	return append(divergences, FieldDivergence{
		Field:    field,
		Expected: expected.String(),
		Actual:   actual.String(),
	})
}
