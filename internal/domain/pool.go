package domain

import (
	"errors"
	"fmt"
	"math/big"
)

// ErrInvalidTransition is returned when a pool status change is not allowed.
var ErrInvalidTransition = errors.New("invalid pool status transition")

// PoolStatus is the lifecycle state of a funding pool.
// Numeric values match the uint8 the pool contract emits.
type PoolStatus uint8

const (
	PoolDraft PoolStatus = iota
	PoolActive
	PoolFunded
	PoolFailed
	PoolExecuting
	PoolClosed
)

var poolStatusNames = map[PoolStatus]string{
	PoolDraft:     "draft",
	PoolActive:    "active",
	PoolFunded:    "funded",
	PoolFailed:    "failed",
	PoolExecuting: "executing",
	PoolClosed:    "closed",
}

// String returns the lowercase status name.
func (s PoolStatus) String() string {
	if name, ok := poolStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// IsValid checks if the status is a known value.
func (s PoolStatus) IsValid() bool {
	_, ok := poolStatusNames[s]
	return ok
}

// ParsePoolStatus maps a status name back to its value.
func ParsePoolStatus(name string) (PoolStatus, error) {
	for s, n := range poolStatusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown pool status %q", name)
}

// poolTransitions is the adjacency set of the pool state machine:
// draft -> active -> (funded | failed), funded -> executing -> closed.
var poolTransitions = map[PoolStatus][]PoolStatus{
	PoolDraft:     {PoolActive},
	PoolActive:    {PoolFunded, PoolFailed},
	PoolFunded:    {PoolExecuting},
	PoolExecuting: {PoolClosed},
}

// CanTransition reports whether from -> to is in the adjacency set.
func CanTransition(from, to PoolStatus) bool {
	for _, next := range poolTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition for disallowed changes.
func ValidateTransition(from, to PoolStatus) error {
	if !to.IsValid() {
		return fmt.Errorf("%w: unknown target status %d", ErrInvalidTransition, uint8(to))
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// PoolState is the projection of one funding pool.
// Corresponds to pool_states table in PostgreSQL.
type PoolState struct {
	PoolID             string     // PRIMARY KEY, lowercase pool contract address
	Network            string     // chain the pool lives on
	Creator            string     // creator address
	FundingToken       string     // token committed by investors
	RevenueToken       string     // token revenue is paid in
	TargetAmount       *big.Int   // funding goal
	Status             PoolStatus // lifecycle state
	RaisedAmount       *big.Int   // sum of commitments
	CommitmentCount    int        // number of commitments
	RevenueAccumulated *big.Int   // sum of RevenueReceived
	RevenueDistributed *big.Int   // sum of RevenueDistributed
	CreatedBlock       uint64
	UpdatedBlock       uint64
}

// Clone returns a deep copy, so stores never share big.Int pointers.
func (p *PoolState) Clone() *PoolState {
	c := *p
	c.TargetAmount = cloneInt(p.TargetAmount)
	c.RaisedAmount = cloneInt(p.RaisedAmount)
	c.RevenueAccumulated = cloneInt(p.RevenueAccumulated)
	c.RevenueDistributed = cloneInt(p.RevenueDistributed)
	return &c
}

// Commitment is one investor commitment to a pool tier.
// Corresponds to pool_commitments table in PostgreSQL.
type Commitment struct {
	Key         NaturalKey // PRIMARY KEY, the TierCommitted log
	PoolID      string
	Investor    string
	TierID      *big.Int
	Amount      *big.Int
	BlockNumber uint64
}

// Clone returns a deep copy.
func (c *Commitment) Clone() *Commitment {
	cp := *c
	cp.TierID = cloneInt(c.TierID)
	cp.Amount = cloneInt(c.Amount)
	return &cp
}

// StatusChange records an applied status update so a reorg can restore From.
// Corresponds to pool_status_changes table in PostgreSQL.
type StatusChange struct {
	Key         NaturalKey // PRIMARY KEY, the PoolStatusUpdated log
	PoolID      string
	From        PoolStatus
	To          PoolStatus
	BlockNumber uint64
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
