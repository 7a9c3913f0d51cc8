package domain

import (
	"math/big"
	"time"
)

// AmmKind is the type of a reserve-affecting AMM event.
type AmmKind string

const (
	AmmMint AmmKind = "mint"
	AmmBurn AmmKind = "burn"
	AmmSwap AmmKind = "swap"
	AmmSync AmmKind = "sync"
)

// AmmPair is the projection of one trading pair.
// Corresponds to amm_pairs table in PostgreSQL.
type AmmPair struct {
	PairAddress  string   // PRIMARY KEY, lowercase
	Network      string   // chain the pair lives on
	Factory      string   // factory that emitted PairCreated
	Token0       string   // lowercase token address
	Token1       string   // lowercase token address
	Reserve0     *big.Int // absolute reserve of token0
	Reserve1     *big.Int // absolute reserve of token1
	TotalSupply  *big.Int // LP token supply
	CreatedBlock uint64
	LastBlock    uint64 // block of the event that set the reserves
	LastLogIndex uint64
	LastSyncedAt time.Time
}

// Clone returns a deep copy.
func (p *AmmPair) Clone() *AmmPair {
	c := *p
	c.Reserve0 = cloneInt(p.Reserve0)
	c.Reserve1 = cloneInt(p.Reserve1)
	c.TotalSupply = cloneInt(p.TotalSupply)
	return &c
}

// AmmTransaction is the append-only audit row of one mint/burn/swap/sync.
// Corresponds to amm_transactions table in PostgreSQL.
type AmmTransaction struct {
	Key         NaturalKey // PRIMARY KEY (network, tx_hash, log_index)
	PairAddress string
	Kind        AmmKind
	Sender      string
	Recipient   string
	Amount0In   *big.Int
	Amount1In   *big.Int
	Amount0Out  *big.Int
	Amount1Out  *big.Int
	Reserve0    *big.Int // post-event reserve0
	Reserve1    *big.Int // post-event reserve1
	TotalSupply *big.Int // post-event LP supply, nil when the event leaves it unchanged
	BlockNumber uint64
	Reversed    bool // set by reorg reversal, never cleared
}

// Clone returns a deep copy.
func (t *AmmTransaction) Clone() *AmmTransaction {
	c := *t
	c.Amount0In = cloneInt(t.Amount0In)
	c.Amount1In = cloneInt(t.Amount1In)
	c.Amount0Out = cloneInt(t.Amount0Out)
	c.Amount1Out = cloneInt(t.Amount1Out)
	c.Reserve0 = cloneInt(t.Reserve0)
	c.Reserve1 = cloneInt(t.Reserve1)
	if t.TotalSupply != nil {
		c.TotalSupply = new(big.Int).Set(t.TotalSupply)
	}
	return &c
}

// Before reports whether t precedes o in chain order.
func (t *AmmTransaction) Before(o *AmmTransaction) bool {
	if t.BlockNumber != o.BlockNumber {
		return t.BlockNumber < o.BlockNumber
	}
	return t.Key.LogIndex < o.Key.LogIndex
}
