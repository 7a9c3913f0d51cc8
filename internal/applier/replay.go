package applier

import (
	"math/big"

	"chain-event-ingest/internal/domain"
)

// Reserves is the pair state derived from its active transactions.
type Reserves struct {
	Reserve0     *big.Int
	Reserve1     *big.Int
	TotalSupply  *big.Int
	LastBlock    uint64
	LastLogIndex uint64
}

// Replay derives reserves from the latest active transaction, and total
// supply from the latest active transaction that reports it. Order of
// trades does not matter. With no trades everything is zero.
func Replay(trades []*domain.AmmTransaction) Reserves {
	var latest, latestSupply *domain.AmmTransaction
	for _, t := range trades {
		if t.Reversed {
			continue
		}
		if latest == nil || latest.Before(t) {
			latest = t
		}
		if t.TotalSupply != nil && (latestSupply == nil || latestSupply.Before(t)) {
			latestSupply = t
		}
	}

	r := Reserves{
		Reserve0:    new(big.Int),
		Reserve1:    new(big.Int),
		TotalSupply: new(big.Int),
	}
	if latest != nil {
		r.Reserve0.Set(latest.Reserve0)
		r.Reserve1.Set(latest.Reserve1)
		r.LastBlock = latest.BlockNumber
		r.LastLogIndex = latest.Key.LogIndex
	}
	if latestSupply != nil {
		r.TotalSupply.Set(latestSupply.TotalSupply)
	}
	return r
}

// Matches reports whether the pair's stored reserves equal r.
func (r Reserves) Matches(p *domain.AmmPair) bool {
	return cmpInt(p.Reserve0, r.Reserve0) == 0 &&
		cmpInt(p.Reserve1, r.Reserve1) == 0 &&
		cmpInt(p.TotalSupply, r.TotalSupply) == 0
}

func cmpInt(a, b *big.Int) int {
	if a == nil {
		a = new(big.Int)
	}
	if b == nil {
		b = new(big.Int)
	}
	return a.Cmp(b)
}
