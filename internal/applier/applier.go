// Package applier writes the effect of one classified event to its domain
// tables, and undoes it on reorg. Appliers run inside the caller's unit of
// work and never touch processing records.
package applier

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"chain-event-ingest/internal/domain"
	"chain-event-ingest/internal/evm"
	"chain-event-ingest/internal/router"
	"chain-event-ingest/internal/storage"
)

// Effect describes what an apply or reverse changed, for downstream sinks.
type Effect struct {
	Trade *domain.AmmTransaction // set for AMM mint/burn/swap/sync
}

// Applier applies and reverses the events of one domain.
type Applier interface {
	Apply(ctx context.Context, repos storage.Repositories, route router.Route, e domain.CanonicalEvent) (Effect, error)
	Reverse(ctx context.Context, repos storage.Repositories, route router.Route, e domain.CanonicalEvent) (Effect, error)
}

// Set dispatches to the applier registered for a route's domain.
type Set struct {
	appliers map[router.Domain]Applier
}

// NewSet creates the default pool and AMM appliers.
func NewSet(now func() time.Time) *Set {
	return &Set{
		appliers: map[router.Domain]Applier{
			router.DomainPool: &PoolApplier{},
			router.DomainAmm:  NewAmmApplier(now),
		},
	}
}

// Apply applies e through the applier of route.Domain.
func (s *Set) Apply(ctx context.Context, repos storage.Repositories, route router.Route, e domain.CanonicalEvent) (Effect, error) {
	a, err := s.lookup(route)
	if err != nil {
		return Effect{}, err
	}
	return a.Apply(ctx, repos, route, e)
}

// Reverse undoes e through the applier of route.Domain.
func (s *Set) Reverse(ctx context.Context, repos storage.Repositories, route router.Route, e domain.CanonicalEvent) (Effect, error) {
	a, err := s.lookup(route)
	if err != nil {
		return Effect{}, err
	}
	return a.Reverse(ctx, repos, route, e)
}

func (s *Set) lookup(route router.Route) (Applier, error) {
	a, ok := s.appliers[route.Domain]
	if !ok {
		return nil, fmt.Errorf("%w: no applier for domain %q", router.ErrUnknownEventSignature, route.Domain)
	}
	return a, nil
}

// decoded is an event with its data bytes decoded once.
type decoded struct {
	e    domain.CanonicalEvent
	data []byte
}

func decode(e domain.CanonicalEvent, topics, words int) (*decoded, error) {
	if len(e.Topics) < topics {
		return nil, fmt.Errorf("%w: need %d topics, have %d", ErrDecode, topics, len(e.Topics))
	}
	data, err := evm.DecodeData(e.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(data) < words*evm.WordSize {
		return nil, fmt.Errorf("%w: need %d data words, have %d bytes", ErrDecode, words, len(data))
	}
	return &decoded{e: e, data: data}, nil
}

func (d *decoded) word(i int) *big.Int {
	// Length checked by decode
	v, _ := evm.Word(d.data, i)
	return v
}

func (d *decoded) wordAddress(i int) string {
	a, _ := evm.WordAddress(d.data, i)
	return a
}

func (d *decoded) topicAddress(i int) (string, error) {
	a, err := evm.TopicAddress(d.e.Topics[i])
	if err != nil {
		return "", fmt.Errorf("%w: topic %d: %v", ErrDecode, i, err)
	}
	return a, nil
}

func (d *decoded) topicInt(i int) (*big.Int, error) {
	v, err := evm.TopicInt(d.e.Topics[i])
	if err != nil {
		return nil, fmt.Errorf("%w: topic %d: %v", ErrDecode, i, err)
	}
	return v, nil
}
