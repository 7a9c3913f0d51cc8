// Package router classifies canonical events by their topic signature.
package router

import (
	"errors"
	"fmt"
	"sort"

	"chain-event-ingest/internal/domain"
	"chain-event-ingest/internal/evm"
)

// ErrUnknownEventSignature is returned for topics with no registered route.
var ErrUnknownEventSignature = errors.New("unknown event signature")

// Domain groups routes by the projection they write.
type Domain string

const (
	DomainPool Domain = "pool"
	DomainAmm  Domain = "amm"
)

// Kind is the handler variant within a domain.
type Kind string

const (
	KindPoolCreated        Kind = "pool_created"
	KindTierCommitted      Kind = "tier_committed"
	KindPoolStatusUpdated  Kind = "pool_status_updated"
	KindRevenueReceived    Kind = "revenue_received"
	KindRevenueDistributed Kind = "revenue_distributed"
	KindPairCreated        Kind = "pair_created"
	KindMint               Kind = "mint"
	KindBurn               Kind = "burn"
	KindSwap               Kind = "swap"
	KindSync               Kind = "sync"
)

// Action is what the pipeline does with a classified event.
type Action int

const (
	ActionApply Action = iota
	ActionReverse
)

// String returns the action name.
func (a Action) String() string {
	if a == ActionReverse {
		return "reverse"
	}
	return "apply"
}

// Definition declares one event signature and its handler variant.
type Definition struct {
	Domain    Domain
	Kind      Kind
	Signature string // canonical ABI signature, e.g. "Sync(uint256,uint256)"
}

// Route is the result of classifying an event.
type Route struct {
	Domain    Domain
	Kind      Kind
	Signature string
	Topic     string // keccak256 of Signature
}

// DefaultDefinitions returns the pool and AMM contract events.
func DefaultDefinitions() []Definition {
	return []Definition{
		{Domain: DomainPool, Kind: KindPoolCreated, Signature: "PoolCreated(address,address,address,uint256)"},
		{Domain: DomainPool, Kind: KindTierCommitted, Signature: "TierCommitted(address,uint256,uint256)"},
		{Domain: DomainPool, Kind: KindPoolStatusUpdated, Signature: "PoolStatusUpdated(uint8)"},
		{Domain: DomainPool, Kind: KindRevenueReceived, Signature: "RevenueReceived(address,uint256)"},
		{Domain: DomainPool, Kind: KindRevenueDistributed, Signature: "RevenueDistributed(uint256)"},
		{Domain: DomainAmm, Kind: KindPairCreated, Signature: "PairCreated(address,address,address,uint256)"},
		{Domain: DomainAmm, Kind: KindMint, Signature: "Mint(address,uint256,uint256,uint256,uint256,uint256)"},
		{Domain: DomainAmm, Kind: KindBurn, Signature: "Burn(address,address,uint256,uint256,uint256,uint256,uint256)"},
		{Domain: DomainAmm, Kind: KindSwap, Signature: "Swap(address,address,uint256,uint256,uint256,uint256,uint256,uint256)"},
		{Domain: DomainAmm, Kind: KindSync, Signature: "Sync(uint256,uint256)"},
	}
}

// Registry maps topic0 to a route. It is immutable after construction.
type Registry struct {
	routes map[string]Route
	byKind map[Kind]Route
}

// NewRegistry hashes every definition into a registry.
// Duplicate signatures or kinds are rejected.
func NewRegistry(defs []Definition) (*Registry, error) {
	r := &Registry{
		routes: make(map[string]Route, len(defs)),
		byKind: make(map[Kind]Route, len(defs)),
	}
	for _, d := range defs {
		if d.Signature == "" || d.Kind == "" {
			return nil, fmt.Errorf("definition missing signature or kind: %+v", d)
		}
		route := Route{
			Domain:    d.Domain,
			Kind:      d.Kind,
			Signature: d.Signature,
			Topic:     evm.EventID(d.Signature),
		}
		if _, dup := r.routes[route.Topic]; dup {
			return nil, fmt.Errorf("duplicate signature %s", d.Signature)
		}
		if _, dup := r.byKind[d.Kind]; dup {
			return nil, fmt.Errorf("duplicate kind %s", d.Kind)
		}
		r.routes[route.Topic] = route
		r.byKind[d.Kind] = route
	}
	return r, nil
}

// MustDefaultRegistry returns a registry of DefaultDefinitions.
func MustDefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultDefinitions())
	if err != nil {
		panic(err)
	}
	return r
}

// Classify selects the route for e. Removed events are always reversed.
func (r *Registry) Classify(e domain.CanonicalEvent) (Route, Action, error) {
	route, ok := r.routes[e.Signature()]
	if !ok {
		return Route{}, ActionApply, fmt.Errorf("%w: %s", ErrUnknownEventSignature, e.Signature())
	}
	if e.Removed {
		return route, ActionReverse, nil
	}
	return route, ActionApply, nil
}

// Topic returns the topic0 registered for kind, or "" if none.
func (r *Registry) Topic(kind Kind) string {
	return r.byKind[kind].Topic
}

// Topics returns every registered topic0, sorted. Used as the eth_getLogs filter.
func (r *Registry) Topics() []string {
	topics := make([]string, 0, len(r.routes))
	for t := range r.routes {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}
