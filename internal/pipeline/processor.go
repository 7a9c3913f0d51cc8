// Package pipeline runs canonical events through dedup, routing and the
// domain appliers, one unit of work per event.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"chain-event-ingest/internal/applier"
	"chain-event-ingest/internal/domain"
	"chain-event-ingest/internal/observability"
	"chain-event-ingest/internal/router"
	"chain-event-ingest/internal/storage"
)

// TradeSink receives AMM transactions after their unit of work commits.
type TradeSink interface {
	WriteTrades(ctx context.Context, trades []*domain.AmmTransaction) error
}

// Options configures a Processor.
type Options struct {
	Registry *router.Registry // nil uses the default contract ABI
	Appliers *applier.Set     // nil uses the default pool and AMM appliers
	Sink     TradeSink        // optional analytics mirror
	Logger   *log.Logger      // nil uses log.Default()
	Clock    func() time.Time // nil uses time.Now().UTC()
}

// Processor applies batches of canonical events exactly once per natural key.
type Processor struct {
	db       storage.Database
	registry *router.Registry
	appliers *applier.Set
	sink     TradeSink
	logger   *log.Logger
	clock    func() time.Time

	mu           sync.Mutex
	highestBlock uint64
}

// NewProcessor creates a processor over db.
func NewProcessor(db storage.Database, opts Options) *Processor {
	p := &Processor{
		db:       db,
		registry: opts.Registry,
		appliers: opts.Appliers,
		sink:     opts.Sink,
		logger:   opts.Logger,
		clock:    opts.Clock,
	}
	if p.clock == nil {
		p.clock = func() time.Time { return time.Now().UTC() }
	}
	if p.registry == nil {
		p.registry = router.MustDefaultRegistry()
	}
	if p.appliers == nil {
		p.appliers = applier.NewSet(p.clock)
	}
	if p.logger == nil {
		p.logger = log.Default()
	}
	return p
}

// Registry returns the signature registry used for classification.
func (p *Processor) Registry() *router.Registry {
	return p.registry
}

// Process filters events already settled, then claims and applies (or
// reverses) the rest. A store failure stops the batch and is returned
// wrapped in ErrStoreUnavailable together with the partial result.
func (p *Processor) Process(ctx context.Context, events []domain.CanonicalEvent, source domain.Source) (*BatchResult, error) {
	result := &BatchResult{Total: len(events)}
	if len(events) == 0 {
		return result, nil
	}

	unseen, err := p.FilterUnseen(ctx, events)
	if err != nil {
		return result, fmt.Errorf("%w: filter: %v", ErrStoreUnavailable, err)
	}

	fresh := make(map[domain.NaturalKey]bool, len(unseen))
	for _, e := range unseen {
		fresh[eventKey(e)] = true
	}
	for _, e := range events {
		if !fresh[eventKey(e)] {
			p.record(result, source, Outcome{Key: e.Key(), Kind: OutcomeSkipped, Reason: "already settled"})
		}
	}

	var trades []*domain.AmmTransaction
	defer func() { p.flush(ctx, trades) }()

	for _, e := range unseen {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		p.observeBlock(e.BlockNumber)

		o, trade, err := p.handle(ctx, e, source)
		if err != nil {
			return result, err
		}
		p.record(result, source, o)
		if trade != nil {
			trades = append(trades, trade)
		}
	}
	return result, nil
}

// FilterUnseen drops events whose key is already settled. A non-removed
// event is settled once processed, reversed or failed; a removed event only
// once reversed. Pending keys pass and lose the claim later.
func (p *Processor) FilterUnseen(ctx context.Context, events []domain.CanonicalEvent) ([]domain.CanonicalEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}

	hashes := make(map[string][]string)
	seenHash := make(map[string]bool)
	for _, e := range events {
		id := e.Network + "|" + e.TransactionHash
		if !seenHash[id] {
			seenHash[id] = true
			hashes[e.Network] = append(hashes[e.Network], e.TransactionHash)
		}
	}

	status := make(map[domain.NaturalKey]domain.RecordStatus)
	repos := p.db.Repos()
	for network, txs := range hashes {
		start := time.Now()
		records, err := repos.Records.GetByTxHashes(ctx, network, txs)
		observability.RecordDBQuery("postgres", "get_records_by_tx", time.Since(start).Seconds(), err)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			status[r.Key] = r.Status
		}
	}

	out := make([]domain.CanonicalEvent, 0, len(events))
	for _, e := range events {
		s, ok := status[e.Key()]
		if !ok {
			out = append(out, e)
			continue
		}
		if e.Removed {
			if s != domain.StatusReversed {
				out = append(out, e)
			}
			continue
		}
		if s == domain.StatusPending {
			out = append(out, e)
		}
	}
	return out, nil
}

// RetryPending re-applies up to limit records left pending by an
// interrupted run. The existing claim is reused.
func (p *Processor) RetryPending(ctx context.Context, limit int) (*BatchResult, error) {
	result := &BatchResult{}

	pending, err := p.db.Repos().Records.ListByStatus(ctx, domain.StatusPending, limit)
	if err != nil {
		return result, fmt.Errorf("%w: list pending: %v", ErrStoreUnavailable, err)
	}
	result.Total = len(pending)

	var trades []*domain.AmmTransaction
	defer func() { p.flush(ctx, trades) }()

	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		e := rec.RawEvent
		route, _, err := p.registry.Classify(e)
		if err != nil {
			o, err := p.fail(ctx, e, fmt.Sprintf("retry: %v", err))
			if err != nil {
				return result, err
			}
			p.record(result, rec.Source, o)
			continue
		}

		o, trade, err := p.applyClaimed(ctx, route, e)
		if err != nil {
			return result, err
		}
		p.record(result, rec.Source, o)
		if trade != nil {
			trades = append(trades, trade)
		}
	}

	observability.RecordPendingRetried(result.Processed)
	if len(pending) > 0 {
		p.logger.Printf("Retried %d pending records: %d applied, %d failed, %d skipped",
			len(pending), result.Processed, result.Failed, result.Skipped)
	}
	return result, nil
}

// Reprocess requeues a failed or pending record with source manual and
// applies it again. Returns storage.ErrNotFound for unknown keys and
// storage.ErrStatusConflict for records already processed or reversed.
func (p *Processor) Reprocess(ctx context.Context, key domain.NaturalKey) (Outcome, error) {
	repos := p.db.Repos()
	if err := repos.Records.Requeue(ctx, key, domain.SourceManual); err != nil {
		return Outcome{}, err
	}

	rec, err := repos.Records.Get(ctx, key)
	if err != nil {
		return Outcome{}, err
	}

	route, _, err := p.registry.Classify(rec.RawEvent)
	if err != nil {
		return p.fail(ctx, rec.RawEvent, err.Error())
	}

	o, trade, err := p.applyClaimed(ctx, route, rec.RawEvent)
	if err != nil {
		return Outcome{}, err
	}
	observability.RecordOutcome(domain.SourceManual.String(), string(o.Kind))
	if trade != nil {
		p.flush(ctx, []*domain.AmmTransaction{trade})
	}
	return o, nil
}

// handle routes one unseen event.
func (p *Processor) handle(ctx context.Context, e domain.CanonicalEvent, source domain.Source) (Outcome, *domain.AmmTransaction, error) {
	route, action, err := p.registry.Classify(e)
	if err != nil {
		if errors.Is(err, router.ErrUnknownEventSignature) {
			p.logger.Printf("WARN: unknown event signature %s from %s at %s", e.Signature(), e.ContractAddress, e.Key())
			return Outcome{Key: e.Key(), Kind: OutcomeUnknown, Reason: err.Error()}, nil, nil
		}
		return Outcome{}, nil, err
	}

	if action == router.ActionReverse {
		return p.reverse(ctx, route, e)
	}

	claimed, err := p.db.Repos().Records.Claim(ctx, domain.NewPendingRecord(e, source, p.clock()))
	if err != nil {
		return Outcome{}, nil, fmt.Errorf("%w: claim %s: %v", ErrStoreUnavailable, e.Key(), err)
	}
	if !claimed {
		return Outcome{Key: e.Key(), Kind: OutcomeSkipped, Reason: "claimed by another delivery"}, nil, nil
	}

	return p.applyClaimed(ctx, route, e)
}

// applyClaimed writes the domain effect of a pending record and moves it to
// processed in one unit of work. Domain rejections move it to failed.
func (p *Processor) applyClaimed(ctx context.Context, route router.Route, e domain.CanonicalEvent) (Outcome, *domain.AmmTransaction, error) {
	start := time.Now()
	var effect applier.Effect
	var domainErr error

	err := p.db.WithTx(ctx, func(repos storage.Repositories) error {
		var err error
		effect, err = p.appliers.Apply(ctx, repos, route, e)
		if err != nil {
			if applier.IsDomainError(err) {
				domainErr = err
			}
			return err
		}
		return repos.Records.Transition(ctx, e.Key(), domain.StatusPending, domain.StatusProcessed, "")
	})
	observability.RecordApplyLatency(string(route.Kind), time.Since(start).Seconds())

	switch {
	case err == nil:
		return Outcome{Key: e.Key(), Kind: OutcomeApplied}, effect.Trade, nil
	case domainErr != nil:
		observability.RecordProcessingError(string(route.Kind), "domain")
		p.logger.Printf("WARN: %s %s rejected: %v", route.Kind, e.Key(), domainErr)
		o, err := p.fail(ctx, e, domainErr.Error())
		return o, nil, err
	case errors.Is(err, storage.ErrStatusConflict):
		return Outcome{Key: e.Key(), Kind: OutcomeSkipped, Reason: "settled concurrently"}, nil, nil
	default:
		observability.RecordProcessingError(string(route.Kind), "store")
		return Outcome{}, nil, fmt.Errorf("%w: apply %s: %v", ErrStoreUnavailable, e.Key(), err)
	}
}

// fail moves a pending record to failed with reason.
func (p *Processor) fail(ctx context.Context, e domain.CanonicalEvent, reason string) (Outcome, error) {
	err := p.db.Repos().Records.Transition(ctx, e.Key(), domain.StatusPending, domain.StatusFailed, reason)
	if errors.Is(err, storage.ErrStatusConflict) {
		return Outcome{Key: e.Key(), Kind: OutcomeSkipped, Reason: "settled concurrently"}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: mark failed %s: %v", ErrStoreUnavailable, e.Key(), err)
	}
	return Outcome{Key: e.Key(), Kind: OutcomeFailed, Reason: reason}, nil
}

// reverse undoes a processed event and moves it to reversed in one unit of
// work. Events never processed are a no-op. A domain rejection leaves the
// record processed so a redelivered removal can try again.
func (p *Processor) reverse(ctx context.Context, route router.Route, e domain.CanonicalEvent) (Outcome, *domain.AmmTransaction, error) {
	rec, err := p.db.Repos().Records.Get(ctx, e.Key())
	if errors.Is(err, storage.ErrNotFound) {
		p.logger.Printf("Removal of unseen event %s ignored", e.Key())
		return Outcome{Key: e.Key(), Kind: OutcomeNoop, Reason: "never processed"}, nil, nil
	}
	if err != nil {
		return Outcome{}, nil, fmt.Errorf("%w: get %s: %v", ErrStoreUnavailable, e.Key(), err)
	}
	if rec.Status != domain.StatusProcessed {
		p.logger.Printf("Removal of %s event %s ignored", rec.Status, e.Key())
		return Outcome{Key: e.Key(), Kind: OutcomeNoop, Reason: "record " + string(rec.Status)}, nil, nil
	}

	start := time.Now()
	var effect applier.Effect
	var domainErr error

	// The stored event carries the decoded payload; the removal may be a bare notice
	stored := rec.RawEvent
	stored.Removed = true

	err = p.db.WithTx(ctx, func(repos storage.Repositories) error {
		var err error
		effect, err = p.appliers.Reverse(ctx, repos, route, stored)
		if err != nil {
			if applier.IsDomainError(err) {
				domainErr = err
			}
			return err
		}
		return repos.Records.Transition(ctx, e.Key(), domain.StatusProcessed, domain.StatusReversed, "")
	})
	observability.RecordApplyLatency(string(route.Kind)+"_reverse", time.Since(start).Seconds())

	switch {
	case err == nil:
		return Outcome{Key: e.Key(), Kind: OutcomeReversed}, effect.Trade, nil
	case domainErr != nil:
		observability.RecordProcessingError(string(route.Kind), "reverse")
		p.logger.Printf("WARN: reversal of %s %s rejected: %v", route.Kind, e.Key(), domainErr)
		return Outcome{Key: e.Key(), Kind: OutcomeFailed, Reason: domainErr.Error()}, nil, nil
	case errors.Is(err, storage.ErrStatusConflict):
		return Outcome{Key: e.Key(), Kind: OutcomeSkipped, Reason: "settled concurrently"}, nil, nil
	default:
		observability.RecordProcessingError(string(route.Kind), "store")
		return Outcome{}, nil, fmt.Errorf("%w: reverse %s: %v", ErrStoreUnavailable, e.Key(), err)
	}
}

func (p *Processor) record(result *BatchResult, source domain.Source, o Outcome) {
	result.add(o)
	observability.RecordOutcome(source.String(), string(o.Kind))
}

// flush mirrors committed trades to the sink. Failures are logged only.
func (p *Processor) flush(ctx context.Context, trades []*domain.AmmTransaction) {
	if p.sink == nil || len(trades) == 0 {
		return
	}
	if err := p.sink.WriteTrades(ctx, trades); err != nil {
		observability.RecordTradeSinkFailure()
		p.logger.Printf("WARN: trade sink write of %d rows failed: %v", len(trades), err)
	}
}

func (p *Processor) observeBlock(block uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if block > p.highestBlock {
		p.highestBlock = block
		observability.UpdateHighestBlock(block)
	}
}

// eventKey distinguishes an event from its removal within one batch.
func eventKey(e domain.CanonicalEvent) domain.NaturalKey {
	k := e.Key()
	if e.Removed {
		k.Network += "#removed"
	}
	return k
}
