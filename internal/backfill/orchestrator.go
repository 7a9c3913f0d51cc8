// Package backfill pulls historical logs over JSON-RPC in bounded chunks and
// feeds them through the same pipeline as webhook deliveries.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"chain-event-ingest/internal/adapter"
	"chain-event-ingest/internal/domain"
	"chain-event-ingest/internal/evm"
	"chain-event-ingest/internal/observability"
	"chain-event-ingest/internal/pipeline"
	"chain-event-ingest/internal/storage"
)

// ErrInvalidRange is returned when from is after to.
var ErrInvalidRange = errors.New("invalid block range")

// BlockRange is an inclusive range of block heights.
type BlockRange struct {
	From uint64
	To   uint64
}

// SplitRange splits [from, to] into consecutive inclusive chunks of at most
// chunk blocks. A zero chunk yields the whole range.
func SplitRange(from, to, chunk uint64) []BlockRange {
	if from > to {
		return nil
	}
	if chunk == 0 {
		return []BlockRange{{From: from, To: to}}
	}

	var ranges []BlockRange
	for start := from; ; start += chunk {
		end := start + chunk - 1
		if end >= to || end < start {
			ranges = append(ranges, BlockRange{From: start, To: to})
			return ranges
		}
		ranges = append(ranges, BlockRange{From: start, To: end})
	}
}

// LookbackRange returns the range covering the last hours of blocks before
// head at avgBlockTime per block, clamped at block 0.
func LookbackRange(head uint64, hours int, avgBlockTime time.Duration) BlockRange {
	if avgBlockTime <= 0 {
		avgBlockTime = 2 * time.Second
	}
	blocks := uint64(time.Duration(hours) * time.Hour / avgBlockTime)
	if blocks > head {
		return BlockRange{From: 0, To: head}
	}
	return BlockRange{From: head - blocks, To: head}
}

// Request describes one backfill run.
type Request struct {
	From    uint64
	To      uint64
	Trigger domain.RunTrigger
}

// Options configures an Orchestrator.
type Options struct {
	Network         string
	ChunkSize       uint64        // blocks per eth_getLogs call, default 2000
	InterChunkDelay time.Duration // pause between chunks
	ChunkTimeout    time.Duration // deadline of one chunk fetch, default 30s
	AvgBlockTime    time.Duration // used by RunLookback, default 2s
	Addresses       []string      // contract addresses to filter, empty means all
	PendingLimit    int           // pending records retried after the chunks, default 500
	Logger          *log.Logger
	Clock           func() time.Time
}

// Orchestrator runs chunked backfills and records each in the run ledger.
type Orchestrator struct {
	source    evm.RPCClient
	processor *pipeline.Processor
	runs      storage.RunLedgerStore
	opts      Options
	logger    *log.Logger
	clock     func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// New creates an Orchestrator.
func New(source evm.RPCClient, processor *pipeline.Processor, runs storage.RunLedgerStore, opts Options) *Orchestrator {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 2000
	}
	if opts.ChunkTimeout <= 0 {
		opts.ChunkTimeout = 30 * time.Second
	}
	if opts.AvgBlockTime <= 0 {
		opts.AvgBlockTime = 2 * time.Second
	}
	if opts.PendingLimit <= 0 {
		opts.PendingLimit = 500
	}

	o := &Orchestrator{
		source:    source,
		processor: processor,
		runs:      runs,
		opts:      opts,
		logger:    opts.Logger,
		clock:     opts.Clock,
		sleep:     sleepContext,
	}
	if o.logger == nil {
		o.logger = log.Default()
	}
	if o.clock == nil {
		o.clock = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// RunLookback backfills the last hours of blocks up to the current head.
func (o *Orchestrator) RunLookback(ctx context.Context, hours int, trigger domain.RunTrigger) (*domain.ProcessingRun, error) {
	if hours <= 0 {
		return nil, fmt.Errorf("%w: lookback hours must be positive", ErrInvalidRange)
	}
	head, err := o.source.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("get head block: %w", err)
	}
	r := LookbackRange(head, hours, o.opts.AvgBlockTime)
	return o.Run(ctx, Request{From: r.From, To: r.To, Trigger: trigger})
}

// Run fetches [req.From, req.To] chunk by chunk. A failed chunk is counted
// and skipped; a store failure fails the run. Pending records left by earlier
// runs are retried once the chunks are done. The returned run is non-nil
// whenever the ledger row was created.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*domain.ProcessingRun, error) {
	if req.From > req.To {
		return nil, fmt.Errorf("%w: %d > %d", ErrInvalidRange, req.From, req.To)
	}
	if req.Trigger == "" {
		req.Trigger = domain.TriggerManual
	}

	chunks := SplitRange(req.From, req.To, o.opts.ChunkSize)
	run := domain.NewProcessingRun(o.opts.Network, req.Trigger, req.From, req.To, o.opts.ChunkSize, o.clock())
	run.ChunksTotal = len(chunks)
	if err := o.runs.Insert(ctx, run); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	o.logger.Printf("Backfill %s started: blocks %d-%d in %d chunks (%s)",
		run.ID, req.From, req.To, len(chunks), req.Trigger)

	err := o.runChunks(ctx, run, chunks)
	if err == nil {
		err = o.retryPending(ctx, run)
	}

	status := domain.RunCompleted
	switch {
	case err != nil:
		status = domain.RunFailed
		run.Error = err.Error()
	case run.ChunksTotal > 0 && run.ChunksFailed == run.ChunksTotal:
		status = domain.RunFailed
		run.Error = "every chunk failed"
	}
	run.Finish(status, o.clock())

	// The ledger row is closed even when the run was canceled
	if uerr := o.runs.Update(context.WithoutCancel(ctx), run); uerr != nil {
		o.logger.Printf("WARN: update run %s: %v", run.ID, uerr)
	}

	observability.RecordBackfillRun(string(req.Trigger), string(status), run.Duration.Seconds())
	if status == domain.RunCompleted {
		observability.MarkBackfillSucceeded(o.clock().Unix())
	}
	o.logger.Printf("Backfill %s %s in %v: %d found, %d new, %d processed, %d failed, %d/%d chunks failed, %d pending retried",
		run.ID, status, run.Duration, run.EventsFound, run.EventsNew, run.EventsProcessed,
		run.EventsFailed, run.ChunksFailed, run.ChunksTotal, run.PendingRetried)

	if err == nil && status == domain.RunFailed {
		err = errors.New(run.Error)
	}
	return run, err
}

func (o *Orchestrator) runChunks(ctx context.Context, run *domain.ProcessingRun, chunks []BlockRange) error {
	topics := o.processor.Registry().Topics()

	for i, chunk := range chunks {
		if i > 0 && o.opts.InterChunkDelay > 0 {
			if err := o.sleep(ctx, o.opts.InterChunkDelay); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		logs, err := o.fetch(ctx, evm.LogFilter{
			FromBlock: chunk.From,
			ToBlock:   chunk.To,
			Addresses: o.opts.Addresses,
			Topic0:    topics,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			run.ChunksFailed++
			observability.RecordBackfillChunk("failed")
			o.logger.Printf("WARN: chunk %d-%d failed: %v", chunk.From, chunk.To, err)
			continue
		}
		observability.RecordBackfillChunk("ok")

		batch := adapter.FromRPCLogs(o.opts.Network, logs)
		if len(batch.Invalid) > 0 {
			o.logger.Printf("WARN: chunk %d-%d: dropped %d invalid logs", chunk.From, chunk.To, len(batch.Invalid))
		}
		run.EventsFound += len(batch.Events)

		unseen, err := o.processor.FilterUnseen(ctx, batch.Events)
		if err != nil {
			return fmt.Errorf("filter chunk %d-%d: %w", chunk.From, chunk.To, err)
		}
		run.EventsNew += len(unseen)

		result, err := o.processor.Process(ctx, unseen, domain.SourceBackfill)
		if err != nil {
			return fmt.Errorf("process chunk %d-%d: %w", chunk.From, chunk.To, err)
		}
		run.EventsProcessed += result.Processed
		run.EventsFailed += result.Failed
	}
	return nil
}

func (o *Orchestrator) fetch(ctx context.Context, filter evm.LogFilter) ([]evm.Log, error) {
	cctx, cancel := context.WithTimeout(ctx, o.opts.ChunkTimeout)
	defer cancel()
	return o.source.GetLogs(cctx, filter)
}

func (o *Orchestrator) retryPending(ctx context.Context, run *domain.ProcessingRun) error {
	result, err := o.processor.RetryPending(ctx, o.opts.PendingLimit)
	if err != nil {
		return fmt.Errorf("retry pending: %w", err)
	}
	run.PendingRetried = result.Processed
	run.EventsFailed += result.Failed
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
