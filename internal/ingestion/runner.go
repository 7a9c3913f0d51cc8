// Package ingestion feeds live WebSocket log subscriptions into the pipeline.
package ingestion

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"chain-event-ingest/internal/adapter"
	"chain-event-ingest/internal/domain"
	"chain-event-ingest/internal/evm"
	"chain-event-ingest/internal/observability"
	"chain-event-ingest/internal/pipeline"
)

// ErrSubscriptionClosed is returned when the log channel closes while running.
var ErrSubscriptionClosed = errors.New("log subscription closed")

// EventProcessor runs canonical events through dedup and the appliers.
type EventProcessor interface {
	Process(ctx context.Context, events []domain.CanonicalEvent, source domain.Source) (*pipeline.BatchResult, error)
}

// Runner subscribes to contract logs and processes them block by block.
type Runner struct {
	ws            evm.WSClient
	processor     EventProcessor
	filter        evm.LogFilter
	network       string
	blockLag      uint64        // blocks to wait before a block is released
	flushInterval time.Duration // buffered blocks older than this are released
	logger        *log.Logger
	clock         func() time.Time

	// Block-based buffer so a block is processed in log order
	buffer       map[uint64][]evm.Log
	firstSeen    map[uint64]time.Time
	highestBlock uint64
}

// RunnerOptions contains configuration for creating a Runner.
type RunnerOptions struct {
	WS            evm.WSClient
	Processor     EventProcessor
	Network       string
	Addresses     []string
	Topic0        []string
	BlockLag      uint64        // Default: 2 blocks
	FlushInterval time.Duration // Default: 5s
	Logger        *log.Logger
	Clock         func() time.Time
}

// NewRunner creates a new ingestion runner.
func NewRunner(opts RunnerOptions) *Runner {
	blockLag := opts.BlockLag
	if blockLag == 0 {
		blockLag = 2
	}

	flushInterval := opts.FlushInterval
	if flushInterval == 0 {
		flushInterval = 5 * time.Second
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Runner{
		ws:            opts.WS,
		processor:     opts.Processor,
		filter:        evm.LogFilter{Addresses: opts.Addresses, Topic0: opts.Topic0},
		network:       opts.Network,
		blockLag:      blockLag,
		flushInterval: flushInterval,
		logger:        logger,
		clock:         clock,
		buffer:        make(map[uint64][]evm.Log),
		firstSeen:     make(map[uint64]time.Time),
	}
}

// Run subscribes and processes logs until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	logsCh, err := r.ws.SubscribeLogs(ctx, r.filter)
	if err != nil {
		return err
	}
	r.logger.Printf("Subscribed to logs (addresses=%d, topics=%d, block lag=%d)", len(r.filter.Addresses), len(r.filter.Topic0), r.blockLag)

	flushTicker := time.NewTicker(r.flushInterval)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Flush with a fresh context so buffered logs are not lost
			r.flushAll(context.WithoutCancel(ctx))
			r.logger.Println("Runner stopping...")
			return ctx.Err()

		case l, ok := <-logsCh:
			if !ok {
				r.flushAll(ctx)
				return ErrSubscriptionClosed
			}
			observability.RecordSubscriptionEvent()
			r.bufferLog(ctx, l)

		case <-flushTicker.C:
			r.processFinalized(ctx)
		}
	}
}

// bufferLog adds l to its block and releases blocks that are final.
func (r *Runner) bufferLog(ctx context.Context, l evm.Log) {
	block, err := domain.DecodeQuantity(l.BlockNumber)
	if err != nil {
		r.logger.Printf("WARN: dropping log with invalid block number %q (tx=%s)", l.BlockNumber, l.TransactionHash)
		return
	}

	if r.highestBlock >= r.blockLag && block <= r.highestBlock-r.blockLag {
		// Late log for an already released block: process immediately
		r.process(ctx, []evm.Log{l})
		return
	}

	if _, ok := r.buffer[block]; !ok {
		r.firstSeen[block] = r.clock()
	}
	r.buffer[block] = append(r.buffer[block], l)

	if block > r.highestBlock {
		r.highestBlock = block
		r.processFinalized(ctx)
	}
}

// processFinalized releases blocks behind the head by the lag window and
// blocks buffered for longer than the flush interval.
func (r *Runner) processFinalized(ctx context.Context) {
	now := r.clock()
	var ready []uint64
	for block := range r.buffer {
		final := r.highestBlock >= r.blockLag && block <= r.highestBlock-r.blockLag
		if final || now.Sub(r.firstSeen[block]) >= r.flushInterval {
			ready = append(ready, block)
		}
	}
	r.processBlocks(ctx, ready)
}

// flushAll processes every buffered block.
func (r *Runner) flushAll(ctx context.Context) {
	blocks := make([]uint64, 0, len(r.buffer))
	for block := range r.buffer {
		blocks = append(blocks, block)
	}
	r.processBlocks(ctx, blocks)
}

func (r *Runner) processBlocks(ctx context.Context, blocks []uint64) {
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })
	for _, block := range blocks {
		logs := r.buffer[block]
		delete(r.buffer, block)
		delete(r.firstSeen, block)

		// Stable keeps a removal behind the log it cancels
		sort.SliceStable(logs, func(i, j int) bool {
			return logIndex(logs[i]) < logIndex(logs[j])
		})
		r.process(ctx, logs)
	}
}

func (r *Runner) process(ctx context.Context, logs []evm.Log) {
	batch := adapter.FromRPCLogs(r.network, logs)
	for _, err := range batch.Invalid {
		r.logger.Printf("WARN: dropping invalid subscription log: %v", err)
	}
	if len(batch.Events) == 0 {
		return
	}

	result, err := r.processor.Process(ctx, batch.Events, domain.SourceSubscription)
	if err != nil {
		r.logger.Printf("WARN: processing %d subscription events failed: %v", len(batch.Events), err)
		return
	}
	r.logger.Printf("Subscription batch: processed=%d skipped=%d failed=%d total=%d",
		result.Processed, result.Skipped, result.Failed, result.Total)
}

func logIndex(l evm.Log) uint64 {
	n, err := domain.DecodeQuantity(l.LogIndex)
	if err != nil {
		return 0
	}
	return n
}
