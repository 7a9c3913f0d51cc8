// Package main provides the one-shot backfill CLI.
//
// Modes:
//   - range:     --from-block/--to-block backfills an explicit block range
//   - lookback:  --hours backfills the last N hours up to the chain head
//   - retry:     --retry-pending re-applies pending records only
//   - reconcile: --reconcile replays AMM transactions and checks pair reserves
//
// Usage:
//
//	backfill --rpc-url=https://... --postgres-dsn=postgres://... --hours=24
//	backfill --use-memory --rpc-url=https://... --from-block=100 --to-block=5000
//	backfill --postgres-dsn=postgres://... --reconcile --repair
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"chain-event-ingest/internal/backfill"
	"chain-event-ingest/internal/config"
	"chain-event-ingest/internal/domain"
	"chain-event-ingest/internal/evm"
	"chain-event-ingest/internal/pipeline"
	"chain-event-ingest/internal/reconcile"
	"chain-event-ingest/internal/storage"
	"chain-event-ingest/internal/storage/memory"
	"chain-event-ingest/internal/storage/migrations"
	pgstore "chain-event-ingest/internal/storage/postgres"
)

func main() {
	logger := log.New(os.Stdout, "[backfill] ", log.LstdFlags|log.Lshortfile)

	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	fromBlock := fs.Uint64("from-block", 0, "First block of the range")
	toBlock := fs.Uint64("to-block", 0, "Last block of the range (0 uses --hours)")
	hours := fs.Int("hours", 0, "Lookback window in hours (0 uses lookback-hours)")
	retryOnly := fs.Bool("retry-pending", false, "Only retry pending records")
	runReconcile := fs.Bool("reconcile", false, "Verify AMM pair reserves against their transactions")
	reconcilePair := fs.String("reconcile-pair", "", "Verify a single pair on --network instead of all")
	repair := fs.Bool("repair", false, "Write replayed reserves for divergent pairs")

	cfg, err := config.Load(fs, os.Args[1:])
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, cleanup, err := openDB(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to open storage: %v", err)
	}
	defer cleanup()

	switch {
	case *runReconcile || *reconcilePair != "":
		err = reconcileCmd(ctx, db, cfg.Network, *reconcilePair, *repair, logger)
	case *retryOnly:
		err = retryCmd(ctx, db, cfg.Backfill.PendingLimit, logger)
	default:
		err = backfillCmd(ctx, db, cfg, *fromBlock, *toBlock, *hours, logger)
	}
	if err != nil {
		logger.Fatalf("Failed: %v", err)
	}
}

func openDB(ctx context.Context, cfg *config.Config, logger *log.Logger) (storage.Database, func(), error) {
	if cfg.UseMemory {
		logger.Println("Using in-memory storage")
		return memory.NewDB(), func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Migrate {
		if _, err := migrations.RunPostgresMigrations(ctx, pool, logger); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres migrations: %w", err)
		}
	}
	return pgstore.NewDB(pool), pool.Close, nil
}

func newProcessor(db storage.Database) *pipeline.Processor {
	return pipeline.NewProcessor(db, pipeline.Options{
		Logger: log.New(os.Stdout, "[pipeline] ", log.LstdFlags|log.Lshortfile),
	})
}

func backfillCmd(ctx context.Context, db storage.Database, cfg *config.Config, from, to uint64, hours int, logger *log.Logger) error {
	if cfg.RPC.URL == "" {
		return fmt.Errorf("--rpc-url is required")
	}

	rpc := evm.NewHTTPClient(cfg.RPC.URL, evm.WithRateLimit(cfg.RPC.RequestsPerSecond, cfg.RPC.Burst))
	orchestrator := backfill.New(rpc, newProcessor(db), db.Repos().Runs, backfill.Options{
		Network:         cfg.Network,
		ChunkSize:       cfg.Backfill.ChunkSize,
		InterChunkDelay: cfg.Backfill.InterChunkDelay,
		ChunkTimeout:    cfg.Backfill.ChunkTimeout,
		AvgBlockTime:    cfg.Backfill.AvgBlockTime,
		Addresses:       cfg.Backfill.Addresses,
		PendingLimit:    cfg.Backfill.PendingLimit,
		Logger:          logger,
	})

	var run *domain.ProcessingRun
	var err error
	if to > 0 {
		run, err = orchestrator.Run(ctx, backfill.Request{From: from, To: to, Trigger: domain.TriggerCLI})
	} else {
		if hours <= 0 {
			hours = cfg.Backfill.LookbackHours
		}
		run, err = orchestrator.RunLookback(ctx, hours, domain.TriggerCLI)
	}
	if run != nil {
		printJSON(map[string]any{
			"runId":          run.ID.String(),
			"status":         run.Status,
			"fromBlock":      run.FromBlock,
			"toBlock":        run.ToBlock,
			"chunksTotal":    run.ChunksTotal,
			"chunksFailed":   run.ChunksFailed,
			"eventsFound":    run.EventsFound,
			"eventsNew":      run.EventsNew,
			"processed":      run.EventsProcessed,
			"failed":         run.EventsFailed,
			"pendingRetried": run.PendingRetried,
			"duration":       run.Duration.String(),
		})
	}
	return err
}

func retryCmd(ctx context.Context, db storage.Database, limit int, logger *log.Logger) error {
	result, err := newProcessor(db).RetryPending(ctx, limit)
	if err != nil {
		return err
	}
	logger.Printf("Retried %d pending records", result.Total)
	printJSON(result)
	return nil
}

func reconcileCmd(ctx context.Context, db storage.Database, network, pair string, repair bool, logger *log.Logger) error {
	r := reconcile.New(db, logger)

	if pair != "" {
		var result *reconcile.PairResult
		var err error
		if repair {
			result, err = r.RepairPair(ctx, network, pair)
		} else {
			result, err = r.VerifyPair(ctx, network, pair)
		}
		if err != nil {
			return err
		}
		printJSON(result)
		if !result.Match && !repair {
			return fmt.Errorf("pair %s diverges in %d fields", pair, len(result.Divergences))
		}
		return nil
	}

	report, err := r.VerifyAll(ctx, repair)
	if err != nil {
		return err
	}
	logger.Printf("Verified %d pairs: %d matched, %d divergent, %d repaired",
		report.TotalPairs, report.MatchedPairs, report.DivergentPairs, report.Repaired)
	printJSON(report)
	if report.DivergentPairs > 0 && !repair {
		return fmt.Errorf("%d pairs diverge", report.DivergentPairs)
	}
	return nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
