// Package main runs the ingestion service:
// - Webhook ingress (push): signed provider deliveries on /webhooks/{endpoint}
// - Backfill (pull, scheduled): chunked eth_getLogs over a lookback window
// - Live subscription (optional): eth_subscribe logs over WebSocket
// - Admin: manual backfill, reprocess, run ledger, /metrics
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"chain-event-ingest/internal/backfill"
	"chain-event-ingest/internal/config"
	"chain-event-ingest/internal/evm"
	"chain-event-ingest/internal/ingestion"
	"chain-event-ingest/internal/pipeline"
	"chain-event-ingest/internal/storage"
	chstore "chain-event-ingest/internal/storage/clickhouse"
	"chain-event-ingest/internal/storage/memory"
	"chain-event-ingest/internal/storage/migrations"
	pgstore "chain-event-ingest/internal/storage/postgres"
	"chain-event-ingest/internal/webhook"
)

func main() {
	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lshortfile)

	fs := flag.NewFlagSet("server", flag.ExitOnError)
	cfg, err := config.Load(fs, os.Args[1:])
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid config: %v", err)
	}
	if !cfg.EnforceSignature() {
		logger.Println("WARN: signature mode is advisory, mismatched deliveries are accepted")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, sink, cleanup, err := openStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to open storage: %v", err)
	}
	defer cleanup()

	opts := pipeline.Options{
		Logger: log.New(os.Stdout, "[pipeline] ", log.LstdFlags|log.Lshortfile),
	}
	if sink != nil {
		opts.Sink = sink
	}
	processor := pipeline.NewProcessor(db, opts)

	var scheduler *backfill.Scheduler
	if cfg.Backfill.Enabled {
		rpc := evm.NewHTTPClient(cfg.RPC.URL, evm.WithRateLimit(cfg.RPC.RequestsPerSecond, cfg.RPC.Burst))
		orchestrator := backfill.New(rpc, processor, db.Repos().Runs, backfill.Options{
			Network:         cfg.Network,
			ChunkSize:       cfg.Backfill.ChunkSize,
			InterChunkDelay: cfg.Backfill.InterChunkDelay,
			ChunkTimeout:    cfg.Backfill.ChunkTimeout,
			AvgBlockTime:    cfg.Backfill.AvgBlockTime,
			Addresses:       cfg.Backfill.Addresses,
			PendingLimit:    cfg.Backfill.PendingLimit,
			Logger:          log.New(os.Stdout, "[backfill] ", log.LstdFlags|log.Lshortfile),
		})
		scheduler = backfill.NewScheduler(orchestrator, cfg.Backfill.Interval, cfg.Backfill.LookbackHours,
			log.New(os.Stdout, "[scheduler] ", log.LstdFlags|log.Lshortfile))
	}

	serverOpts := webhook.Options{
		Processor: processor,
		Verifier:  webhook.NewVerifier(cfg.Webhook.Secrets, cfg.EnforceSignature()),
		Limiter:   webhook.NewSlidingWindowLimiter(cfg.Webhook.RateLimitWindow, cfg.Webhook.RateLimitCeiling),
		Runs:      db.Repos().Runs,
		Logger:    log.New(os.Stdout, "[webhook] ", log.LstdFlags|log.Lshortfile),
	}
	if scheduler != nil {
		serverOpts.Backfill = scheduler
	}
	api := webhook.NewServer(webhook.Config{
		Network:              cfg.Network,
		SignatureHeader:      cfg.Webhook.SignatureHeader,
		AdminSecret:          cfg.Backfill.Secret,
		MaxBodyBytes:         cfg.Webhook.MaxBodyBytes,
		DefaultLookbackHours: cfg.Backfill.LookbackHours,
	}, serverOpts)

	logger.Printf("Network %s, webhook endpoints with secrets: %v", cfg.Network, cfg.Endpoints())

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()

		sig = <-sigCh
		logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
		os.Exit(1)
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serveHTTP(gctx, cfg.HTTPAddr, api.Handler(), logger)
	})

	if scheduler != nil && cfg.Backfill.Interval > 0 {
		g.Go(func() error {
			return ignoreCanceled(scheduler.Run(gctx))
		})
	}

	if cfg.RPC.WSURL != "" {
		g.Go(func() error {
			return ignoreCanceled(runSubscription(gctx, cfg, processor))
		})
	}

	if err := g.Wait(); err != nil {
		logger.Fatalf("Server error: %v", err)
	}
	logger.Println("Shutdown complete")
}

// openStorage opens memory or PostgreSQL storage and the optional ClickHouse sink.
func openStorage(ctx context.Context, cfg *config.Config, logger *log.Logger) (storage.Database, *chstore.TradeSink, func(), error) {
	if cfg.UseMemory {
		logger.Println("Using in-memory storage")
		return memory.NewDB(), nil, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if cfg.Migrate {
		n, err := migrations.RunPostgresMigrations(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("postgres migrations: %w", err)
		}
		logger.Printf("PostgreSQL schema up to date, %d migrations applied", n)
	}

	if cfg.ClickHouseDSN == "" {
		return pgstore.NewDB(pool), nil, pool.Close, nil
	}

	var conn *chstore.Conn
	if cfg.Migrate {
		conn, err = migrations.RunClickhouseMigrations(ctx, cfg.ClickHouseDSN, logger)
	} else {
		conn, err = chstore.NewConn(ctx, cfg.ClickHouseDSN)
	}
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("connect to clickhouse: %w", err)
	}

	cleanup := func() {
		conn.Close()
		pool.Close()
	}
	return pgstore.NewDB(pool), chstore.NewTradeSink(conn), cleanup, nil
}

// serveHTTP runs the HTTP server until ctx is done, then drains it.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *log.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("HTTP server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// runSubscription feeds live WebSocket logs into the pipeline.
func runSubscription(ctx context.Context, cfg *config.Config, processor *pipeline.Processor) error {
	wsLogger := log.New(os.Stdout, "[ingestion] ", log.LstdFlags|log.Lshortfile)

	wsCfg := evm.DefaultWSConfig()
	wsCfg.Logger = wsLogger
	ws, err := evm.NewWSClient(ctx, cfg.RPC.WSURL, &wsCfg)
	if err != nil {
		return fmt.Errorf("create websocket client: %w", err)
	}
	defer ws.Close()

	runner := ingestion.NewRunner(ingestion.RunnerOptions{
		WS:        ws,
		Processor: processor,
		Network:   cfg.Network,
		Addresses: cfg.Backfill.Addresses,
		Topic0:    processor.Registry().Topics(),
		Logger:    wsLogger,
	})
	return runner.Run(ctx)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
