package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/atelierhq/pulse/internal/aggregate"
	v1 "github.com/atelierhq/pulse/internal/api/v1"
	corecfg "github.com/atelierhq/pulse/internal/core/config"
	"github.com/atelierhq/pulse/internal/core/storage/postgres"
	"github.com/atelierhq/pulse/internal/dedup"
	"github.com/atelierhq/pulse/internal/enrich"
	"github.com/atelierhq/pulse/internal/faststore"
	"github.com/atelierhq/pulse/internal/ingest"
	"github.com/atelierhq/pulse/internal/metricscache"
	"github.com/atelierhq/pulse/internal/migrations"
	"github.com/atelierhq/pulse/internal/query"
	"github.com/atelierhq/pulse/internal/realtime"
	"github.com/atelierhq/pulse/internal/server"
)

func main() {
	configPath := flag.String("config", "pulse.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := corecfg.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config", "config", cfg)

	// 2. Initialize Durable Storage (PostgreSQL)
	events, err := postgres.NewAdapter(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
	)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer events.Close()

	// 2.1. Run Database Migrations
	if err := migrations.RunMigrations(events.DB(), cfg.Database.AutoMigrate); err != nil {
		slog.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	metricStore := postgres.NewMetricsAdapter(events.DB())
	ops := postgres.NewOpsAdapter(events.DB())

	// 3. Initialize Fast Store (Redis, or in-memory for dev)
	var fast faststore.Store
	if cfg.FastStore.Type == "redis" {
		fast, err = faststore.NewRedisStore(
			cfg.FastStore.Addr,
			cfg.FastStore.Password,
			cfg.FastStore.DB,
			cfg.FastStore.OpTimeout,
		)
		if err != nil {
			slog.Error("Failed to connect to fast store", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("Using the in-memory fast store; dedup and caching are per-process")
		fast = faststore.NewMemoryStore()
	}
	defer fast.Close()

	// 4. Deduplication: fingerprint fast path + durable sweep
	dedupEngine := dedup.NewEngine(fast, cfg.Dedup.FingerprintTTL, cfg.Dedup.WarnRate, cfg.Dedup.CriticalRate)
	sweeper := dedup.NewSweeper(events, cfg.Dedup.SweepInterval, cfg.Dedup.SweepWindow)

	// 5. Enrichment worker pool
	enrichPool := enrich.NewPool(events, enrich.NewClassifier(nil), enrich.PoolConfig{
		Workers:      cfg.Enrich.Workers,
		QueueSize:    cfg.Enrich.QueueSize,
		MaxRetries:   cfg.Enrich.MaxRetries,
		RetryBackoff: cfg.Enrich.RetryBackoff,
	})

	// 6. Realtime metrics engine. The ingest counter gets a durable truth
	// source so the reconciler recomputes it instead of trusting checkpoints.
	rt := realtime.NewEngine(fast, ops, cfg.Realtime.RateWindow, cfg.Realtime.HistogramMaxSamples)
	rt.RegisterSource("events_ingested", func(ctx context.Context) (string, error) {
		count, err := events.CountLiveEvents(ctx)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(count, 10), nil
	})

	// 7. Ingestion buffer. Each durable flush feeds enrichment and the
	// realtime ingest counters.
	buffer := ingest.NewBuffer(events, ops, ingest.BufferConfig{
		BatchSize:    cfg.Ingest.BatchSize,
		BatchTimeout: cfg.Ingest.BatchTimeout,
		MaxRetries:   cfg.Ingest.MaxRetries,
		RetryBackoff: cfg.Ingest.RetryBackoff,
	}, func(inserted []*v1.RawEvent) {
		enrichPool.EnqueueBatch(inserted)
		if _, err := rt.IncrCounter(context.Background(), "events_ingested", int64(len(inserted))); err != nil {
			slog.Warn("Failed to bump ingest counter", "error", err)
		}
	})

	ingestSvc := ingest.NewService(buffer, dedupEngine, cfg.Server.MaxBodySizeMB,
		cfg.Ingest.MaxFutureSkew, cfg.Ingest.RetentionFloor)

	// 8. Metrics cache and aggregation engine
	cache := metricscache.New(fast, metricStore, metricscache.TTLs{
		Short:  cfg.Cache.ShortTTL,
		Medium: cfg.Cache.MediumTTL,
		Long:   cfg.Cache.LongTTL,
	})

	aggEngine := aggregate.NewEngine(events, metricStore, ops, fast, cache,
		cfg.Aggregation.BatchSize, cfg.Aggregation.LockTTL)

	querySvc := query.NewService(cache, cache, rt, aggEngine, buffer, ops)

	// 9. HTTP server
	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), events.DB(), fast, dedupEngine, cfg.Server.Mode)
	ingestSvc.RegisterRoutes(srv.Engine)
	querySvc.RegisterRoutes(srv.Engine)

	// 10. Start background loops
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Restore(ctx); err != nil {
		slog.Warn("Realtime restore failed, starting from live values", "error", err)
	}

	var wg sync.WaitGroup
	background := func(name string, run func(ctx context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
			slog.Info("Background loop exited", "loop", name)
		}()
	}

	background("ingest-buffer", buffer.Run)
	background("enrich-pool", enrichPool.Run)
	background("dedup-sweeper", sweeper.Run)
	background("realtime-checkpoint", func(ctx context.Context) {
		rt.RunCheckpointLoop(ctx, cfg.Realtime.CheckpointInterval)
	})
	background("realtime-reconcile", func(ctx context.Context) {
		rt.RunReconcileLoop(ctx, cfg.Realtime.ReconcileInterval)
	})

	if cfg.Aggregation.Enabled {
		scheduler := aggregate.NewScheduler(aggEngine,
			cfg.Aggregation.DailyInterval,
			cfg.Aggregation.WeeklyInterval,
			cfg.Aggregation.MonthlyInterval)
		background("aggregate-scheduler", scheduler.Start)
	} else {
		slog.Info("Aggregation scheduler disabled by config; admin backfill remains available")
	}

	// Signal handler triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// HTTP server blocks until ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
	}

	// Wait for the buffer drain, final checkpoint flush and the rest of the
	// background loops before closing the stores.
	wg.Wait()
	slog.Info("Shutdown complete")
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
