package main

import (
	"InsuranceLedger/internal/config"
	"InsuranceLedger/internal/core"
	"InsuranceLedger/internal/ingestion"
	"InsuranceLedger/internal/observability"
	"InsuranceLedger/internal/persistence"
	"InsuranceLedger/internal/projection"
	"InsuranceLedger/internal/query"
	"InsuranceLedger/internal/server"
	"InsuranceLedger/internal/settlement"
	"InsuranceLedger/internal/types"
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	var configFile string
	root := &cobra.Command{
		Use:           "insuranceledger",
		Short:         "Insurance fee and flash loan ledger for AMM pools",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVar(&configFile, "config", "", "config file (default ./insuranceledger.{yaml,json,toml})")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "insuranceledger: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewLoggerTo(os.Stdout, "insuranceledger", observability.ParseLogLevel(cfg.LogLevel))
	logger.Info().
		Str("settlement", string(cfg.SettlementMode)).
		Str("fee_strategy", cfg.Fee.Strategy).
		Bool("standalone", cfg.Standalone()).
		Msg("InsuranceLedger starting")

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Storage ---
	var (
		db        *sql.DB
		snapStore persistence.SnapshotStore
		eventLog  persistence.EventSource
	)
	if cfg.Standalone() {
		bolt, err := persistence.OpenBoltSnapshotStore(cfg.SnapshotPath, cfg.SnapshotRetain)
		if err != nil {
			return err
		}
		defer bolt.Close()
		snapStore = bolt
		logger.Warn().Str("path", cfg.SnapshotPath).Msg("no db_url: running standalone with local snapshots only")
	} else {
		var err error
		db, err = openDB(ctx, cfg.DBURL)
		if err != nil {
			return err
		}
		defer db.Close()
		healthChecker.AddCheck("postgres", db.PingContext)

		if err := persistence.NewMigrator(db, cfg.MigrationsDir, logger.With().Str("component", "migrator").Logger()).Up(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		snapMgr := persistence.NewSnapshotManager(db)
		snapStore = snapMgr
		eventLog = snapMgr
	}

	// --- Core ---
	calculator, err := cfg.Fee.Calculator()
	if err != nil {
		return err
	}
	var bank settlement.Bank
	switch cfg.SettlementMode {
	case settlement.ModeMemory:
		memoryBank := settlement.NewMemoryBank()
		if err := cfg.SeedBank(memoryBank); err != nil {
			return err
		}
		logger.Info().Int("genesis_balances", len(cfg.GenesisBalances)).Msg("memory bank seeded")
		bank = memoryBank
	default:
		bank = settlement.NewHostInstructions()
	}

	persistChan := make(chan core.CoreOutput, cfg.ChannelBuffer)
	var projectionChan chan core.CoreOutput
	if db != nil {
		projectionChan = make(chan core.CoreOutput, cfg.ChannelBuffer*2)
	}

	coreLogger := logger.With().Str("component", "core").Logger()
	deps := core.Deps{
		Calculator:  calculator,
		Bank:        bank,
		PersistChan: persistChan,
		Metrics:     metrics,
		Logger:      &coreLogger,
	}
	if projectionChan != nil {
		deps.ProjectionChan = projectionChan
	}
	if db != nil {
		deps.DBChecker = persistence.NewPostgresIdempotencyChecker(db)
	}
	deterministicCore, err := core.NewDeterministicCore(core.Config{
		Host:                 types.Address(cfg.HostAddress),
		Lender:               types.Address(cfg.LenderAddress),
		IdempotencyCacheSize: cfg.IdempotencyCacheSize,
	}, deps)
	if err != nil {
		return err
	}

	// --- Recovery ---
	recovered, err := persistence.Recover(ctx, deterministicCore, snapStore, eventLog, logger.With().Str("component", "recovery").Logger())
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	logger.Info().
		Int64("snapshot_sequence", recovered.SnapshotSequence).
		Int("replayed", recovered.Replayed).
		Int64("next_sequence", recovered.NextSequence).
		Msg("recovery complete")

	if db != nil {
		if err := projection.RebuildProjections(ctx, db, deterministicCore.CreateSnapshotState(), logger.With().Str("component", "projection").Logger()); err != nil {
			return fmt.Errorf("rebuild projections: %w", err)
		}
	}

	// Ingestion and serving stop first; the core keeps running until the
	// last accepted event is committed.
	coreCtx, cancelCore := context.WithCancel(context.Background())
	defer cancelCore()
	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()

	runner := core.NewRunner(deterministicCore, cfg.ChannelBuffer)
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		runner.Run(coreCtx)
	}()

	errChan := make(chan error, 8)

	// --- Output fan-out ---
	var persistWorkerChan chan core.CoreOutput
	var persistDone chan struct{}
	if db != nil {
		persistWorkerChan = make(chan core.CoreOutput, cfg.ChannelBuffer)
		persistDone = make(chan struct{})
		worker := persistence.NewPersistenceWorker(db, persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, logger.With().Str("component", "persistence").Logger())
		go func() {
			defer close(persistDone)
			// The worker drains until the bridge closes its input.
			worker.Run(context.Background())
		}()

		projWorker := projection.NewProjectionWorker(db, projectionChan, metrics, logger.With().Str("component", "projection").Logger())
		go func() {
			if err := projWorker.Run(serveCtx); err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("projection worker: %w", err)
			}
		}()
	}

	var (
		nc          *nats.Conn
		subscriber  *ingestion.NATSSubscriber
		publishIn   chan core.CoreOutput
		publishDone chan struct{}
	)
	ingestLogger := logger.With().Str("component", "ingestion").Logger()
	if cfg.NATSURL != "" {
		conn, jsCtx, err := ingestion.ConnectNATS(cfg.NATSURL, ingestLogger)
		if err != nil {
			return err
		}
		nc = conn
		defer nc.Close()
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		})

		if err := ingestion.EnsureStreams(ctx, jsCtx, ingestLogger); err != nil {
			return err
		}

		publishIn = make(chan core.CoreOutput, cfg.ChannelBuffer)
		publisher := ingestion.NewOutboundPublisher(jsCtx, publishIn, cfg.SettlementMode == settlement.ModeHost, metrics, ingestLogger)
		publishDone = make(chan struct{})
		go func() {
			defer close(publishDone)
			publisher.Run(context.Background())
		}()

		rawChan := make(chan ingestion.RawEvent, cfg.ChannelBuffer)
		subscriber = ingestion.NewNATSSubscriber(jsCtx, rawChan, ingestLogger)
		if err := subscriber.Subscribe(serveCtx, ingestion.DefaultSubjects()); err != nil {
			return err
		}
		dispatcher := ingestion.NewDispatcher(runner, metrics, ingestLogger)
		go dispatcher.Run(serveCtx, rawChan)
	}

	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		var local persistence.SnapshotStore
		if db == nil {
			local = snapStore
		}
		bridgeCoreOutputs(persistChan, persistWorkerChan, publishIn, local, metrics, logger.With().Str("component", "bridge").Logger())
	}()

	// --- API ---
	var projections server.Projections
	if db != nil {
		projections = query.NewQueryService(db)
	}
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Runner:        runner,
		Projections:   projections,
		Ingest:        ingestion.NewGRPCIngestService(runner, metrics, ingestLogger),
		Metrics:       metrics,
		HealthChecker: healthChecker,
		Logger:        logger.With().Str("component", "server").Logger(),
	})
	go func() { errChan <- grpcServer.StartGRPC(serveCtx) }()
	go func() { errChan <- grpcServer.StartHTTPGateway(serveCtx) }()
	go func() { errChan <- serveMetrics(serveCtx, cfg.MetricsAddr, logger) }()

	snaps := &snapshotter{
		runner:   runner,
		store:    snapStore,
		interval: cfg.SnapshotInterval,
		metrics:  metrics,
		logger:   logger.With().Str("component", "snapshot").Logger(),
		lastSeq:  recovered.SnapshotSequence,
	}
	go snaps.run(serveCtx, 10*time.Second)

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Int64("sequence", recovered.NextSequence).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("InsuranceLedger ready")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errChan:
		if err != nil {
			logger.Error().Err(err).Msg("component failed, shutting down")
		}
	}

	// --- Graceful shutdown ---
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancelServe()

	cancelCore()
	<-runnerDone
	close(persistChan)
	if projectionChan != nil {
		close(projectionChan)
	}
	<-bridgeDone
	if persistDone != nil {
		<-persistDone
	}
	if publishDone != nil {
		<-publishDone
	}

	// The runner has exited, so the core is ours.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	final := deterministicCore.CreateSnapshotState()
	if final.Sequence > snaps.lastSeq {
		if err := snaps.save(shutdownCtx, final); err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		} else {
			logger.Info().Int64("sequence", final.Sequence).Msg("final snapshot saved")
		}
	}

	logger.Info().Msg("InsuranceLedger shutdown complete")
	return nil
}

func openDB(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
