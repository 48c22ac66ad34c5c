package main

import (
	"CreditLedger/internal/auth"
	"CreditLedger/internal/config"
	"CreditLedger/internal/core"
	"CreditLedger/internal/custody"
	"CreditLedger/internal/ingestion"
	"CreditLedger/internal/observability"
	"CreditLedger/internal/persistence"
	"CreditLedger/internal/projection"
	"CreditLedger/internal/query"
	"CreditLedger/internal/server"
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const finalSnapshotTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC APIs, NATS ingestion and background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewLogger("main")
	logger.Info().Str("version", version).Str("store", cfg.Store.Driver).Msg("credit ledger starting")

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	health := observability.NewHealthChecker()

	// --- Storage ---
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	health.AddCheck("store", st.Ping)

	auditDB, err := openAuditDB(ctx, cfg, logger)
	if err != nil {
		return err
	}
	var snapshots *persistence.SnapshotManager
	if auditDB != nil {
		defer auditDB.Close()
		snapshots = persistence.NewSnapshotManager(auditDB.DB, metrics)
		health.AddCheck("audit_log", auditDB.PingContext)
	} else {
		logger.Warn().Msg("running without an audit log; envelopes are not persisted")
	}

	var archive *persistence.SnapshotArchive
	if cfg.MinIO.Endpoint != "" {
		if archive, err = persistence.NewSnapshotArchive(ctx, cfg.ArchiveSettings(), observability.NewLogger("archive")); err != nil {
			return err
		}
		health.AddCheck("archive", archive.Ping)
	}

	// --- Custody ---
	vaultCustody := custody.NewMemoryCustody()
	if err := seedCustody(ctx, st, vaultCustody); err != nil {
		return err
	}
	breaker := custody.NewBreaker(vaultCustody, cfg.BreakerSettings(), metrics, observability.NewLogger("custody"))
	health.AddCheck("custody", breaker.Healthy)

	// --- Channels ---
	// persist blocks when full; projection and publish drop.
	var (
		persistCh    chan core.CoreOutput
		projectionCh = make(chan core.CoreOutput, cfg.Ledger.ChannelBuffer)
		publishCh    chan core.CoreOutput
	)
	if auditDB != nil {
		persistCh = make(chan core.CoreOutput, cfg.Ledger.ChannelBuffer)
	}
	if cfg.NATS.URL != "" {
		publishCh = make(chan core.CoreOutput, cfg.Ledger.ChannelBuffer)
	}

	// --- Core ---
	ledger := newLedger(st, breaker, core.Outputs{
		Persist:    persistCh,
		Projection: projectionCh,
		Publish:    publishCh,
	}, cfg, metrics)
	if err := restoreLedger(ctx, ledger, snapshots, logger); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}

	var projections projection.Store = projection.NewMemoryStore()
	if auditDB != nil {
		projections = projection.NewPostgresStore(auditDB)
	} else {
		logger.Warn().Msg("no audit database: activity and positions are kept in memory and start empty after a restart")
	}
	queries := query.NewQueryService(ledger, projections, auditDB)

	// --- Workers ---
	// Workers outlive the transports: they stop when their channels close.
	var workers sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	runWorker := func(name string, run func(context.Context) error) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("worker", name).Msg("worker stopped")
			}
		}()
	}

	if persistCh != nil {
		pw := persistence.NewPersistenceWorker(auditDB.DB, persistCh, cfg.Persistence.BatchSize,
			cfg.Persistence.FlushTimeout, metrics, observability.NewLogger("persistence"))
		runWorker("persistence", pw.Run)
	}
	runWorker("projection", projection.NewProjectionWorker(projections, projectionCh, metrics,
		observability.NewLogger("projection")).Run)

	// --- NATS ---
	var subscriber *ingestion.NATSSubscriber
	if cfg.NATS.URL != "" {
		natsLogger := observability.NewLogger("nats")
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, natsLogger)
		if err != nil {
			return err
		}
		defer nc.Close()
		health.AddCheck("nats", func(context.Context) error {
			if nc.Status() != nats.CONNECTED {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		})

		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return err
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			return err
		}
		runWorker("publisher", ingestion.NewOutboundPublisher(js, publishCh, metrics, natsLogger).Run)

		subscriber = ingestion.NewNATSSubscriber(js, ledger, metrics, natsLogger)
		if err := subscriber.Subscribe(ctx); err != nil {
			return err
		}
	}

	// --- Auth ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	codes := auth.NewCodeStore(rdb, cfg.Auth.CodeTTL)
	health.AddCheck("redis", codes.Ping)

	tokens, err := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	authService := auth.NewService(codes, auth.NewLogMailer(observability.NewLogger("mailer")), tokens,
		observability.NewLogger("auth"))

	// --- Transports ---
	httpLogger := observability.NewLogger("http")
	httpServer := server.NewHTTPServer(cfg.HTTP.Addr, server.NewRouter(server.HTTPDeps{
		Ledger:   ledger,
		Queries:  queries,
		Auth:     authService,
		Health:   health,
		Metrics:  metrics,
		Gatherer: prometheus.DefaultGatherer,
		Logger:   httpLogger,
	}), httpLogger)
	grpcServer := server.NewGRPCServer(cfg.GRPC.Addr, server.GRPCDeps{
		Ledger:  ledger,
		Queries: queries,
		Metrics: metrics,
		Logger:  observability.NewLogger("grpc"),
	})

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()
	var transports sync.WaitGroup
	errCh := make(chan error, 2)
	for name, run := range map[string]func(context.Context) error{
		"http": httpServer.Serve,
		"grpc": grpcServer.Serve,
	} {
		name, run := name, run
		transports.Add(1)
		go func() {
			defer transports.Done()
			if err := run(serveCtx); err != nil {
				errCh <- fmt.Errorf("%s server: %w", name, err)
			}
		}()
	}

	// --- Periodic snapshots ---
	if snapshots != nil && cfg.Persistence.SnapshotInterval > 0 {
		transports.Add(1)
		go func() {
			defer transports.Done()
			ticker := time.NewTicker(cfg.Persistence.SnapshotInterval)
			defer ticker.Stop()
			for {
				select {
				case <-serveCtx.Done():
					return
				case <-ticker.C:
					if err := takeSnapshot(serveCtx, ledger, snapshots, archive, logger); err != nil {
						logger.Error().Err(err).Msg("periodic snapshot failed")
					}
				}
			}
		}()
	}

	health.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Int64("sequence", ledger.Sequence()).
		Str("http", cfg.HTTP.Addr).
		Str("grpc", cfg.GRPC.Addr).
		Msg("credit ledger ready")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown requested")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("transport failed, shutting down")
	}

	// --- Shutdown ---
	// Stop accepting commands, drain the channels, then snapshot.
	health.SetReady(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancelServe()
	transports.Wait()
	// Commands still running after the transport timeouts finish here; any
	// later one is rejected, so the channels can be closed.
	ledger.Close()

	if persistCh != nil {
		close(persistCh)
	}
	close(projectionCh)
	if publishCh != nil {
		close(publishCh)
	}
	workers.Wait()

	if snapshots != nil {
		snapCtx, cancel := context.WithTimeout(context.Background(), finalSnapshotTimeout)
		defer cancel()
		if err := takeSnapshot(snapCtx, ledger, snapshots, archive, logger); err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		}
	}

	logger.Info().Msg("credit ledger stopped")
	return runErr
}
