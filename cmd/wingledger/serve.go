package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"WingLedger/internal/config"
	"WingLedger/internal/core"
	"WingLedger/internal/flightfeed"
	"WingLedger/internal/ingestion"
	"WingLedger/internal/observability"
	"WingLedger/internal/oracle"
	"WingLedger/internal/persistence"
	"WingLedger/internal/projection"
	"WingLedger/internal/query"
	"WingLedger/internal/server"
	"WingLedger/internal/state"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger, its workers and the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromContext(cmd.Context())
			if cfg == nil {
				return errors.New("no config found in context")
			}
			logger := commonRun(cfg)
			if err := serve(cmd.Context(), cfg, logger); err != nil {
				logger.Error().Err(err).Msg("wingledger stopped with error")
				return err
			}
			return nil
		},
	}
}

// group tracks the long-running goroutines of one shutdown phase.
type group struct {
	wg     sync.WaitGroup
	errs   chan error
	logger zerolog.Logger
}

func newGroup(logger zerolog.Logger) *group {
	return &group{errs: make(chan error, 32), logger: logger}
}

func (g *group) Go(name string, fn func() error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		err := fn()
		if err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Error().Err(err).Str("task", name).Msg("task failed")
			g.errs <- fmt.Errorf("%s: %w", name, err)
		}
	}()
}

// Wait blocks until every task is done or timeout elapses.
func (g *group) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func serve(parent context.Context, cfg *config.Config, logger zerolog.Logger) error {
	level := logger.GetLevel()
	sub := func(component string) zerolog.Logger {
		return observability.NewLoggerWithLevel(component, level)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	healthChecker.AddCheck("postgres", db.PingContext)
	logger.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir)
	migrator.SetLogger(sub("migrator"))
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- NATS (optional) ---
	var (
		nc *nats.Conn
		js jetstream.JetStream
	)
	alerts := core.MultiAlertSink{observability.NewLogAlertSink(sub("alerts"))}
	if cfg.NATSURL != "" {
		nc, js, err = ingestion.ConnectNATS(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			return fmt.Errorf("ensure outbound stream: %w", err)
		}
		healthChecker.AddCheck("nats", func(context.Context) error {
			if s := nc.Status(); s != nats.CONNECTED {
				return fmt.Errorf("nats status %s", s)
			}
			return nil
		})
		alerts = append(alerts, ingestion.NewAlertPublisher(js, metrics))
		logger.Info().Str("url", cfg.NATSURL).Msg("NATS connected")
	} else {
		logger.Warn().Msg("NATS disabled: no inbound subjects, no outbound events")
	}

	// --- Engine ---
	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	engine, err := core.NewEngine(core.Config{
		WithdrawalFeeBps:    cfg.WithdrawalFeeBps,
		PolicyTerm:          cfg.PolicyTerm,
		CrowdFundWindow:     cfg.CrowdFundWindow,
		PayoutTable:         state.DefaultPayoutTable,
		IdempotencyCapacity: cfg.IdempotencyCapacity,
		AirlinePools:        cfg.AirlinePools,
	}, persistCoreChan, projectionCoreChan, persistence.NewPostgresIdempotencyChecker(db), alerts, metrics)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	engine.SetLogger(sub("core"))

	// --- Recovery ---
	snapMgr := persistence.NewSnapshotManager(db)
	result, err := persistence.Recover(ctx, snapMgr, engine, metrics, sub("recovery"))
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	logger.Info().
		Int64("snapshot_sequence", result.SnapshotSequence).
		Int64("replayed", result.Replayed).
		Int64("next_sequence", result.NextSequence).
		Msg("engine recovered")

	queryService := query.NewQueryService(db)
	if err := catchUpProjections(ctx, db, queryService, snapMgr, sub("projection")); err != nil {
		return err
	}

	// --- Sinks: run until the bridge closes their channels ---
	sinks := newGroup(logger)
	persistWorkerChan := make(chan persistence.CoreOutput, cfg.PersistChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.ProjectionChanSize)
	var publishChan chan ingestion.PublishableEvent
	if js != nil {
		publishChan = make(chan ingestion.PublishableEvent, cfg.PublishChanSize)
	}

	bridge := &outputBridge{
		persistIn:     persistCoreChan,
		projectionIn:  projectionCoreChan,
		persistOut:    persistWorkerChan,
		projectionOut: projectionWorkerChan,
		metrics:       metrics,
	}
	if publishChan != nil {
		bridge.publishOut = publishChan
	}
	sinks.Go("bridge", func() error {
		bridge.run()
		return nil
	})

	// Sinks get their own context so they drain after producers stop.
	sinkCtx, cancelSinks := context.WithCancel(context.Background())
	defer cancelSinks()

	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	persistWorker.SetLogger(sub("persistence"))
	sinks.Go("persistence", func() error { return persistWorker.Run(sinkCtx) })

	recent := projection.NewRecentSettlements(cfg.RecentSettlements)
	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, recent, metrics)
	projWorker.SetLogger(sub("projection"))
	sinks.Go("projection", func() error { return projWorker.Run(sinkCtx) })

	if publishChan != nil {
		publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics)
		sinks.Go("outbound-publisher", func() error { return publisher.Run(sinkCtx) })
	}

	// --- Producers: everything that calls into the engine ---
	producers := newGroup(logger)

	oracleIngestion := oracle.NewIngestion(oracle.NewReporterSet(cfg.OracleReporters...), engine, metrics)
	oracleIngestion.SetLogger(sub("oracle"))

	var subscriber *ingestion.NATSSubscriber
	if js != nil {
		rawChan := make(chan ingestion.RawEvent, cfg.PublishChanSize)
		subscriber = ingestion.NewNATSSubscriber(js, rawChan)
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		dispatcher := ingestion.NewDispatcher(engine, oracleIngestion, metrics)
		producers.Go("dispatcher", func() error { return dispatcher.Run(ctx, rawChan) })
	}

	sweeper := core.NewSweeper(engine, cfg.SweepInterval, sub("sweeper"))
	producers.Go("sweeper", func() error { return sweeper.Run(ctx) })

	feed, err := newFlightFeed(cfg, metrics, healthChecker, sub("flightfeed"))
	if err != nil {
		return err
	}
	if feed != nil && feed.Live() {
		if cfg.IsReporter(cfg.Feed.Reporter) {
			poller := flightfeed.NewPoller(feed, oracleIngestion, cfg.Feed.Reporter, cfg.Feed.PollInterval, metrics)
			poller.SetLogger(sub("flightfeed-poller"))
			producers.Go("flightfeed-poller", func() error { return poller.Run(ctx) })
		} else {
			logger.Warn().Str("reporter", cfg.Feed.Reporter).Msg("feed reporter is not an oracle reporter, poller disabled")
		}
	}

	producers.Go("snapshots", func() error {
		persistence.RunPeriodicSnapshots(ctx, engine, snapMgr, cfg.SnapshotInterval, cfg.SnapshotCheckInterval, metrics, sub("snapshot"))
		return nil
	})

	deps := &server.ServerDeps{
		Ledger:  engine,
		Oracle:  oracleIngestion,
		History: queryService,
		Recent:  recent,
		Snapshot: func(ctx context.Context) (int64, error) {
			return persistence.TakeSnapshot(ctx, engine, snapMgr, metrics)
		},
		HealthChecker: healthChecker,
		Metrics:       metrics,
	}
	if feed != nil {
		deps.Feed = feed
	}
	api := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, deps)
	api.SetLogger(sub("server"))
	producers.Go("grpc", func() error { return api.StartGRPC(ctx) })
	producers.Go("http", func() error { return api.StartHTTPGateway(ctx) })
	producers.Go("metrics", func() error { return serveMetrics(ctx, cfg.MetricsAddr, logger) })

	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", engine.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("wingledger ready")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case runErr = <-producers.errs:
		logger.Error().Err(runErr).Msg("shutting down after task failure")
	case runErr = <-sinks.errs:
		logger.Error().Err(runErr).Msg("shutting down after sink failure")
	}

	// --- Graceful shutdown: stop producers, drain sinks, snapshot ---
	healthChecker.SetReady(false)
	stop()
	if subscriber != nil {
		subscriber.Stop()
	}
	if !producers.Wait(shutdownTimeout) {
		logger.Error().Msg("producers did not stop in time")
		return errors.Join(runErr, errors.New("producers did not stop in time"))
	}

	close(persistCoreChan)
	close(projectionCoreChan)
	if !sinks.Wait(shutdownTimeout) {
		logger.Error().Msg("sinks did not drain in time")
	}
	cancelSinks()

	snapCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if seq, err := persistence.TakeSnapshot(snapCtx, engine, snapMgr, metrics); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else if seq >= 0 {
		logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}

	logger.Info().Msg("wingledger shutdown complete")
	return runErr
}

// catchUpProjections rebuilds the read model when it is behind the event
// log, which happens after projection drops or a crash.
func catchUpProjections(ctx context.Context, db *sql.DB, qs *query.QueryService, snapMgr *persistence.SnapshotManager, logger zerolog.Logger) error {
	head, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("event log head: %w", err)
	}
	watermark, err := qs.Watermark(ctx)
	if err != nil {
		return fmt.Errorf("projection watermark: %w", err)
	}
	if watermark >= head {
		return nil
	}
	logger.Warn().Int64("watermark", watermark).Int64("head", head).Msg("projections behind event log, rebuilding")
	applied, err := projection.RebuildProjections(ctx, db, logger)
	if err != nil {
		return fmt.Errorf("rebuild projections: %w", err)
	}
	logger.Info().Int64("events", applied).Msg("projections rebuilt")
	return nil
}

// newFlightFeed returns nil when the feed is disabled.
func newFlightFeed(cfg *config.Config, metrics *observability.Metrics, health *observability.HealthChecker, logger zerolog.Logger) (*flightfeed.Feed, error) {
	if !cfg.Feed.Enabled {
		return nil, nil
	}
	routes := make([]flightfeed.Route, 0, len(cfg.Feed.Routes))
	for _, raw := range cfg.Feed.Routes {
		route, err := flightfeed.ParseRoute(raw)
		if err != nil {
			return nil, fmt.Errorf("feed route: %w", err)
		}
		routes = append(routes, route)
	}

	var cache flightfeed.Cache
	if cfg.RedisURL != "" {
		client, err := flightfeed.ConnectRedis(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		redisCache := flightfeed.NewRedisCache(client)
		health.AddCheck("redis", redisCache.Ping)
		cache = redisCache
	} else {
		cache = flightfeed.NewMemoryCache()
	}

	feed := flightfeed.NewFeed(flightfeed.Config{
		APIKey:   cfg.Feed.APIKey,
		BaseURL:  cfg.Feed.BaseURL,
		Routes:   routes,
		CacheTTL: cfg.Feed.CacheTTL,
	}, cache, metrics)
	feed.SetLogger(logger)
	if !feed.Live() {
		logger.Warn().Msg("no FlightAPI key, serving demo flights")
	}
	return feed, nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
