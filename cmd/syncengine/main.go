// Package main runs the receptor-side synchronization engine: the adaptive
// resource manager, the scheduled sync orchestrator, the job reaper, the
// outbox drain worker, and the operational HTTP surface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ofreceptor/sync-engine/domain/account"
	"github.com/ofreceptor/sync-engine/domain/job"
	"github.com/ofreceptor/sync-engine/engine/cachecoord"
	"github.com/ofreceptor/sync-engine/engine/gateway"
	"github.com/ofreceptor/sync-engine/engine/opsstream"
	"github.com/ofreceptor/sync-engine/engine/orchestrator"
	"github.com/ofreceptor/sync-engine/engine/perfmon"
	"github.com/ofreceptor/sync-engine/engine/publisher"
	"github.com/ofreceptor/sync-engine/engine/resourcemgr"
	"github.com/ofreceptor/sync-engine/infrastructure/cache"
	"github.com/ofreceptor/sync-engine/infrastructure/config"
	"github.com/ofreceptor/sync-engine/infrastructure/gwlog"
	"github.com/ofreceptor/sync-engine/infrastructure/httputil"
	"github.com/ofreceptor/sync-engine/infrastructure/logging"
	"github.com/ofreceptor/sync-engine/infrastructure/metrics"
	"github.com/ofreceptor/sync-engine/infrastructure/middleware"
	"github.com/ofreceptor/sync-engine/infrastructure/obslog"
	"github.com/ofreceptor/sync-engine/infrastructure/pgbus"
	"github.com/ofreceptor/sync-engine/infrastructure/ratelimit"
	"github.com/ofreceptor/sync-engine/infrastructure/resilience"
	"github.com/ofreceptor/sync-engine/infrastructure/service"
	"github.com/ofreceptor/sync-engine/infrastructure/serviceauth"
	"github.com/ofreceptor/sync-engine/infrastructure/state"
	"github.com/ofreceptor/sync-engine/pkg/version"
)

const serviceID = "sync-engine"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(serviceID, cfg.LogLevel, cfg.LogFormat)
	logger.WithFields(map[string]interface{}{"version": version.FullVersion()}).Info("starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	monitor := perfmon.New(time.Minute, registry)
	monitor.SetLogger(obslog.New("perfmon", cfg.LogLevel))

	manager := resourcemgr.New(managerConfig(cfg, monitor))

	gw, err := buildGateway(cfg)
	if err != nil {
		logger.WithError(err).Fatalln("gateway wiring failed")
	}

	repo, txRepo, queue, broker, err := buildStores(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatalln("storage wiring failed")
	}

	outbox := publisher.NewInMemoryOutbox()
	pub := publisher.New(broker, outbox, manager, logger)

	coordinator := cachecoord.New()
	readCache := cache.NewCache(cache.DefaultConfig())
	coordinator.Subscribe(cachecoord.CacheAdapter{Cache: readCache})

	lockStore, err := state.NewPersistentState(state.DefaultConfig())
	if err != nil {
		logger.WithError(err).Fatalln("lock store wiring failed")
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Name:               serviceID,
		ScanLimit:          cfg.Sync.ScanLimit,
		PageSize:           cfg.Sync.PageSize,
		PerItemTimeout:     cfg.Sync.PerItemTimeout(),
		SelectionPredicate: cfg.Sync.Predicate,
		StaleLockAfter:     cfg.Sync.StaleLockAfter,
		Source:             serviceID,
	}, repo, gw, manager, monitor, pub, coordinator, lockStore, logger)
	if err != nil {
		logger.WithError(err).Fatalln("orchestrator wiring failed")
	}
	orch.WithTransactionStore(txRepo, 0)

	scheduler := orchestrator.NewScheduler(logger)
	if _, err := scheduler.Add(cfg.Sync.Cron, orch, func() context.Context { return ctx }); err != nil {
		logger.WithError(err).Fatalln("invalid sync cron expression")
	}

	base := service.NewBase(&service.BaseConfig{
		ID:      serviceID,
		Name:    "Open Finance Receptor Sync Engine",
		Version: version.Version,
		Logger:  logger,
	})
	base.WithStats(func() map[string]any {
		return service.NewStatsCollector().
			Add("batchSize", manager.BatchSize()).
			Add("utilization", manager.ResourceUtilization()).
			Add("outbox", outboxSize(outbox)).
			Build()
	})
	base.AddWorker(manager.Run)
	base.AddTickerWorker(time.Minute, func(tctx context.Context) error {
		returned, deadLettered, err := queue.ReapAbandoned(tctx)
		if err != nil {
			return err
		}
		if returned > 0 || deadLettered > 0 {
			logger.WithFields(map[string]interface{}{
				"returned":     returned,
				"deadLettered": deadLettered,
			}).Info("abandoned jobs reaped")
		}
		return nil
	}, service.WithTickerWorkerName("job-reaper"))
	base.AddTickerWorker(cfg.Broker.OutboxDrainEvery, func(tctx context.Context) error {
		_, _, err := pub.DrainOutbox(tctx, cfg.Broker.OutboxDrainLimit)
		return err
	}, service.WithTickerWorkerName("outbox-drain"))
	base.AddTickerWorker(time.Minute, func(context.Context) error {
		monitor.Rollover()
		return nil
	}, service.WithTickerWorkerName("perfmon-rollover"))

	httpMetrics := metrics.NewWithRegistry(serviceID, registry)

	base.RegisterStandardRoutes()
	router := base.Router()
	router.Use(middleware.NewRecoveryMiddleware(logger).Handler)
	router.Use(middleware.NewTracingMiddleware(logger).Handler)
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.MetricsMiddleware(serviceID, httpMetrics))
	router.Use(middleware.NewSecurityHeadersMiddleware(nil).Handler)
	router.Use(middleware.NewCORSMiddleware(nil).Handler)
	router.Use(middleware.NewBodyLimitMiddleware(1 << 20).Handler)
	rlCfg := middleware.DefaultRateLimiterConfig(logger)
	opsLimiter := middleware.NewRateLimiterFromConfig(rlCfg)
	stopRLCleanup := middleware.StartCleanupFromConfig(opsLimiter, rlCfg)
	router.Use(opsLimiter.Handler)
	if secret := os.Getenv("OPS_SHARED_SECRET"); secret != "" {
		router.Use(middleware.HeaderGateMiddleware(secret))
	}
	if pemKey := os.Getenv("SERVICE_AUTH_PUBLIC_KEY"); pemKey != "" {
		pub, err := serviceauth.ParseRSAPublicKeyFromPEM([]byte(pemKey))
		if err != nil {
			logger.WithError(err).Fatalln("invalid SERVICE_AUTH_PUBLIC_KEY")
		}
		router.Use(middleware.NewServiceAuthMiddleware(middleware.ServiceAuthConfig{
			PublicKey: pub,
			Logger:    logger,
			SkipPaths: []string{"/health", "/ready", "/healthz", "/readyz", "/metrics"},
		}).Handler)
	}
	// The snapshot stream is a long-lived websocket; every other ops route
	// runs under a request timeout.
	timed := router.With(middleware.NewTimeoutMiddleware(30 * time.Second).Handler)
	timed.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.Handle("/ops/stream", opsstream.New(manager, monitor, 5*time.Second, logger))

	probes := service.NewProbeManager(30 * time.Second)
	timed.Method(http.MethodGet, "/healthz", probes.LivenessHandler())
	timed.Method(http.MethodGet, "/readyz", probes.ReadinessHandler())

	if err := base.Start(ctx); err != nil {
		logger.WithError(err).Fatalln("service start failed")
	}
	scheduler.Start()
	probes.SetReady(true)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.OpsPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	shutdown := middleware.NewGracefulShutdown(srv, 15*time.Second)
	shutdown.OnShutdown(func() {
		probes.SetReady(false)
		stopRLCleanup()
		cancel()
		<-scheduler.Stop().Done()
		base.Stop()
	})
	shutdown.ListenForSignals()

	logger.WithFields(map[string]interface{}{"addr": srv.Addr}).Info("ops server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Fatalln("ops server failed")
	}
	shutdown.Wait()
}

// managerConfig maps the env config onto the resource manager, seeding the
// sync class's ceiling from sync.parallelism.
func managerConfig(cfg *config.Engine, monitor *perfmon.Monitor) resourcemgr.Config {
	limits := resourcemgr.DefaultLimits()
	if cfg.Sync.Parallelism > 0 {
		limits[resourcemgr.ClassSync] = resourcemgr.Limits{Min: 10, Max: int64(cfg.Sync.Parallelism) * 5}
	}
	return resourcemgr.Config{
		Limits:             limits,
		InitialBatchSize:   int64(cfg.Sync.BatchSize),
		MinBatch:           int64(cfg.Resource.MinBatch),
		MaxBatch:           int64(cfg.Resource.MaxBatch),
		CPUHigh:            cfg.Resource.CPUThreshold,
		MemHigh:            cfg.Resource.MemoryThreshold,
		AdaptationInterval: cfg.Resource.Interval,
		Monitor:            monitor,
		Logger:             obslog.New("resource-manager", cfg.LogLevel),
	}
}

// buildGateway assembles the resilience stack from config. The participant
// table and bearer token come from the environment in sandbox deployments;
// production swaps both seams for the directory client and the OAuth2
// exchange.
func buildGateway(cfg *config.Engine) (*gateway.Gateway, error) {
	resolver, err := gateway.NewStaticResolver(gateway.ParseResolverSpec(os.Getenv("PARTICIPANTS")))
	if err != nil {
		return nil, err
	}
	tokenProv := gateway.NewCachingTokenProvider(gateway.StaticTokenFetcher{Token: os.Getenv("TRANSMITTER_TOKEN")})

	gwCfg := gateway.Config{
		RateLimit: ratelimit.RateLimitConfig{
			RequestsPerSecond: float64(cfg.RateLimiter.LimitForPeriod) / cfg.RateLimiter.RefreshPeriod.Seconds(),
			Burst:             cfg.RateLimiter.LimitForPeriod,
		},
		RateLimitTimeout: cfg.RateLimiter.Timeout,
		BulkheadMax:      100,
		BulkheadTimeout:  10 * time.Second,
		Circuit: resilience.Config{
			FailureRate:      cfg.Circuit.FailureRate,
			SlowCallRate:     cfg.Circuit.SlowCallRate,
			SlowCallDuration: cfg.Circuit.SlowCallDuration,
			SlidingWindow:    cfg.Circuit.SlidingWindow,
			MinimumCalls:     cfg.Circuit.MinimumCalls,
			Timeout:          cfg.Circuit.OpenDuration,
			HalfOpenMax:      cfg.Circuit.HalfOpenProbes,
		},
		Retry: resilience.RetryConfig{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.BaseWait,
			Multiplier:   cfg.Retry.Multiplier,
		},
		RequestTimeout: cfg.Sync.PerItemTimeout(),
	}
	client, err := httputil.NewClient(httputil.ClientConfig{
		ServiceID: serviceID,
		Timeout:   cfg.Sync.PerItemTimeout(),
	}, httputil.DefaultClientDefaults())
	if err != nil {
		return nil, err
	}

	gw := gateway.New(gwCfg, resolver, tokenProv, client)
	gw.SetCallLogger(gwlog.New(nil, serviceID))
	return gw, nil
}

// buildStores selects the Postgres adapters when a DSN is configured and
// falls back to the in-memory implementations for local development.
func buildStores(cfg *config.Engine, logger *logging.Logger) (orchestrator.AccountRepository, account.TransactionRepository, job.Queue, publisher.Broker, error) {
	if cfg.Storage.PostgresDSN == "" {
		logger.Warn(context.Background(), "POSTGRES_DSN not set; using in-memory stores", nil)
		return account.NewInMemoryRepository(), account.NewInMemoryTransactionStore(), job.NewInMemoryQueue(), logOnlyBroker{logger}, nil
	}

	db, err := sqlx.Connect("postgres", cfg.Storage.PostgresDSN)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if err := account.Migrate(db.DB); err != nil {
		return nil, nil, nil, nil, err
	}
	if err := job.Migrate(db.DB); err != nil {
		return nil, nil, nil, nil, err
	}
	bus, err := pgbus.NewWithDB(db.DB, cfg.Storage.PostgresDSN)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return account.NewPostgresRepository(db), account.NewPostgresTransactionStore(db), job.NewPostgresQueue(db), bus, nil
}

// logOnlyBroker stands in when no transport is configured: events are
// visible in the log stream but not delivered anywhere.
type logOnlyBroker struct {
	logger *logging.Logger
}

func (b logOnlyBroker) Publish(_ context.Context, topic, key string, value []byte) error {
	b.logger.WithFields(map[string]interface{}{
		"topic":   topic,
		"key":     key,
		"payload": json.RawMessage(value),
	}).Info("event published (log-only broker)")
	return nil
}

func outboxSize(o *publisher.InMemoryOutbox) int {
	if o == nil {
		return 0
	}
	return o.Size()
}
