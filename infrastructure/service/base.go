package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ofreceptor/sync-engine/infrastructure/database"
	"github.com/ofreceptor/sync-engine/infrastructure/logging"
)

const healthCheckTimeout = 5 * time.Second

// BaseConfig contains shared configuration for a long-running background host.
type BaseConfig struct {
	ID      string
	Name    string
	Version string
	DB      database.RepositoryInterface
	Logger  *logging.Logger
}

// BaseService is a minimal long-running process host: start/stop lifecycle,
// ticker-scheduled background workers and a cached health snapshot. The
// engine runs one of these to host the resource manager loop, job reaper,
// outbox drain and perfmon rollover; sync runs are triggered by the cron
// scheduler, not by a BaseService worker.
type BaseService struct {
	id      string
	name    string
	version string
	db      database.RepositoryInterface

	stopCh   chan struct{}
	stopOnce sync.Once

	hydrate func(context.Context) error
	statsFn func() map[string]any

	workers []func(context.Context)

	healthMu        sync.RWMutex
	dbHealthy       bool
	lastHealthCheck time.Time
	startTime       time.Time

	logger *logging.Logger
	router chi.Router
}

// Router returns the service's chi router, creating one on first use.
func (b *BaseService) Router() chi.Router {
	if b.router == nil {
		b.router = chi.NewRouter()
	}
	return b.router
}

// NewBase constructs a BaseService from shared config.
func NewBase(cfg *BaseConfig) *BaseService {
	cfgValue := BaseConfig{}
	if cfg != nil {
		cfgValue = *cfg
	}

	logger := cfgValue.Logger
	if logger == nil {
		serviceName := cfgValue.ID
		if serviceName == "" {
			serviceName = "service"
		}
		logger = logging.NewFromEnv(serviceName)
	}

	return &BaseService{
		id:        cfgValue.ID,
		name:      cfgValue.Name,
		version:   cfgValue.Version,
		db:        cfgValue.DB,
		stopCh:    make(chan struct{}),
		dbHealthy: cfgValue.DB == nil,
		logger:    logger,
	}
}

// ID returns the configured service identifier.
func (b *BaseService) ID() string { return b.id }

// Name returns the configured service name.
func (b *BaseService) Name() string { return b.name }

// Version returns the configured service version.
func (b *BaseService) Version() string { return b.version }

// DB returns the configured repository, or nil if none was provided.
func (b *BaseService) DB() database.RepositoryInterface { return b.db }

// Logger returns the service's structured logger.
func (b *BaseService) Logger() *logging.Logger {
	if b == nil {
		return logging.NewFromEnv("service")
	}
	if b.logger != nil {
		return b.logger
	}
	serviceName := b.id
	if serviceName == "" {
		serviceName = "service"
	}
	b.logger = logging.NewFromEnv(serviceName)
	return b.logger
}

// WithHydrate sets an optional hydrate hook executed during Start.
// The hydrate function is called after Start but before background workers
// are launched. Use this for loading persistent state (e.g. resuming
// in-flight processing jobs after a restart).
func (b *BaseService) WithHydrate(fn func(context.Context) error) *BaseService {
	b.hydrate = fn
	return b
}

// WithStats sets a statistics provider function for the /info endpoint.
func (b *BaseService) WithStats(fn func() map[string]any) *BaseService {
	b.statsFn = fn
	return b
}

// AddWorker registers a background worker started after hydrate completes.
func (b *BaseService) AddWorker(fn func(context.Context)) *BaseService {
	b.workers = append(b.workers, fn)
	return b
}

type tickerWorkerConfig struct {
	name           string
	runImmediately bool
}

// TickerWorkerOption configures AddTickerWorker behavior.
type TickerWorkerOption func(*tickerWorkerConfig)

// WithTickerWorkerName sets a friendly name used in error logs.
func WithTickerWorkerName(name string) TickerWorkerOption {
	return func(cfg *tickerWorkerConfig) {
		cfg.name = name
	}
}

// WithTickerWorkerImmediate causes the worker to run once immediately on start
// before waiting for the first ticker interval.
func WithTickerWorkerImmediate() TickerWorkerOption {
	return func(cfg *tickerWorkerConfig) {
		cfg.runImmediately = true
	}
}

// AddTickerWorker registers a periodic background worker, used for the
// abandoned-job reaper, the event outbox drain and the perfmon rollover.
func (b *BaseService) AddTickerWorker(interval time.Duration, fn func(context.Context) error, opts ...TickerWorkerOption) *BaseService {
	cfg := tickerWorkerConfig{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	worker := func(ctx context.Context) {
		logWorkerError := func(err error) {
			if err == nil {
				return
			}
			entry := b.Logger().WithContext(ctx).WithError(err)
			if cfg.name != "" {
				entry = entry.WithField("worker", cfg.name)
			}
			entry.Warn("worker error")
		}

		if cfg.runImmediately {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			default:
			}

			if err := fn(ctx); err != nil {
				logWorkerError(err)
			}
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					logWorkerError(err)
				}
			}
		}
	}
	b.workers = append(b.workers, worker)
	return b
}

// StopChan exposes the stop channel for worker goroutines.
func (b *BaseService) StopChan() <-chan struct{} {
	return b.stopCh
}

// Start runs hydrate once, then spins up every registered worker.
func (b *BaseService) Start(ctx context.Context) error {
	b.healthMu.Lock()
	if b.startTime.IsZero() {
		b.startTime = time.Now()
	}
	b.healthMu.Unlock()

	if b.hydrate != nil {
		if err := b.hydrate(ctx); err != nil {
			return fmt.Errorf("hydrate: %w", err)
		}
	}

	for _, w := range b.workers {
		worker := w
		go worker(ctx)
	}
	return nil
}

// Stop signals every worker to exit. It is idempotent.
func (b *BaseService) Stop() error {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	return nil
}

// WorkerCount returns the number of registered workers.
func (b *BaseService) WorkerCount() int {
	return len(b.workers)
}

// Workers returns the number of registered background workers.
func (b *BaseService) Workers() int {
	return b.WorkerCount()
}

// CheckHealth refreshes the cached health state by probing the repository.
func (b *BaseService) CheckHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	dbHealthy := true
	if repo := b.DB(); repo != nil {
		if err := repo.HealthCheck(ctx); err != nil {
			dbHealthy = false
		}
	}

	b.healthMu.Lock()
	b.dbHealthy = dbHealthy
	b.lastHealthCheck = time.Now()
	b.healthMu.Unlock()
}

// HealthStatus returns the aggregated health status string.
func (b *BaseService) HealthStatus() string {
	b.CheckHealth()
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	return b.healthStatusLocked()
}

// HealthDetails returns a map describing the most recent health state.
func (b *BaseService) HealthDetails() map[string]any {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()

	details := map[string]any{
		"db_connected": b.dbHealthy,
	}

	if !b.lastHealthCheck.IsZero() {
		details["last_check"] = b.lastHealthCheck.Format(time.RFC3339)
	} else {
		details["last_check"] = ""
	}

	uptime := time.Duration(0)
	if !b.startTime.IsZero() {
		uptime = time.Since(b.startTime)
	}
	details["uptime"] = uptime.String()

	if b.statsFn != nil {
		details["stats"] = b.statsFn()
	}

	return details
}

func (b *BaseService) healthStatusLocked() string {
	if b.DB() != nil && !b.dbHealthy {
		return "unhealthy"
	}
	return "healthy"
}

// =============================================================================
// Interface Compliance
// =============================================================================

var _ BackgroundHost = (*BaseService)(nil)
var _ HealthChecker = (*BaseService)(nil)
