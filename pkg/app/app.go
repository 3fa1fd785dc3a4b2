package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plangate/pkg/api"
	"github.com/platinummonkey/plangate/pkg/async"
	"github.com/platinummonkey/plangate/pkg/config"
	"github.com/platinummonkey/plangate/pkg/entitlements"
	"github.com/platinummonkey/plangate/pkg/eventbus"
	"github.com/platinummonkey/plangate/pkg/locks"
	"github.com/platinummonkey/plangate/pkg/notify"
	"github.com/platinummonkey/plangate/pkg/observability"
	"github.com/platinummonkey/plangate/pkg/plans"
	"github.com/platinummonkey/plangate/pkg/provider"
	"github.com/platinummonkey/plangate/pkg/reconciler"
	"github.com/platinummonkey/plangate/pkg/retry"
	"github.com/platinummonkey/plangate/pkg/scheduler"
	"github.com/platinummonkey/plangate/pkg/service"
	"github.com/platinummonkey/plangate/pkg/storage"
	"github.com/platinummonkey/plangate/pkg/storage/postgres"
	"github.com/platinummonkey/plangate/pkg/storage/s3archive"
)

// dbStatsInterval is how often connection pool gauges are refreshed
const dbStatsInterval = 15 * time.Second

// App holds every wired component of a plangate process
type App struct {
	Config   *config.Config
	Logger   *logrus.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics

	Repository storage.Repository
	Catalog    plans.Catalog
	Provider   provider.Provider
	Bus        eventbus.Bus
	Locker     locks.Locker
	Notifier   notify.Notifier

	Service    *service.SubscriptionService
	Evaluator  *entitlements.Evaluator
	Reconciler *reconciler.Reconciler
	Scheduler  *scheduler.Scheduler
	Health     *observability.HealthChecker

	conns    *postgres.ConnectionManager
	redis    *redis.Client
	static   *plans.StaticCatalog
	backfill *async.WorkerPool
	cancel   context.CancelFunc
	closers  []func() error
}

// Build wires the application from configuration. On error everything
// already opened is closed.
func Build(ctx context.Context, cfg *config.Config, logger *logrus.Logger, version string) (_ *App, err error) {
	if logger == nil {
		logger = NewLogger(cfg.Observability.LogLevel)
	}
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if cfg.Observability.MetricsEnabled {
		a.Registry = prometheus.NewRegistry()
		a.Metrics = observability.NewMetrics(a.Registry)
	}

	if cfg.Redis.URL != "" {
		a.redis, err = storage.NewRedisClient(ctx, storage.RedisConfig{
			URL:        cfg.Redis.URL,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			MaxRetries: cfg.Redis.MaxRetries,
			PoolSize:   cfg.Redis.PoolSize,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, a.redis.Close)
	}

	if err := a.buildStorage(ctx); err != nil {
		return nil, err
	}
	if err := a.buildCatalog(); err != nil {
		return nil, err
	}
	if err := a.buildProvider(); err != nil {
		return nil, err
	}
	if err := a.buildBus(); err != nil {
		return nil, err
	}
	if err := a.buildNotifier(); err != nil {
		return nil, err
	}

	if a.redis != nil {
		a.Locker = locks.NewRedisLocker(a.redis, locks.RedisConfig{
			Prefix: cfg.Redis.LockPrefix,
			TTL:    cfg.Redis.LockTTL,
		}, logger)
	} else {
		a.Locker = locks.NewKeyedMutex()
	}

	if err := a.buildDomain(ctx); err != nil {
		return nil, err
	}

	var db *sql.DB
	if a.conns != nil {
		db = a.conns.Primary()
	}
	a.Health = observability.NewHealthChecker(db, a.redis, version)
	if a.conns == nil {
		a.Health.AddCheck("repository", true, a.Repository.HealthCheck)
	}

	logger.WithFields(logrus.Fields{
		"storage":   cfg.Storage.Backend,
		"provider":  a.Provider.Name(),
		"event_bus": cfg.EventBus.Kind,
		"notifier":  cfg.Notify.Kind,
		"plans":     cfg.Plans.Source,
	}).Info("Application wired")
	return a, nil
}

func (a *App) buildStorage(ctx context.Context) error {
	cfg := a.Config.Storage
	if cfg.Backend != config.StoragePostgres {
		// The memory repository serves the built-in plans as its plan table
		a.Repository = storage.NewMemoryRepository(plans.DefaultPlans())
		return nil
	}

	conns, err := postgres.NewConnectionManager(ctx, postgres.ConnectionConfig{
		PrimaryURL:  cfg.PostgresURL,
		ReplicaURLs: postgres.ParseReplicaURLs(cfg.PostgresReplicaURLs),
		MaxConns:    cfg.PostgresMaxConns,
		MinConns:    cfg.PostgresMinConns,
		Timeout:     cfg.PostgresTimeout,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	a.conns = conns
	a.closers = append(a.closers, conns.Close)

	if cfg.RunMigrations {
		if err := postgres.RunMigrations(ctx, conns.Primary(), a.Logger); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}
	a.Repository = postgres.NewRepository(conns, a.Logger)
	return nil
}

func (a *App) buildCatalog() error {
	cfg := a.Config.Plans
	if cfg.Source == config.PlansDatabase {
		a.Catalog = plans.NewCachedCatalog(a.Repository, cfg.CacheSize, cfg.CacheTTL)
		return nil
	}

	var err error
	if cfg.File != "" {
		a.static, err = plans.LoadFile(cfg.File, a.Logger)
	} else {
		a.static, err = plans.NewStaticCatalog(plans.DefaultPlans(), a.Logger)
	}
	if err != nil {
		return fmt.Errorf("failed to load plan catalog: %w", err)
	}
	a.Catalog = a.static
	return nil
}

func (a *App) buildProvider() error {
	cfg := a.Config.Provider

	var next provider.Provider
	switch cfg.Kind {
	case config.ProviderStripe:
		stripe, err := provider.NewStripe(provider.StripeConfig{
			APIKey:        cfg.APIKey,
			WebhookSecret: cfg.WebhookSecret,
		})
		if err != nil {
			return fmt.Errorf("failed to create stripe provider: %w", err)
		}
		next = stripe
	default:
		next = provider.NewNoop(cfg.WebhookSecret)
	}

	retryCfg := retry.DefaultConfig()
	if cfg.MaxAttempts > 0 {
		retryCfg.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialDelay > 0 {
		retryCfg.InitialDelay = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		retryCfg.MaxDelay = cfg.MaxDelay
	}
	a.Provider = provider.NewResilient(next, provider.ResilientConfig{
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		Retry:             retryCfg,
	}, a.Logger)
	return nil
}

func (a *App) buildBus() error {
	cfg := a.Config.EventBus
	switch cfg.Kind {
	case config.BusRedis:
		a.Bus = eventbus.NewRedis(a.redis, cfg.Prefix, a.Logger)
	case config.BusNATS:
		bus, err := eventbus.ConnectNATS(cfg.NATSURL, cfg.Prefix, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		a.Bus = bus
	default:
		a.Bus = eventbus.NewMemory(a.Logger)
	}
	a.closers = append(a.closers, a.Bus.Close)
	return nil
}

func (a *App) buildNotifier() error {
	cfg := a.Config.Notify
	switch cfg.Kind {
	case config.NotifyWebhook:
		n, err := notify.NewWebhookNotifier(notify.WebhookConfig{
			URL:     cfg.WebhookURL,
			Secret:  cfg.WebhookSecret,
			Timeout: cfg.WebhookTimeout,
		})
		if err != nil {
			return err
		}
		a.Notifier = n
	case config.NotifyLog:
		a.Notifier = notify.NewLogNotifier(a.Logger)
	default:
		a.Notifier = notify.Noop{}
	}
	return nil
}

func (a *App) buildDomain(ctx context.Context) error {
	cfg := a.Config
	var err error

	a.Service, err = service.New(service.Options{
		Repository: a.Repository,
		Catalog:    a.Catalog,
		Provider:   a.Provider,
		Bus:        a.Bus,
		Locker:     a.Locker,
		Metrics:    a.Metrics,
		Logger:     a.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create subscription service: %w", err)
	}

	a.Evaluator, err = entitlements.NewEvaluator(entitlements.Options{
		Subscriptions: a.Repository,
		Usage:         a.Repository,
		Updater:       a.Service,
		Catalog:       a.Catalog,
		Metrics:       a.Metrics,
		Logger:        a.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create entitlement evaluator: %w", err)
	}

	a.backfill = async.NewWorkerPool(ctx, a.Logger, cfg.Scheduler.BackfillWorkers,
		cfg.Scheduler.BackfillQueueSize, "subscription backfill", cfg.Provider.Timeout)

	var seen reconciler.SeenStore
	if a.redis != nil {
		seen = reconciler.NewRedisSeenStore(a.redis, "", reconciler.DefaultSeenTTL)
	}
	a.Reconciler, err = reconciler.New(reconciler.Options{
		Subscriptions: a.Service,
		Reader:        a.Repository,
		History:       a.Repository,
		Seen:          seen,
		Catalog:       a.Catalog,
		Provider:      a.Provider,
		Notifier:      a.Notifier,
		Bus:           a.Bus,
		Backfill:      a.backfill,
		Metrics:       a.Metrics,
		Logger:        a.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create reconciler: %w", err)
	}

	var archive storage.StatisticsWriter
	if cfg.Archive.Bucket != "" {
		client, err := s3archive.NewClient(ctx, s3archive.Config{
			Bucket:       cfg.Archive.Bucket,
			Region:       cfg.Archive.Region,
			Endpoint:     cfg.Archive.Endpoint,
			AccessKey:    cfg.Archive.AccessKey,
			SecretKey:    cfg.Archive.SecretKey,
			UsePathStyle: cfg.Archive.UsePathStyle,
			Prefix:       cfg.Archive.Prefix,
		})
		if err != nil {
			return fmt.Errorf("failed to create s3 client: %w", err)
		}
		archive = s3archive.NewArchiver(client, cfg.Archive.Bucket, cfg.Archive.Prefix)
	}

	a.Scheduler, err = scheduler.New(scheduler.Options{
		Subscriptions: a.Service,
		Repository:    a.Repository,
		Catalog:       a.Catalog,
		Provider:      a.Provider,
		Notifier:      a.Notifier,
		Bus:           a.Bus,
		Archive:       archive,
		Metrics:       a.Metrics,
		Logger:        a.Logger,
		ItemTimeout:   cfg.Scheduler.ItemTimeout,
		Workers:       cfg.Scheduler.Workers,
		RenewalWindow: cfg.Scheduler.RenewalWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	return nil
}

// Router builds the HTTP handler serving the API, the billing webhook,
// health and metrics
func (a *App) Router(logger *observability.Logger) http.Handler {
	handlers := api.NewHandlers(api.HandlersOptions{
		Subscriptions: a.Service,
		Entitlements:  a.Evaluator,
		Catalog:       a.Catalog,
	})
	return api.NewRouter(api.RouterOptions{
		Handlers:       handlers,
		Webhook:        api.NewWebhookHandler(a.Provider, a.Reconciler),
		Health:         a.Health,
		Metrics:        a.Metrics,
		Registry:       a.Registry,
		Logger:         logger,
		RequestTimeout: a.Config.Server.RequestTimeout,
		MaxBodyBytes:   a.Config.Server.MaxBodyBytes,
		CORSOrigins:    a.Config.Server.CORSOrigins,
		ServiceName:    a.Config.Observability.OTelServiceName,
	})
}

// Runner builds the cron runner from the configured schedule
func (a *App) Runner() (*scheduler.Runner, error) {
	cfg := a.Config.Scheduler
	return scheduler.NewRunner(a.Scheduler, scheduler.Schedule{
		SyncSubscriptionStatuses:     cfg.SyncSubscriptionStatuses,
		CheckRenewalReminders:        cfg.CheckRenewalReminders,
		ProcessExpiredSubscriptions:  cfg.ProcessExpiredSubscriptions,
		SendPaymentFailureReminders:  cfg.SendPaymentFailureReminders,
		UpdateSubscriptionStatistics: cfg.UpdateSubscriptionStatistics,
	}, cfg.RunTimeout, a.Logger)
}

// Start launches background work: the plan file watcher and connection
// pool gauges. It stops when Close is called.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	if a.static != nil && a.Config.Plans.Watch {
		path := a.Config.Plans.File
		async.SafeGo(ctx, a.Logger, 0, "plan catalog watch", func(ctx context.Context) error {
			err := a.static.Watch(ctx, path, func() {
				a.Logger.WithField("path", path).Info("Plan catalog reloaded")
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if a.conns != nil && a.Metrics != nil {
		async.SafeGo(ctx, a.Logger, 0, "db stats", func(ctx context.Context) error {
			ticker := time.NewTicker(dbStatsInterval)
			defer ticker.Stop()
			for {
				a.Metrics.UpdateDBStats(a.conns.Primary().Stats())
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
}

// Close stops background work and releases connections in reverse order
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.backfill != nil {
		if err := a.backfill.Shutdown(10 * time.Second); err != nil {
			a.Logger.WithError(err).Warn("Backfill pool did not drain")
		}
		a.backfill = nil
	}

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NewLogger creates the logrus logger used by the domain packages
func NewLogger(level observability.LogLevel) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	switch level {
	case observability.DebugLevel:
		logger.SetLevel(logrus.DebugLevel)
	case observability.WarnLevel:
		logger.SetLevel(logrus.WarnLevel)
	case observability.ErrorLevel:
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}
