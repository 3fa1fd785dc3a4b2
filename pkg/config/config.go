package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/plangate/pkg/observability"
)

// Storage backends
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Billing providers
const (
	ProviderNone   = "none"
	ProviderStripe = "stripe"
)

// Event bus kinds
const (
	BusMemory = "memory"
	BusRedis  = "redis"
	BusNATS   = "nats"
)

// Notifier kinds
const (
	NotifyNone    = "none"
	NotifyLog     = "log"
	NotifyWebhook = "webhook"
)

// Plan catalog sources
const (
	PlansStatic   = "static"
	PlansDatabase = "database"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       StorageConfig
	Redis         RedisConfig
	Provider      ProviderConfig
	EventBus      EventBusConfig
	Notify        NotifyConfig
	Plans         PlansConfig
	Scheduler     SchedulerConfig
	Archive       ArchiveConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
	MaxBodyBytes    int64
	CORSOrigins     []string
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// StorageConfig selects and configures the subscription repository
type StorageConfig struct {
	Backend             string
	PostgresURL         string
	PostgresReplicaURLs string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	RunMigrations       bool
}

// RedisConfig configures the shared Redis client. An empty URL disables
// Redis; locks then stay in process.
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
	LockTTL    time.Duration
	LockPrefix string
}

// ProviderConfig configures the billing provider
type ProviderConfig struct {
	Kind              string
	APIKey            string
	WebhookSecret     string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
}

// EventBusConfig selects the domain event bus
type EventBusConfig struct {
	Kind    string
	NATSURL string
	Prefix  string
}

// NotifyConfig selects how customer notifications are delivered
type NotifyConfig struct {
	Kind           string
	WebhookURL     string
	WebhookSecret  string
	WebhookTimeout time.Duration
}

// PlansConfig selects the plan catalog. A static catalog reads File, or the
// built-in plans when File is empty; a database catalog is cached for CacheTTL.
type PlansConfig struct {
	Source    string
	File      string
	Watch     bool
	CacheSize int
	CacheTTL  time.Duration
}

// SchedulerConfig holds the cron spec of each job. An empty spec disables
// the job.
type SchedulerConfig struct {
	SyncSubscriptionStatuses     string
	CheckRenewalReminders        string
	ProcessExpiredSubscriptions  string
	SendPaymentFailureReminders  string
	UpdateSubscriptionStatistics string
	RunTimeout                   time.Duration
	ItemTimeout                  time.Duration
	Workers                      int
	RenewalWindow                time.Duration
	BackfillWorkers              int
	BackfillQueueSize            int
}

// ArchiveConfig configures the S3 statistics archive. An empty bucket
// disables archiving.
type ArchiveConfig struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	Prefix       string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Redis:         loadRedisConfig(),
		Provider:      loadProviderConfig(),
		EventBus:      loadEventBusConfig(),
		Notify:        loadNotifyConfig(),
		Plans:         loadPlansConfig(),
		Scheduler:     loadSchedulerConfig(),
		Archive:       loadArchiveConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("PLANGATE_HOST", "0.0.0.0"),
		Port:            getEnv("PLANGATE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("PLANGATE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("PLANGATE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("PLANGATE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("PLANGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
		RequestTimeout:  getEnvDuration("PLANGATE_REQUEST_TIMEOUT", 10*time.Second),
		MaxBodyBytes:    getEnvInt64("PLANGATE_MAX_BODY_BYTES", 1<<20),
		CORSOrigins:     getEnvList("PLANGATE_CORS_ORIGINS"),
	}
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{
		Backend:             strings.ToLower(getEnv("PLANGATE_STORAGE_BACKEND", StorageMemory)),
		PostgresURL:         getEnv("PLANGATE_POSTGRES_URL", ""),
		PostgresReplicaURLs: getEnv("PLANGATE_POSTGRES_REPLICA_URLS", ""),
		PostgresMaxConns:    getEnvInt("PLANGATE_POSTGRES_MAX_CONNS", 20),
		PostgresMinConns:    getEnvInt("PLANGATE_POSTGRES_MIN_CONNS", 2),
		PostgresTimeout:     getEnvDuration("PLANGATE_POSTGRES_TIMEOUT", 5*time.Second),
		RunMigrations:       getEnvBool("PLANGATE_RUN_MIGRATIONS", true),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:        getEnv("PLANGATE_REDIS_URL", ""),
		Password:   getEnv("PLANGATE_REDIS_PASSWORD", ""),
		DB:         getEnvInt("PLANGATE_REDIS_DB", 0),
		MaxRetries: getEnvInt("PLANGATE_REDIS_MAX_RETRIES", 3),
		PoolSize:   getEnvInt("PLANGATE_REDIS_POOL_SIZE", 10),
		LockTTL:    getEnvDuration("PLANGATE_LOCK_TTL", 10*time.Second),
		LockPrefix: getEnv("PLANGATE_LOCK_PREFIX", ""),
	}
}

func loadProviderConfig() ProviderConfig {
	return ProviderConfig{
		Kind:              strings.ToLower(getEnv("PLANGATE_PROVIDER", ProviderNone)),
		APIKey:            getEnv("PLANGATE_STRIPE_API_KEY", ""),
		WebhookSecret:     getEnv("PLANGATE_WEBHOOK_SECRET", ""),
		Timeout:           getEnvDuration("PLANGATE_PROVIDER_TIMEOUT", 10*time.Second),
		RequestsPerSecond: getEnvFloat("PLANGATE_PROVIDER_RPS", 25),
		Burst:             getEnvInt("PLANGATE_PROVIDER_BURST", 10),
		MaxAttempts:       getEnvInt("PLANGATE_PROVIDER_MAX_ATTEMPTS", 3),
		InitialDelay:      getEnvDuration("PLANGATE_PROVIDER_INITIAL_DELAY", 200*time.Millisecond),
		MaxDelay:          getEnvDuration("PLANGATE_PROVIDER_MAX_DELAY", 5*time.Second),
	}
}

func loadEventBusConfig() EventBusConfig {
	return EventBusConfig{
		Kind:    strings.ToLower(getEnv("PLANGATE_EVENT_BUS", BusMemory)),
		NATSURL: getEnv("PLANGATE_NATS_URL", ""),
		Prefix:  getEnv("PLANGATE_EVENT_PREFIX", ""),
	}
}

func loadNotifyConfig() NotifyConfig {
	return NotifyConfig{
		Kind:           strings.ToLower(getEnv("PLANGATE_NOTIFIER", NotifyLog)),
		WebhookURL:     getEnv("PLANGATE_NOTIFY_WEBHOOK_URL", ""),
		WebhookSecret:  getEnv("PLANGATE_NOTIFY_WEBHOOK_SECRET", ""),
		WebhookTimeout: getEnvDuration("PLANGATE_NOTIFY_WEBHOOK_TIMEOUT", 10*time.Second),
	}
}

func loadPlansConfig() PlansConfig {
	return PlansConfig{
		Source:    strings.ToLower(getEnv("PLANGATE_PLANS_SOURCE", PlansStatic)),
		File:      getEnv("PLANGATE_PLANS_FILE", ""),
		Watch:     getEnvBool("PLANGATE_PLANS_WATCH", false),
		CacheSize: getEnvInt("PLANGATE_PLANS_CACHE_SIZE", 100),
		CacheTTL:  getEnvDuration("PLANGATE_PLANS_CACHE_TTL", 5*time.Minute),
	}
}

func loadSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		SyncSubscriptionStatuses:     getEnvRaw("PLANGATE_SCHEDULE_SYNC_STATUSES", "@hourly"),
		CheckRenewalReminders:        getEnvRaw("PLANGATE_SCHEDULE_RENEWAL_REMINDERS", "0 9 * * *"),
		ProcessExpiredSubscriptions:  getEnvRaw("PLANGATE_SCHEDULE_PROCESS_EXPIRED", "5 0 * * *"),
		SendPaymentFailureReminders:  getEnvRaw("PLANGATE_SCHEDULE_PAYMENT_REMINDERS", "0 10 * * *"),
		UpdateSubscriptionStatistics: getEnvRaw("PLANGATE_SCHEDULE_STATISTICS", "10 0 * * 0"),
		RunTimeout:                   getEnvDuration("PLANGATE_JOB_TIMEOUT", 30*time.Minute),
		ItemTimeout:                  getEnvDuration("PLANGATE_JOB_ITEM_TIMEOUT", 30*time.Second),
		Workers:                      getEnvInt("PLANGATE_JOB_WORKERS", 4),
		RenewalWindow:                getEnvDuration("PLANGATE_RENEWAL_WINDOW", 7*24*time.Hour),
		BackfillWorkers:              getEnvInt("PLANGATE_BACKFILL_WORKERS", 2),
		BackfillQueueSize:            getEnvInt("PLANGATE_BACKFILL_QUEUE_SIZE", 100),
	}
}

func loadArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Bucket:       getEnv("PLANGATE_S3_BUCKET", ""),
		Region:       getEnv("PLANGATE_S3_REGION", "us-east-1"),
		Endpoint:     getEnv("PLANGATE_S3_ENDPOINT", ""),
		AccessKey:    getEnv("PLANGATE_S3_ACCESS_KEY", ""),
		SecretKey:    getEnv("PLANGATE_S3_SECRET_KEY", ""),
		UsePathStyle: getEnvBool("PLANGATE_S3_USE_PATH_STYLE", false),
		Prefix:       getEnv("PLANGATE_S3_PREFIX", "statistics"),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("PLANGATE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("PLANGATE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("PLANGATE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("PLANGATE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("PLANGATE_OTEL_SERVICE_NAME", "plangate"),
		OTelServiceVersion: getEnv("PLANGATE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("PLANGATE_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StoragePostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (must be memory or postgres)", c.Storage.Backend)
	}

	switch c.Provider.Kind {
	case ProviderNone:
	case ProviderStripe:
		if c.Provider.APIKey == "" {
			return fmt.Errorf("stripe API key is required for the stripe provider")
		}
		if c.Provider.WebhookSecret == "" {
			return fmt.Errorf("webhook secret is required for the stripe provider")
		}
	default:
		return fmt.Errorf("invalid provider: %s (must be none or stripe)", c.Provider.Kind)
	}

	switch c.EventBus.Kind {
	case BusMemory:
	case BusRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("redis URL is required for the redis event bus")
		}
	case BusNATS:
		if c.EventBus.NATSURL == "" {
			return fmt.Errorf("NATS URL is required for the nats event bus")
		}
	default:
		return fmt.Errorf("invalid event bus: %s (must be memory, redis, or nats)", c.EventBus.Kind)
	}

	switch c.Notify.Kind {
	case NotifyNone, NotifyLog:
	case NotifyWebhook:
		if c.Notify.WebhookURL == "" {
			return fmt.Errorf("notification webhook URL is required for the webhook notifier")
		}
	default:
		return fmt.Errorf("invalid notifier: %s (must be none, log, or webhook)", c.Notify.Kind)
	}

	switch c.Plans.Source {
	case PlansStatic:
		if c.Plans.Watch && c.Plans.File == "" {
			return fmt.Errorf("plans file is required to watch the plan catalog")
		}
	case PlansDatabase:
		if c.Storage.Backend != StoragePostgres {
			return fmt.Errorf("database plan catalog requires postgres storage")
		}
	default:
		return fmt.Errorf("invalid plans source: %s (must be static or database)", c.Plans.Source)
	}

	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler workers must be positive")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvRaw returns the variable even when it is set to the empty string,
// which disables a scheduled job
func getEnvRaw(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

// getEnvList splits a comma separated variable
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
