package config

import (
	"strings"
	"time"
)

// Environment identifies the runtime environment where the arbiter operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// envPrefix is prepended to every environment override, e.g. ARBITER_DATABASE_DSN.
const envPrefix = "ARBITER_"

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	Driver            string        `yaml:"driver" env:"DRIVER"`
	DSN               string        `yaml:"dsn" env:"DSN"`
	MaxConns          int32         `yaml:"maxConns" env:"MAX_CONNS"`
	MinConns          int32         `yaml:"minConns" env:"MIN_CONNS"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime" env:"MAX_CONN_LIFETIME"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime" env:"MAX_CONN_IDLE_TIME"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod" env:"HEALTH_CHECK_PERIOD"`
	RunMigrations     bool          `yaml:"runMigrations" env:"RUN_MIGRATIONS"`
	MigrationsPath    string        `yaml:"migrationsPath" env:"MIGRATIONS_PATH"`
}

// RegistryConfig controls the strategy registry read cache.
type RegistryConfig struct {
	CacheTTL      time.Duration `yaml:"cacheTTL" env:"CACHE_TTL"`
	RedisAddr     string        `yaml:"redisAddr" env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redisPassword" env:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redisDB" env:"REDIS_DB"`
	KeyPrefix     string        `yaml:"keyPrefix" env:"KEY_PREFIX"`
}

// OwnershipConfig bounds lock durations, decision reruns and deactivation release retries.
type OwnershipConfig struct {
	DefaultLock         time.Duration `yaml:"defaultLock" env:"DEFAULT_LOCK"`
	MinLock             time.Duration `yaml:"minLock" env:"MIN_LOCK"`
	MaxLock             time.Duration `yaml:"maxLock" env:"MAX_LOCK"`
	DecisionAttempts    int           `yaml:"decisionAttempts" env:"DECISION_ATTEMPTS"`
	ReleaseAttempts     int           `yaml:"releaseAttempts" env:"RELEASE_ATTEMPTS"`
	ReadRetries         int           `yaml:"readRetries" env:"READ_RETRIES"`
	ReadRetryMaxElapsed time.Duration `yaml:"readRetryMaxElapsed" env:"READ_RETRY_MAX_ELAPSED"`
}

// AuditConfig sizes the throttled conflict log writer.
type AuditConfig struct {
	ThrottleWindow time.Duration `yaml:"throttleWindow" env:"THROTTLE_WINDOW"`
	FlushInterval  time.Duration `yaml:"flushInterval" env:"FLUSH_INTERVAL"`
	BatchSize      int           `yaml:"batchSize" env:"BATCH_SIZE"`
	QueueSize      int           `yaml:"queueSize" env:"QUEUE_SIZE"`
}

// BreakerConfig describes automatic deactivation of conflict-heavy strategies.
type BreakerConfig struct {
	Enabled   bool          `yaml:"enabled" env:"ENABLED"`
	Schedule  string        `yaml:"schedule" env:"SCHEDULE"`
	Window    time.Duration `yaml:"window" env:"WINDOW"`
	Threshold int           `yaml:"threshold" env:"THRESHOLD"`
}

// RetentionConfig controls conflict log pruning.
type RetentionConfig struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	Schedule string        `yaml:"schedule" env:"SCHEDULE"`
	MaxAge   time.Duration `yaml:"maxAge" env:"MAX_AGE"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint  string `yaml:"otlpEndpoint" env:"OTLP_ENDPOINT"`
	ServiceName   string `yaml:"serviceName" env:"SERVICE_NAME"`
	OTLPInsecure  bool   `yaml:"otlpInsecure" env:"OTLP_INSECURE"`
	EnableMetrics bool   `yaml:"enableMetrics" env:"ENABLE_METRICS"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level" env:"LEVEL"`
	Encoding    string `yaml:"encoding" env:"ENCODING"`
	Development bool   `yaml:"development" env:"DEVELOPMENT"`
	Sampling    bool   `yaml:"sampling" env:"SAMPLING"`
}

// StrategySeed describes a strategy created at bootstrap when missing.
type StrategySeed struct {
	Name        string         `yaml:"name"`
	DisplayName string         `yaml:"displayName"`
	Persona     string         `yaml:"persona"`
	Priority    int            `yaml:"priority"`
	TimeHorizon string         `yaml:"timeHorizon"`
	Active      *bool          `yaml:"active"`
	Config      map[string]any `yaml:"config"`
}

// IsActive defaults seeds to active.
func (s StrategySeed) IsActive() bool {
	return s.Active == nil || *s.Active
}

func normalizeName(name string) string {
	return strings.TrimSpace(name)
}
