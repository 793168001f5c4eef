// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// ScheduleParser accepts six-field (seconds-first) cron specs and descriptors such as @every 1m.
var ScheduleParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// AppConfig is the unified arbiter configuration sourced from YAML and the environment.
type AppConfig struct {
	Environment Environment     `yaml:"environment" env:"ENVIRONMENT"`
	Database    DatabaseConfig  `yaml:"database" envPrefix:"DATABASE_"`
	Registry    RegistryConfig  `yaml:"registry" envPrefix:"REGISTRY_"`
	Ownership   OwnershipConfig `yaml:"ownership" envPrefix:"OWNERSHIP_"`
	Audit       AuditConfig     `yaml:"audit" envPrefix:"AUDIT_"`
	Breaker     BreakerConfig   `yaml:"breaker" envPrefix:"BREAKER_"`
	Retention   RetentionConfig `yaml:"retention" envPrefix:"RETENTION_"`
	Telemetry   TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Logging     LoggingConfig   `yaml:"logging" envPrefix:"LOGGING_"`
	Strategies  []StrategySeed  `yaml:"strategies"`
}

// DefaultStrategies is the seed set used when the config names none.
func DefaultStrategies() []StrategySeed {
	return []StrategySeed{
		{Name: "long_term", DisplayName: "Long-Term Core", Persona: "long_term", Priority: 100, TimeHorizon: "long",
			Config: map[string]any{"minHoldDays": 90, "maxPositionWeight": "0.10"}},
		{Name: "dividend", DisplayName: "Dividend Income", Persona: "dividend", Priority: 80, TimeHorizon: "long",
			Config: map[string]any{"minYield": "0.03", "exDividendBufferDays": 5}},
		{Name: "aggressive", DisplayName: "Aggressive Growth", Persona: "aggressive", Priority: 60, TimeHorizon: "medium",
			Config: map[string]any{"maxLeverage": "2", "allowShort": true}},
		{Name: "trading", DisplayName: "Intraday Trading", Persona: "trading", Priority: 50, TimeHorizon: "short",
			Config: map[string]any{"maxHoldMinutes": 390, "stopLossPercent": "2"}},
		{Name: "emergency", DisplayName: "Emergency Liquidation", Persona: "emergency", Priority: 999, TimeHorizon: "short",
			Config: map[string]any{"reason": "risk desk override", "exemptFromBreaker": true}},
	}
}

// DefaultAppConfig returns a configuration that runs against a local database.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{Environment: EnvDev}
	cfg.applyDefaults()
	cfg.Strategies = DefaultStrategies()
	return cfg
}

func (c *DatabaseConfig) applyDefaults() {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	if c.Driver == "" {
		c.Driver = DriverPostgres
	}
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" && c.Driver == DriverPostgres {
		c.DSN = "postgresql://localhost:5432/arbiter"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	c.MigrationsPath = strings.TrimSpace(c.MigrationsPath)
}

func (c DatabaseConfig) validate() error {
	switch c.Driver {
	case DriverPostgres:
		if strings.TrimSpace(c.DSN) == "" {
			return fmt.Errorf("dsn required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("driver must be one of postgres, memory")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

func (c *RegistryConfig) applyDefaults() {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Second
	}
	c.RedisAddr = strings.TrimSpace(c.RedisAddr)
	c.KeyPrefix = strings.TrimSpace(c.KeyPrefix)
	if c.KeyPrefix == "" {
		c.KeyPrefix = "arbiter:registry:"
	}
}

func (c *OwnershipConfig) applyDefaults() {
	if c.DefaultLock <= 0 {
		c.DefaultLock = 60 * time.Second
	}
	if c.MinLock <= 0 {
		c.MinLock = time.Second
	}
	if c.MaxLock <= 0 {
		c.MaxLock = 15 * time.Minute
	}
	if c.DecisionAttempts <= 0 {
		c.DecisionAttempts = 3
	}
	if c.ReleaseAttempts <= 0 {
		c.ReleaseAttempts = 3
	}
	if c.ReadRetries <= 0 {
		c.ReadRetries = 3
	}
	if c.ReadRetryMaxElapsed <= 0 {
		c.ReadRetryMaxElapsed = 2 * time.Second
	}
}

func (c OwnershipConfig) validate() error {
	if c.MinLock > c.MaxLock {
		return fmt.Errorf("minLock must be <= maxLock")
	}
	if c.DefaultLock < c.MinLock || c.DefaultLock > c.MaxLock {
		return fmt.Errorf("defaultLock must be within [minLock, maxLock]")
	}
	return nil
}

func (c *AuditConfig) applyDefaults() {
	if c.ThrottleWindow <= 0 {
		c.ThrottleWindow = 60 * time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
}

func (c *BreakerConfig) applyDefaults() {
	c.Schedule = strings.TrimSpace(c.Schedule)
	if c.Schedule == "" {
		c.Schedule = "@every 1m"
	}
	if c.Window <= 0 {
		c.Window = time.Hour
	}
	if c.Threshold <= 0 {
		c.Threshold = 50
	}
}

func (c *RetentionConfig) applyDefaults() {
	c.Schedule = strings.TrimSpace(c.Schedule)
	if c.Schedule == "" {
		c.Schedule = "0 30 3 * * *"
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 90 * 24 * time.Hour
	}
}

func (c *TelemetryConfig) applyDefaults() {
	c.OTLPEndpoint = strings.TrimSpace(c.OTLPEndpoint)
	c.ServiceName = strings.TrimSpace(c.ServiceName)
	if c.ServiceName == "" {
		c.ServiceName = "arbiter"
	}
}

func (c *LoggingConfig) applyDefaults() {
	c.Level = strings.ToLower(strings.TrimSpace(c.Level))
	if c.Level == "" {
		c.Level = "info"
	}
	c.Encoding = strings.ToLower(strings.TrimSpace(c.Encoding))
	if c.Encoding == "" {
		c.Encoding = "json"
	}
}

func (c *AppConfig) applyDefaults() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Database.applyDefaults()
	c.Registry.applyDefaults()
	c.Ownership.applyDefaults()
	c.Audit.applyDefaults()
	c.Breaker.applyDefaults()
	c.Retention.applyDefaults()
	c.Telemetry.applyDefaults()
	c.Logging.applyDefaults()
}

// Load reads and validates an AppConfig from the provided YAML file, then applies
// ARBITER_* environment overrides.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finalise(cfg)
}

// LoadOrDefault loads configPath when it exists, otherwise falls back to defaults plus
// environment overrides. The boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return AppConfig{}, false, err
	}
	cfg, err = finalise(AppConfig{})
	if err != nil {
		return AppConfig{}, false, err
	}
	return cfg, false, nil
}

func finalise(cfg AppConfig) (AppConfig, error) {
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return AppConfig{}, fmt.Errorf("environment overrides: %w", err)
	}
	cfg.applyDefaults()
	if cfg.Strategies == nil {
		cfg.Strategies = DefaultStrategies()
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	seen := make(map[string]struct{}, len(c.Strategies))
	for i := range c.Strategies {
		seed := &c.Strategies[i]
		seed.Name = normalizeName(seed.Name)
		seed.Persona = strings.ToLower(strings.TrimSpace(seed.Persona))
		seed.TimeHorizon = strings.ToLower(strings.TrimSpace(seed.TimeHorizon))
		seed.DisplayName = strings.TrimSpace(seed.DisplayName)
		if seed.DisplayName == "" {
			seed.DisplayName = seed.Name
		}
		key := strings.ToLower(seed.Name)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("duplicate strategy name %q", seed.Name)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// Validate performs semantic validation on the configuration. Strategy seed contents are
// validated by the registry when seeding.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Ownership.validate(); err != nil {
		return fmt.Errorf("ownership: %w", err)
	}
	if c.Audit.BatchSize > c.Audit.QueueSize {
		return fmt.Errorf("audit batchSize must be <= queueSize")
	}
	if c.Breaker.Enabled {
		if _, err := ScheduleParser.Parse(c.Breaker.Schedule); err != nil {
			return fmt.Errorf("breaker schedule: %w", err)
		}
	}
	if c.Retention.Enabled {
		if _, err := ScheduleParser.Parse(c.Retention.Schedule); err != nil {
			return fmt.Errorf("retention schedule: %w", err)
		}
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when enabled")
	}
	for _, seed := range c.Strategies {
		if seed.Name == "" {
			return fmt.Errorf("strategy seed name required")
		}
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	if candidate == "" {
		return nil, nil, fmt.Errorf("open app config: %w", fs.ErrNotExist)
	}
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
