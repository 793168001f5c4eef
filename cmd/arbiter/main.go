// Command arbiter runs and administers the position ownership arbiter.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/coachpo/arbiter/internal/app/engine"
	"github.com/coachpo/arbiter/internal/infra/config"
	"github.com/coachpo/arbiter/internal/infra/persistence/migrations"
	"github.com/coachpo/arbiter/internal/infra/telemetry"
	"github.com/coachpo/arbiter/internal/observability"
)

const (
	defaultConfigPath        = "config/app.yaml"
	configPathEnv            = "ARBITER_CONFIG_PATH"
	shutdownTimeout          = 30 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app carries what every subcommand needs.
type app struct {
	cfg     config.AppConfig
	zap     *zap.Logger
	logger  observability.Logger
	metrics *telemetry.Metrics
	out     io.Writer
}

func run(ctx context.Context, args []string, out io.Writer) error {
	global := flag.NewFlagSet("arbiter", flag.ContinueOnError)
	global.SetOutput(out)
	cfgPath := global.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	global.Usage = func() { usage(out, global) }
	if err := global.Parse(args); err != nil {
		return err
	}
	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return errors.New("command required")
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		global.Usage()
		return fmt.Errorf("unknown command %q", rest[0])
	}

	cfg, fromFile, err := config.LoadOrDefault(ctx, resolveConfigPath(*cfgPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	zl, err := observability.NewZap(observability.ZapConfig{
		Level:       cfg.Logging.Level,
		Encoding:    cfg.Logging.Encoding,
		Development: cfg.Logging.Development,
		Sampling:    cfg.Logging.Sampling,
	})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()
	logger := observability.NewZapLogger(zl)
	observability.SetLogger(logger)
	if !fromFile {
		logger.Debug("configuration file not found, using defaults")
	}

	a := &app{cfg: cfg, zap: zl, logger: logger, out: out}
	return cmd.run(ctx, a, rest[1:])
}

func resolveConfigPath(flagValue string) string {
	if path := strings.TrimSpace(flagValue); path != "" {
		return path
	}
	if path := strings.TrimSpace(os.Getenv(configPathEnv)); path != "" {
		return path
	}
	return defaultConfigPath
}

func usage(out io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(out, "usage: arbiter [-config path] <command> [flags]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %-11s %s\n", name, commands[name].summary)
	}
	fmt.Fprintln(out)
	fs.PrintDefaults()
}

// openEngine migrates the database when configured and opens the engine.
func (a *app) openEngine(ctx context.Context) (*engine.Engine, error) {
	if a.cfg.Database.Driver == config.DriverPostgres && a.cfg.Database.RunMigrations {
		if err := migrations.Apply(ctx, a.cfg.Database.DSN, a.cfg.Database.MigrationsPath, zap.NewStdLog(a.zap)); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	return engine.Open(ctx, a.cfg, engine.Options{Logger: a.logger, Metrics: a.metrics})
}

// withEngine opens the engine, seeds the configured strategies and closes it after fn.
func (a *app) withEngine(ctx context.Context, fn func(*engine.Engine) error) (err error) {
	e, err := a.openEngine(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := e.Close(closeCtx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if _, err := e.Seed(ctx, a.cfg.Strategies); err != nil {
		return fmt.Errorf("seed strategies: %w", err)
	}
	return fn(e)
}

func (a *app) initTelemetry(ctx context.Context) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Enabled = a.cfg.Telemetry.Enabled
	if a.cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = a.cfg.Telemetry.OTLPEndpoint
	}
	if a.cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = a.cfg.Telemetry.ServiceName
	}
	telemetryCfg.Environment = string(a.cfg.Environment)
	telemetryCfg.OTLPInsecure = a.cfg.Telemetry.OTLPInsecure
	telemetryCfg.EnableMetrics = a.cfg.Telemetry.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	a.metrics = telemetry.NewMetrics(provider.Meter("arbiter"))
	if provider.Enabled() {
		a.logger.Info("telemetry initialized",
			observability.F("endpoint", telemetryCfg.OTLPEndpoint),
			observability.F("service", telemetryCfg.ServiceName))
	}
	return provider, nil
}
