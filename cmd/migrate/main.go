// Command migrate applies or rolls back the arbiter schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coachpo/arbiter/internal/infra/persistence/migrations"
	"github.com/coachpo/arbiter/internal/observability"
)

const (
	dsnEnv         = "ARBITER_DATABASE_DSN"
	defaultTimeout = 30 * time.Second
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var (
		dsn     = fs.String("database", os.Getenv(dsnEnv), "PostgreSQL DSN (default $"+dsnEnv+")")
		dir     = fs.String("path", "", "Directory containing SQL migrations (default: migrations embedded in the binary)")
		timeout = fs.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = fs.Bool("quiet", false, "Suppress informational logs")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if strings.TrimSpace(*dsn) == "" {
		return errors.New("-database flag or " + dsnEnv + " is required")
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return errors.New("command required (up|down)")
	}

	var logger *log.Logger
	if !*quiet {
		zl, err := observability.NewZap(observability.ZapConfig{Level: "info", Encoding: "console"})
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		defer func() { _ = zl.Sync() }()
		logger = zap.NewStdLog(zl.Named("migrate"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch rest[0] {
	case "up":
		return migrations.Apply(ctx, *dsn, *dir, logger)
	case "down":
		steps, err := downSteps(rest[1:])
		if err != nil {
			return err
		}
		return migrations.Rollback(ctx, *dsn, *dir, steps, logger)
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", rest[0])
	}
}

func downSteps(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid down steps %q: %w", args[0], err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("down steps must be positive, got %d", n)
	}
	return n, nil
}
