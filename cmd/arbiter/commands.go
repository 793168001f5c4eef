package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/arbiter/internal/app/engine"
	"github.com/coachpo/arbiter/internal/domain/ownershipstore"
	"github.com/coachpo/arbiter/internal/observability"
)

type command struct {
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"serve":      {"run the audit flusher and scheduled jobs until interrupted", serve},
	"seed":       {"create configured strategies that do not exist yet", seed},
	"strategies": {"list registered strategies", listStrategies},
	"check":      {"arbitrate an order intent: -strategy -ticker [-lock seconds]", check},
	"release":    {"release a strategy's claim on a ticker: -strategy -ticker", release},
	"secondary":  {"record advisory interest: -strategy -ticker", secondary},
	"activate":   {"re-enable a strategy: -strategy", activate},
	"deactivate": {"disable a strategy and release its claims: -strategy", deactivate},
	"priority":   {"change a strategy's priority: -strategy -value", priority},
	"owners":     {"list ownership claims: [-ticker] [-strategy] [-locked] [-type]", owners},
	"conflicts":  {"list recent conflicts: [-limit]", conflicts},
	"stats":      {"conflict counts: [-by ticker|strategy] [-days n] [-window d]", stats},
	"breaker":    {"run one circuit breaker pass", runBreaker},
	"prune":      {"delete conflict log rows past retention", prune},
}

func newFlags(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

func required(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("-%s flag is required", name)
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serve(ctx context.Context, a *app, args []string) error {
	if err := newFlags("serve", a.out).Parse(args); err != nil {
		return err
	}
	provider, err := a.initTelemetry(ctx)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("telemetry shutdown failed", observability.F("error", err))
		}
	}()

	return a.withEngine(ctx, func(e *engine.Engine) error {
		if err := e.Start(); err != nil {
			return err
		}
		a.logger.Info("arbiter started; awaiting shutdown signal",
			observability.F("environment", string(a.cfg.Environment)),
			observability.F("driver", a.cfg.Database.Driver),
			observability.F("breaker", a.cfg.Breaker.Enabled),
			observability.F("retention", a.cfg.Retention.Enabled))
		<-ctx.Done()
		a.logger.Info("shutdown signal received, flushing conflict log")
		return nil
	})
}

func seed(ctx context.Context, a *app, args []string) error {
	if err := newFlags("seed", a.out).Parse(args); err != nil {
		return err
	}
	e, err := a.openEngine(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close(context.Background()) }()
	created, err := e.Seed(ctx, a.cfg.Strategies)
	if err != nil {
		return err
	}
	return printJSON(a.out, map[string]int{"created": created, "configured": len(a.cfg.Strategies)})
}

func listStrategies(ctx context.Context, a *app, args []string) error {
	if err := newFlags("strategies", a.out).Parse(args); err != nil {
		return err
	}
	return a.withEngine(ctx, func(e *engine.Engine) error {
		strategies, err := e.Strategies(ctx)
		if err != nil {
			return err
		}
		return printJSON(a.out, strategies)
	})
}

func check(ctx context.Context, a *app, args []string) error {
	fs := newFlags("check", a.out)
	strategy := fs.String("strategy", "", "Requesting strategy name")
	ticker := fs.String("ticker", "", "Ticker symbol")
	lock := fs.Int("lock", 0, "Lock duration in seconds (0 uses the configured default)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := errors.Join(required("strategy", *strategy), required("ticker", *ticker)); err != nil {
		return err
	}
	return a.withEngine(ctx, func(e *engine.Engine) error {
		decision, err := e.CheckAndAcquire(ctx, *strategy, *ticker, *lock)
		if err != nil {
			return err
		}
		return printJSON(a.out, decision)
	})
}

func release(ctx context.Context, a *app, args []string) error {
	fs := newFlags("release", a.out)
	strategy := fs.String("strategy", "", "Owning strategy name")
	ticker := fs.String("ticker", "", "Ticker symbol")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := errors.Join(required("strategy", *strategy), required("ticker", *ticker)); err != nil {
		return err
	}
	return a.withEngine(ctx, func(e *engine.Engine) error {
		if err := e.Release(ctx, *strategy, *ticker); err != nil {
			return err
		}
		return printJSON(a.out, map[string]string{"released": strings.ToUpper(strings.TrimSpace(*ticker))})
	})
}

func secondary(ctx context.Context, a *app, args []string) error {
	fs := newFlags("secondary", a.out)
	strategy := fs.String("strategy", "", "Strategy name")
	ticker := fs.String("ticker", "", "Ticker symbol")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := errors.Join(required("strategy", *strategy), required("ticker", *ticker)); err != nil {
		return err
	}
	return a.withEngine(ctx, func(e *engine.Engine) error {
		claim, err := e.RegisterSecondary(ctx, *strategy, *ticker)
		if err != nil {
			return err
		}
		return printJSON(a.out, claim)
	})
}

func activate(ctx context.Context, a *app, args []string) error {
	fs := newFlags("activate", a.out)
	strategy := fs.String("strategy", "", "Strategy name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("strategy", *strategy); err != nil {
		return err
	}
	return a.withEngine(ctx, func(e *engine.Engine) error {
		if err := e.Activate(ctx, *strategy); err != nil {
			return err
		}
		return printJSON(a.out, map[string]any{"strategy": *strategy, "active": true})
	})
}

func deactivate(ctx context.Context, a *app, args []string) error {
	fs := newFlags("deactivate", a.out)
	strategy := fs.String("strategy", "", "Strategy name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("strategy", *strategy); err != nil {
		return err
	}
	return a.withEngine(ctx, func(e *engine.Engine) error {
		released, err := e.Deactivate(ctx, *strategy)
		if err != nil {
			return err
		}
		return printJSON(a.out, map[string]any{"strategy": *strategy, "active": false, "released": released})
	})
}

func priority(ctx context.Context, a *app, args []string) error {
	fs := newFlags("priority", a.out)
	strategy := fs.String("strategy", "", "Strategy name")
	value := fs.Int("value", -1, "New priority (0-1000)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("strategy", *strategy); err != nil {
		return err
	}
	return a.withEngine(ctx, func(e *engine.Engine) error {
		updated, err := e.UpdatePriority(ctx, *strategy, *value)
		if err != nil {
			return err
		}
		return printJSON(a.out, updated)
	})
}

func owners(ctx context.Context, a *app, args []string) error {
	fs := newFlags("owners", a.out)
	ticker := fs.String("ticker", "", "Filter by ticker")
	strategy := fs.String("strategy", "", "Filter by strategy name")
	locked := fs.Bool("locked", false, "Only primary claims with a live lock")
	kind := fs.String("type", "", "Filter by claim type (primary|secondary)")
	limit := fs.Int("limit", 0, "Maximum rows")
	if err := fs.Parse(args); err != nil {
		return err
	}
	claimType := ownershipstore.Type(strings.ToLower(strings.TrimSpace(*kind)))
	switch claimType {
	case "", ownershipstore.TypePrimary, ownershipstore.TypeSecondary:
	default:
		return fmt.Errorf("-type must be primary or secondary, got %q", *kind)
	}
	return a.withEngine(ctx, func(e *engine.Engine) error {
		claims, err := e.Ownerships(ctx, engine.OwnershipFilter{
			Ticker:     *ticker,
			Strategy:   *strategy,
			Type:       claimType,
			LockedOnly: *locked,
			Limit:      *limit,
		})
		if err != nil {
			return err
		}
		expired, err := e.ExpiredClaims(ctx)
		if err != nil {
			return err
		}
		return printJSON(a.out, map[string]any{"claims": claims, "expired": expired})
	})
}

func conflicts(ctx context.Context, a *app, args []string) error {
	fs := newFlags("conflicts", a.out)
	limit := fs.Int("limit", 50, "Maximum rows")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return a.withEngine(ctx, func(e *engine.Engine) error {
		rows, err := e.RecentConflicts(ctx, *limit)
		if err != nil {
			return err
		}
		return printJSON(a.out, rows)
	})
}

func stats(ctx context.Context, a *app, args []string) error {
	fs := newFlags("stats", a.out)
	by := fs.String("by", "ticker", "Group by ticker or strategy")
	days := fs.Int("days", 1, "Window in days when grouping by ticker")
	window := fs.Duration("window", time.Hour, "Window when grouping by strategy")
	if err := fs.Parse(args); err != nil {
		return err
	}
	switch *by {
	case "ticker", "strategy":
	default:
		return fmt.Errorf("-by must be ticker or strategy, got %q", *by)
	}
	return a.withEngine(ctx, func(e *engine.Engine) error {
		if *by == "strategy" {
			rows, err := e.ConflictCountsByStrategy(ctx, *window)
			if err != nil {
				return err
			}
			return printJSON(a.out, rows)
		}
		rows, err := e.ConflictCountsByTicker(ctx, *days)
		if err != nil {
			return err
		}
		return printJSON(a.out, rows)
	})
}

func runBreaker(ctx context.Context, a *app, args []string) error {
	if err := newFlags("breaker", a.out).Parse(args); err != nil {
		return err
	}
	return a.withEngine(ctx, func(e *engine.Engine) error {
		trips, err := e.EvaluateBreaker(ctx)
		if err != nil {
			return err
		}
		return printJSON(a.out, map[string]any{"tripped": trips})
	})
}

func prune(ctx context.Context, a *app, args []string) error {
	if err := newFlags("prune", a.out).Parse(args); err != nil {
		return err
	}
	return a.withEngine(ctx, func(e *engine.Engine) error {
		removed, err := e.PruneConflicts(ctx)
		if err != nil {
			return err
		}
		return printJSON(a.out, map[string]any{"removed": removed, "maxAge": a.cfg.Retention.MaxAge.String()})
	})
}
