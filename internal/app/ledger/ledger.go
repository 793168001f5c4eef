// Package ledger is the authoritative record of which strategy owns which ticker.
//
// Mutations delegate to an ownershipstore.Store that performs each read-verify-write in a
// single transaction. Reads are never cached; transport failures on reads are retried with
// bounded exponential backoff, while write failures surface immediately.
package ledger

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/arbiter/errs"
	"github.com/coachpo/arbiter/internal/clock"
	"github.com/coachpo/arbiter/internal/domain/ownershipstore"
	"github.com/coachpo/arbiter/internal/observability"
)

const maxTickerLength = 32

// Options bounds lock durations and read retries.
type Options struct {
	DefaultLock         time.Duration
	MinLock             time.Duration
	MaxLock             time.Duration
	ReadRetries         int
	ReadRetryMaxElapsed time.Duration
	Clock               clock.Clock
	Logger              observability.Logger
}

func (o *Options) applyDefaults() {
	if o.DefaultLock <= 0 {
		o.DefaultLock = 60 * time.Second
	}
	if o.MinLock <= 0 {
		o.MinLock = time.Second
	}
	if o.MaxLock <= 0 {
		o.MaxLock = 15 * time.Minute
	}
	if o.MaxLock < o.MinLock {
		o.MaxLock = o.MinLock
	}
	if o.ReadRetries <= 0 {
		o.ReadRetries = 3
	}
	if o.ReadRetryMaxElapsed <= 0 {
		o.ReadRetryMaxElapsed = 2 * time.Second
	}
	o.Clock = clock.OrSystem(o.Clock)
	o.Logger = observability.OrNop(o.Logger)
}

// Ledger wraps an ownership store with ticker normalisation, lock clamping and read retries.
type Ledger struct {
	store ownershipstore.Store
	opts  Options
}

// New constructs a Ledger.
func New(store ownershipstore.Store, opts Options) *Ledger {
	opts.applyDefaults()
	return &Ledger{store: store, opts: opts}
}

// NormalizeTicker trims and uppercases ticker, rejecting empty or whitespace-bearing symbols.
func NormalizeTicker(ticker string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(ticker))
	if trimmed == "" {
		return "", errs.Invalid("ledger.ticker", "ticker required")
	}
	if len(trimmed) > maxTickerLength {
		return "", errs.New("ledger.ticker", errs.CodeInvalid,
			errs.WithMessage("ticker too long"), errs.WithField("ticker", trimmed))
	}
	if strings.IndexFunc(trimmed, unicode.IsSpace) >= 0 {
		return "", errs.New("ledger.ticker", errs.CodeInvalid,
			errs.WithMessage("ticker must not contain whitespace"), errs.WithField("ticker", trimmed))
	}
	return trimmed, nil
}

// Now is the ledger's notion of the current instant.
func (l *Ledger) Now() time.Time {
	return l.opts.Clock.Now()
}

// LockDuration resolves a requested duration: zero or negative means the default, and
// the result is clamped to the configured bounds.
func (l *Ledger) LockDuration(requested time.Duration) time.Duration {
	if requested <= 0 {
		requested = l.opts.DefaultLock
	}
	if requested < l.opts.MinLock {
		return l.opts.MinLock
	}
	if requested > l.opts.MaxLock {
		return l.opts.MaxLock
	}
	return requested
}

// GetPrimaryOwner returns the ticker's primary claim, or nil when unowned.
func (l *Ledger) GetPrimaryOwner(ctx context.Context, ticker string) (*ownershipstore.Ownership, error) {
	symbol, err := NormalizeTicker(ticker)
	if err != nil {
		return nil, err
	}
	return retryRead(ctx, l, "get_primary_owner", func() (*ownershipstore.Ownership, error) {
		return l.store.GetPrimary(ctx, symbol)
	})
}

// IsLocked reports whether ticker has an active primary owner with a live lock.
func (l *Ledger) IsLocked(ctx context.Context, ticker string) (bool, error) {
	current, err := l.GetPrimaryOwner(ctx, ticker)
	if err != nil {
		return false, err
	}
	return current != nil && current.HeldAt(l.Now()), nil
}

// AcquirePrimary takes the ticker for strategyID. Fails with CodeOwnershipConflict when a
// different strategy holds a live lock.
func (l *Ledger) AcquirePrimary(ctx context.Context, ticker, strategyID string, lockDuration time.Duration) (ownershipstore.AcquireResult, error) {
	symbol, err := NormalizeTicker(ticker)
	if err != nil {
		return ownershipstore.AcquireResult{}, err
	}
	now := l.Now()
	return l.store.AcquirePrimary(ctx, symbol, strategyID, now, now.Add(l.LockDuration(lockDuration)))
}

// TransferOwnership moves the primary claim from fromID to toID. Fails with
// CodeStaleOwnership when fromID no longer owns the ticker.
func (l *Ledger) TransferOwnership(ctx context.Context, ticker, fromID, toID string, lockDuration time.Duration) (ownershipstore.Ownership, error) {
	symbol, err := NormalizeTicker(ticker)
	if err != nil {
		return ownershipstore.Ownership{}, err
	}
	now := l.Now()
	return l.store.TransferPrimary(ctx, symbol, fromID, toID, now, now.Add(l.LockDuration(lockDuration)))
}

// Release drops strategyID's claims on ticker. Releasing an unowned ticker is a no-op.
func (l *Ledger) Release(ctx context.Context, ticker, strategyID string) (int, error) {
	symbol, err := NormalizeTicker(ticker)
	if err != nil {
		return 0, err
	}
	return l.store.Release(ctx, symbol, strategyID)
}

// ReleaseAllForStrategy clears every lock strategyID holds.
func (l *Ledger) ReleaseAllForStrategy(ctx context.Context, strategyID string) (int, error) {
	released, err := l.store.ReleaseAllForStrategy(ctx, strategyID, l.Now())
	if err != nil {
		return 0, err
	}
	if released > 0 {
		l.opts.Logger.Info("released strategy claims",
			observability.F("strategy_id", strategyID),
			observability.F("released", released))
	}
	return released, nil
}

// RegisterSecondary records advisory interest. Secondary claims never block anyone.
func (l *Ledger) RegisterSecondary(ctx context.Context, ticker, strategyID string) (ownershipstore.Ownership, error) {
	symbol, err := NormalizeTicker(ticker)
	if err != nil {
		return ownershipstore.Ownership{}, err
	}
	return l.store.UpsertSecondary(ctx, symbol, strategyID, l.Now())
}

// List returns claims matching query. LockedOnly is evaluated at the ledger's clock when
// query.Now is zero.
func (l *Ledger) List(ctx context.Context, query ownershipstore.Query) ([]ownershipstore.Ownership, error) {
	if query.Now.IsZero() {
		query.Now = l.Now()
	}
	return retryRead(ctx, l, "list", func() ([]ownershipstore.Ownership, error) {
		return l.store.List(ctx, query)
	})
}

// CountExpired reports primary claims whose lock has lapsed or been cleared.
func (l *Ledger) CountExpired(ctx context.Context) (int, error) {
	now := l.Now()
	return retryRead(ctx, l, "count_expired", func() (int, error) {
		return l.store.CountExpired(ctx, now)
	})
}

func retryRead[T any](ctx context.Context, l *Ledger, name string, read func() (T, error)) (T, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 25 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		value, err := read()
		if err == nil {
			return value, nil
		}
		if !errs.Retryable(err) {
			return value, backoff.Permanent(err)
		}
		l.opts.Logger.Warn("ledger read failed",
			observability.F("read", name),
			observability.F("attempt", attempt),
			observability.F("error", err))
		return value, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(l.opts.ReadRetries)),
		backoff.WithMaxElapsedTime(l.opts.ReadRetryMaxElapsed),
	)
}
