// Package arbiter decides, for each order intent, whether a strategy may act on a ticker.
package arbiter

import (
	"context"
	"fmt"
	"time"

	"github.com/coachpo/arbiter/errs"
	"github.com/coachpo/arbiter/internal/app/ledger"
	"github.com/coachpo/arbiter/internal/domain/conflictstore"
	"github.com/coachpo/arbiter/internal/domain/ownershipstore"
	"github.com/coachpo/arbiter/internal/domain/strategystore"
	"github.com/coachpo/arbiter/internal/infra/telemetry"
	"github.com/coachpo/arbiter/internal/observability"
)

// Outcome is the result of a conflict check.
type Outcome string

const (
	// OutcomeNoConflict means the requester now holds the primary claim.
	OutcomeNoConflict Outcome = "no_conflict"
	// OutcomeBlocked means the requester must not act; the owner is unchanged.
	OutcomeBlocked Outcome = "blocked"
	// OutcomeOverridden means the requester preempted a lower-priority owner.
	OutcomeOverridden Outcome = "overridden"
)

// Request is an order intent awaiting arbitration.
type Request struct {
	Strategy     string
	Ticker       string
	LockDuration time.Duration
}

// Decision is returned to the caller before it submits an order.
type Decision struct {
	Outcome       Outcome    `json:"outcome"`
	Ticker        string     `json:"ticker"`
	Owner         string     `json:"owner"`
	PreviousOwner string     `json:"previousOwner,omitempty"`
	Reasoning     string     `json:"reasoning"`
	LockedUntil   *time.Time `json:"lockedUntil,omitempty"`
}

// Allowed reports whether the requester may proceed with its order.
func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeNoConflict || d.Outcome == OutcomeOverridden
}

// Registry resolves strategies by name and id.
type Registry interface {
	GetByName(ctx context.Context, name string) (strategystore.Strategy, error)
	GetByID(ctx context.Context, id string) (strategystore.Strategy, error)
}

// Ledger is the subset of the ownership ledger used for decisions.
type Ledger interface {
	Now() time.Time
	GetPrimaryOwner(ctx context.Context, ticker string) (*ownershipstore.Ownership, error)
	AcquirePrimary(ctx context.Context, ticker, strategyID string, lockDuration time.Duration) (ownershipstore.AcquireResult, error)
	TransferOwnership(ctx context.Context, ticker, fromID, toID string, lockDuration time.Duration) (ownershipstore.Ownership, error)
}

// Recorder receives contention events for the audit trail.
type Recorder interface {
	Record(ctx context.Context, entry conflictstore.Entry)
}

// Options tunes the arbiter.
type Options struct {
	// DecisionAttempts bounds full re-runs after a transfer loses a race.
	DecisionAttempts int
	Logger           observability.Logger
	Metrics          *telemetry.Metrics
}

// Arbiter runs the priority-based decision procedure.
type Arbiter struct {
	registry Registry
	ledger   Ledger
	recorder Recorder
	attempts int
	logger   observability.Logger
	metrics  *telemetry.Metrics
}

// New constructs an Arbiter. A nil recorder disables auditing.
func New(registry Registry, ledger Ledger, recorder Recorder, opts Options) *Arbiter {
	attempts := opts.DecisionAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &Arbiter{
		registry: registry,
		ledger:   ledger,
		recorder: recorder,
		attempts: attempts,
		logger:   observability.OrNop(opts.Logger),
		metrics:  opts.Metrics,
	}
}

// CheckAndAcquire arbitrates req and applies the outcome to the ledger.
//
// An OwnershipConflict from the acquire step reruns the decision once. A StaleOwnership
// from the transfer step reruns the whole decision up to the configured attempts. Any
// other failure fails the decision; callers must not trade on an error.
func (a *Arbiter) CheckAndAcquire(ctx context.Context, req Request) (Decision, error) {
	const op = "arbiter.check_and_acquire"
	started := time.Now()

	ticker, err := ledger.NormalizeTicker(req.Ticker)
	if err != nil {
		return Decision{}, err
	}
	requester, err := a.registry.GetByName(ctx, req.Strategy)
	if err != nil {
		return Decision{}, err
	}
	if !requester.Active {
		return Decision{}, errs.New(op, errs.CodeInvalid,
			errs.WithMessage("strategy is inactive"),
			errs.WithRemediation("activate the strategy before requesting ownership"),
			errs.WithField("strategy", requester.Name))
	}

	conflictRetried := false
	for attempt := 1; ; attempt++ {
		decision, err := a.decide(ctx, requester, ticker, req.LockDuration)
		switch {
		case err == nil:
			a.metrics.RecordDecision(ctx, requester.Name, string(decision.Outcome), time.Since(started))
			a.logger.Debug("ownership decision",
				observability.F("strategy", requester.Name),
				observability.F("ticker", ticker),
				observability.F("outcome", string(decision.Outcome)),
				observability.F("owner", decision.Owner))
			return decision, nil
		case errs.Is(err, errs.CodeOwnershipConflict) && !conflictRetried:
			conflictRetried = true
		case errs.Is(err, errs.CodeStaleOwnership) && attempt < a.attempts:
		default:
			a.metrics.RecordDecision(ctx, requester.Name, "error", time.Since(started))
			return Decision{}, err
		}
		a.logger.Debug("ownership changed during decision; rerunning",
			observability.F("strategy", requester.Name),
			observability.F("ticker", ticker),
			observability.F("attempt", attempt),
			observability.F("error", err))
	}
}

func (a *Arbiter) decide(ctx context.Context, requester strategystore.Strategy, ticker string, lock time.Duration) (Decision, error) {
	owner, err := a.ledger.GetPrimaryOwner(ctx, ticker)
	if err != nil {
		return Decision{}, err
	}

	if owner == nil {
		return a.acquire(ctx, requester, ticker, lock)
	}
	if owner.StrategyID == requester.ID {
		res, err := a.ledger.AcquirePrimary(ctx, ticker, requester.ID, lock)
		if err != nil {
			return Decision{}, err
		}
		return Decision{
			Outcome:     OutcomeNoConflict,
			Ticker:      ticker,
			Owner:       requester.Name,
			Reasoning:   "re-entrant request; lock refreshed",
			LockedUntil: res.Ownership.LockedUntil,
		}, nil
	}
	if !owner.HeldAt(a.ledger.Now()) {
		return a.acquire(ctx, requester, ticker, lock)
	}

	incumbent, err := a.registry.GetByID(ctx, owner.StrategyID)
	if err != nil {
		return Decision{}, err
	}
	if requester.Priority > incumbent.Priority {
		moved, err := a.ledger.TransferOwnership(ctx, ticker, incumbent.ID, requester.ID, lock)
		if err != nil {
			return Decision{}, err
		}
		reasoning := fmt.Sprintf("preempted by higher-priority strategy %s (%d > %d)",
			requester.Name, requester.Priority, incumbent.Priority)
		a.record(ctx, ticker, requester, &incumbent, conflictstore.ResolutionOverride, reasoning)
		a.logger.Info("ownership overridden",
			observability.F("ticker", ticker),
			observability.F("strategy", requester.Name),
			observability.F("previous_owner", incumbent.Name))
		return Decision{
			Outcome:       OutcomeOverridden,
			Ticker:        ticker,
			Owner:         requester.Name,
			PreviousOwner: incumbent.Name,
			Reasoning:     reasoning,
			LockedUntil:   moved.LockedUntil,
		}, nil
	}

	reasoning := fmt.Sprintf("blocked by higher/equal-priority owner %s (%d <= %d)",
		incumbent.Name, requester.Priority, incumbent.Priority)
	a.record(ctx, ticker, requester, &incumbent, conflictstore.ResolutionBlocked, reasoning)
	return Decision{
		Outcome:     OutcomeBlocked,
		Ticker:      ticker,
		Owner:       incumbent.Name,
		Reasoning:   reasoning,
		LockedUntil: owner.LockedUntil,
	}, nil
}

// acquire takes a free or stale ticker. A claim is stale when its lock lapsed or its
// strategy was deactivated. Replacing a stale owner is audited as allowed; a first-time
// acquisition is not.
func (a *Arbiter) acquire(ctx context.Context, requester strategystore.Strategy, ticker string, lock time.Duration) (Decision, error) {
	res, err := a.ledger.AcquirePrimary(ctx, ticker, requester.ID, lock)
	if err != nil {
		return Decision{}, err
	}
	decision := Decision{
		Outcome:     OutcomeNoConflict,
		Ticker:      ticker,
		Owner:       requester.Name,
		Reasoning:   "ticker unowned; primary ownership acquired",
		LockedUntil: res.Ownership.LockedUntil,
	}
	switch {
	case res.Refreshed:
		decision.Reasoning = "re-entrant request; lock refreshed"
	case res.Previous != nil:
		stale := strategystore.Strategy{ID: res.Previous.StrategyID, Name: res.Previous.StrategyName}
		if resolved, err := a.registry.GetByID(ctx, res.Previous.StrategyID); err == nil {
			stale = resolved
		}
		decision.PreviousOwner = stale.Name
		decision.Reasoning = fmt.Sprintf("lock held by %s expired; ownership replaced", stale.Name)
		if !res.Previous.StrategyActive && res.Previous.LockedAt(a.ledger.Now()) {
			decision.Reasoning = fmt.Sprintf("owner %s is inactive; ownership replaced", stale.Name)
		}
		a.record(ctx, ticker, requester, &stale, conflictstore.ResolutionAllowed, decision.Reasoning)
	}
	return decision, nil
}

func (a *Arbiter) record(ctx context.Context, ticker string, requester strategystore.Strategy, conflicting *strategystore.Strategy, resolution conflictstore.Resolution, reasoning string) {
	if a.recorder == nil {
		return
	}
	entry := conflictstore.Entry{
		Ticker:                 ticker,
		RequestingStrategyID:   requester.ID,
		RequestingStrategyName: requester.Name,
		RequestingPriority:     requester.Priority,
		Resolution:             resolution,
		Reasoning:              reasoning,
	}
	if conflicting != nil {
		entry.ConflictingStrategyID = conflicting.ID
		entry.ConflictingStrategyName = conflicting.Name
		entry.ConflictingPriority = conflicting.Priority
	}
	a.recorder.Record(ctx, entry)
}
