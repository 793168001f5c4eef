package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/arbiter/errs"
	"github.com/coachpo/arbiter/internal/domain/ownershipstore"
)

const (
	ownershipColumns = `o.id, o.ticker, o.strategy_id::text, s.name, s.is_active, o.ownership_type,
    o.locked_until, o.acquired_at, o.updated_at`

	ownershipFrom = ` FROM position_ownership o JOIN strategies s ON s.id = o.strategy_id`

	tickerLockSQL = `SELECT pg_advisory_xact_lock(hashtext($1))`

	primarySelectSQL = `SELECT ` + ownershipColumns + ownershipFrom + `
WHERE o.ticker = $1 AND o.ownership_type = 'primary'`

	primaryForUpdateSQL = primarySelectSQL + ` FOR UPDATE OF o`

	// FOR SHARE conflicts with the UPDATE issued by a deactivation, so a claim is either
	// written before the flag flips (and unlocked by the cascade) or refused.
	claimantActiveSQL = `SELECT is_active FROM strategies WHERE id = $1::uuid FOR SHARE`

	primaryInsertSQL = `
INSERT INTO position_ownership (ticker, strategy_id, ownership_type, locked_until, acquired_at, updated_at)
VALUES ($1, $2::uuid, 'primary', $3, $4, $4)
RETURNING id`

	primaryRefreshSQL = `
UPDATE position_ownership SET locked_until = $2, updated_at = $3
WHERE id = $1`

	primaryReassignSQL = `
UPDATE position_ownership
SET strategy_id = $2::uuid, locked_until = $3, acquired_at = $4, updated_at = $4
WHERE id = $1`

	secondaryUpsertSQL = `
INSERT INTO position_ownership (ticker, strategy_id, ownership_type, locked_until, acquired_at, updated_at)
VALUES ($1, $2::uuid, 'secondary', NULL, $3, $3)
ON CONFLICT (ticker, strategy_id) WHERE ownership_type = 'secondary'
DO UPDATE SET updated_at = EXCLUDED.updated_at
RETURNING id`

	ownershipByIDSQL = `SELECT ` + ownershipColumns + ownershipFrom + ` WHERE o.id = $1`

	releaseSQL = `DELETE FROM position_ownership WHERE ticker = $1 AND strategy_id = $2::uuid`

	unlockPrimarySQL = `
UPDATE position_ownership SET locked_until = NULL, updated_at = $2
WHERE strategy_id = $1::uuid AND ownership_type = 'primary' AND locked_until IS NOT NULL`

	dropSecondarySQL = `
DELETE FROM position_ownership WHERE strategy_id = $1::uuid AND ownership_type = 'secondary'`

	countExpiredSQL = `
SELECT count(*) FROM position_ownership
WHERE ownership_type = 'primary' AND (locked_until IS NULL OR locked_until <= $1)`

	defaultOwnershipLimit = 200
	maxOwnershipLimit     = 5000
)

// OwnershipStore persists ticker ownership claims. Every mutation runs in one transaction
// holding a ticker-scoped advisory lock and a row lock on the primary claim.
type OwnershipStore struct {
	pool *pgxpool.Pool
}

// NewOwnershipStore constructs an OwnershipStore backed by the provided pool.
func NewOwnershipStore(pool *pgxpool.Pool) *OwnershipStore {
	return &OwnershipStore{pool: pool}
}

var _ ownershipstore.Store = (*OwnershipStore)(nil)

func (s *OwnershipStore) ensurePool(op string) (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, errs.New(op, errs.CodeUnavailable, errs.WithMessage("ownership store: nil pool"))
	}
	return s.pool, nil
}

// withTransaction runs fn inside a read-committed transaction. Errors returned by fn are
// classified under op.
func (s *OwnershipStore) withTransaction(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	pool, err := s.ensurePool(op)
	if err != nil {
		return err
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return classify(op, fmt.Errorf("begin tx: %w", err))
	}
	if runErr := fn(tx); runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return classify(op, fmt.Errorf("rollback tx: %w (original error: %v)", rbErr, runErr))
		}
		return classify(op, runErr)
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return classify(op, fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

func requireActive(ctx context.Context, tx pgx.Tx, op, strategyID string) error {
	var active bool
	err := tx.QueryRow(ctx, claimantActiveSQL, strategyID).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.New(op, errs.CodeNotFound,
			errs.WithMessage("referenced strategy does not exist"),
			errs.WithField("strategy_id", strategyID))
	}
	if err != nil {
		return fmt.Errorf("check claimant: %w", err)
	}
	if !active {
		return errs.New(op, errs.CodeInvalid,
			errs.WithMessage("strategy is inactive"),
			errs.WithField("strategy_id", strategyID))
	}
	return nil
}

func lockTicker(ctx context.Context, tx pgx.Tx, ticker string) (*ownershipstore.Ownership, error) {
	if _, err := tx.Exec(ctx, tickerLockSQL, ticker); err != nil {
		return nil, fmt.Errorf("advisory lock: %w", err)
	}
	current, err := scanOwnership(tx.QueryRow(ctx, primaryForUpdateSQL, ticker))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select primary: %w", err)
	}
	return &current, nil
}

// GetPrimary returns the primary claim for ticker, or nil when unowned.
func (s *OwnershipStore) GetPrimary(ctx context.Context, ticker string) (*ownershipstore.Ownership, error) {
	const op = "ownership_store.get_primary"
	pool, err := s.ensurePool(op)
	if err != nil {
		return nil, err
	}
	current, err := scanOwnership(pool.QueryRow(ctx, primarySelectSQL, ticker))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return &current, nil
}

// AcquirePrimary takes the ticker when it is free, already held by strategyID, or held by
// a claim whose lock has lapsed or whose strategy is inactive.
func (s *OwnershipStore) AcquirePrimary(ctx context.Context, ticker, strategyID string, now, lockedUntil time.Time) (ownershipstore.AcquireResult, error) {
	const op = "ownership_store.acquire_primary"
	var result ownershipstore.AcquireResult
	err := s.withTransaction(ctx, op, func(tx pgx.Tx) error {
		current, err := lockTicker(ctx, tx, ticker)
		if err != nil {
			return err
		}
		if err := requireActive(ctx, tx, op, strategyID); err != nil {
			return err
		}
		var id int64
		switch {
		case current == nil:
			if err := tx.QueryRow(ctx, primaryInsertSQL, ticker, strategyID, lockedUntil, now).Scan(&id); err != nil {
				return fmt.Errorf("insert primary: %w", err)
			}
		case current.StrategyID == strategyID:
			id = current.ID
			result.Refreshed = true
			if _, err := tx.Exec(ctx, primaryRefreshSQL, id, lockedUntil, now); err != nil {
				return fmt.Errorf("refresh primary: %w", err)
			}
		case current.HeldAt(now):
			return errs.New(op, errs.CodeOwnershipConflict,
				errs.WithMessage("ticker held by a live owner"),
				errs.WithField("ticker", ticker),
				errs.WithField("owner", current.StrategyName))
		default:
			id = current.ID
			previous := *current
			result.Previous = &previous
			if _, err := tx.Exec(ctx, primaryReassignSQL, id, strategyID, lockedUntil, now); err != nil {
				return fmt.Errorf("replace stale primary: %w", err)
			}
		}
		owned, err := scanOwnership(tx.QueryRow(ctx, ownershipByIDSQL, id))
		if err != nil {
			return fmt.Errorf("reload primary: %w", err)
		}
		result.Ownership = owned
		return nil
	})
	if err != nil {
		return ownershipstore.AcquireResult{}, err
	}
	return result, nil
}

// TransferPrimary moves the claim from fromID to toID after re-verifying the owner under
// the row lock.
func (s *OwnershipStore) TransferPrimary(ctx context.Context, ticker, fromID, toID string, now, lockedUntil time.Time) (ownershipstore.Ownership, error) {
	const op = "ownership_store.transfer_primary"
	var transferred ownershipstore.Ownership
	err := s.withTransaction(ctx, op, func(tx pgx.Tx) error {
		current, err := lockTicker(ctx, tx, ticker)
		if err != nil {
			return err
		}
		if current == nil || current.StrategyID != fromID {
			return errs.New(op, errs.CodeStaleOwnership,
				errs.WithMessage("owner changed before transfer"),
				errs.WithField("ticker", ticker))
		}
		if err := requireActive(ctx, tx, op, toID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, primaryReassignSQL, current.ID, toID, lockedUntil, now); err != nil {
			return fmt.Errorf("transfer primary: %w", err)
		}
		transferred, err = scanOwnership(tx.QueryRow(ctx, ownershipByIDSQL, current.ID))
		if err != nil {
			return fmt.Errorf("reload primary: %w", err)
		}
		return nil
	})
	if err != nil {
		return ownershipstore.Ownership{}, err
	}
	return transferred, nil
}

// UpsertSecondary records advisory interest in ticker.
func (s *OwnershipStore) UpsertSecondary(ctx context.Context, ticker, strategyID string, now time.Time) (ownershipstore.Ownership, error) {
	const op = "ownership_store.upsert_secondary"
	var claim ownershipstore.Ownership
	err := s.withTransaction(ctx, op, func(tx pgx.Tx) error {
		var id int64
		if err := tx.QueryRow(ctx, secondaryUpsertSQL, ticker, strategyID, now).Scan(&id); err != nil {
			return fmt.Errorf("upsert secondary: %w", err)
		}
		var err error
		claim, err = scanOwnership(tx.QueryRow(ctx, ownershipByIDSQL, id))
		return err
	})
	if err != nil {
		return ownershipstore.Ownership{}, err
	}
	return claim, nil
}

// Release deletes strategyID's claims on ticker. Releasing nothing is not an error.
func (s *OwnershipStore) Release(ctx context.Context, ticker, strategyID string) (int, error) {
	const op = "ownership_store.release"
	var released int
	err := s.withTransaction(ctx, op, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, tickerLockSQL, ticker); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}
		tag, err := tx.Exec(ctx, releaseSQL, ticker, strategyID)
		if err != nil {
			return fmt.Errorf("delete claims: %w", err)
		}
		released = int(tag.RowsAffected())
		return nil
	})
	return released, err
}

// ReleaseAllForStrategy unlocks every primary claim held by strategyID and drops its
// secondary claims. Unlocked primaries stay in place so the next requester replaces them.
func (s *OwnershipStore) ReleaseAllForStrategy(ctx context.Context, strategyID string, now time.Time) (int, error) {
	const op = "ownership_store.release_all"
	var released int
	err := s.withTransaction(ctx, op, func(tx pgx.Tx) error {
		unlocked, err := tx.Exec(ctx, unlockPrimarySQL, strategyID, now)
		if err != nil {
			return fmt.Errorf("unlock primaries: %w", err)
		}
		dropped, err := tx.Exec(ctx, dropSecondarySQL, strategyID)
		if err != nil {
			return fmt.Errorf("drop secondaries: %w", err)
		}
		released = int(unlocked.RowsAffected() + dropped.RowsAffected())
		return nil
	})
	return released, err
}

// List returns claims matching query, primaries first then by ticker.
func (s *OwnershipStore) List(ctx context.Context, query ownershipstore.Query) ([]ownershipstore.Ownership, error) {
	const op = "ownership_store.list"
	pool, err := s.ensurePool(op)
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultOwnershipLimit, maxOwnershipLimit)

	builder := strings.Builder{}
	builder.WriteString(`SELECT ` + ownershipColumns + ownershipFrom)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 5)
	argPos := 1
	if trimmed := strings.TrimSpace(query.Ticker); trimmed != "" {
		fmt.Fprintf(&builder, " AND o.ticker = $%d", argPos)
		args = append(args, strings.ToUpper(trimmed))
		argPos++
	}
	if trimmed := strings.TrimSpace(query.StrategyID); trimmed != "" {
		fmt.Fprintf(&builder, " AND o.strategy_id = $%d::uuid", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if query.Type != "" {
		fmt.Fprintf(&builder, " AND o.ownership_type = $%d", argPos)
		args = append(args, string(query.Type))
		argPos++
	}
	if query.LockedOnly {
		fmt.Fprintf(&builder, " AND o.locked_until > $%d", argPos)
		args = append(args, query.Now)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY o.ownership_type ASC, o.ticker ASC, s.name ASC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []ownershipstore.Ownership
	for rows.Next() {
		claim, err := scanOwnership(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, claim)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

// CountExpired reports primary claims whose lock is null or lapsed.
func (s *OwnershipStore) CountExpired(ctx context.Context, now time.Time) (int, error) {
	const op = "ownership_store.count_expired"
	pool, err := s.ensurePool(op)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := pool.QueryRow(ctx, countExpiredSQL, now).Scan(&count); err != nil {
		return 0, classify(op, err)
	}
	return int(count), nil
}

func scanOwnership(row pgx.Row) (ownershipstore.Ownership, error) {
	var (
		claim       ownershipstore.Ownership
		kind        string
		lockedUntil *time.Time
	)
	if err := row.Scan(
		&claim.ID,
		&claim.Ticker,
		&claim.StrategyID,
		&claim.StrategyName,
		&claim.StrategyActive,
		&kind,
		&lockedUntil,
		&claim.AcquiredAt,
		&claim.UpdatedAt,
	); err != nil {
		return ownershipstore.Ownership{}, err
	}
	claim.Type = ownershipstore.Type(kind)
	if lockedUntil != nil {
		utc := lockedUntil.UTC()
		claim.LockedUntil = &utc
	}
	return claim, nil
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}
