package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/coachpo/arbiter/errs"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
	pgInvalidText         = "22P02"

	primaryOwnershipConstraint = "ux_position_ownership_primary"
)

// classify maps driver errors onto the errs taxonomy. Anything that is not a recognised
// constraint violation is treated as the database being unavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var envelope *errs.E
	if errors.As(err, &envelope) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.New(op, errs.CodeNotFound, errs.WithCause(err))
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			if pgErr.ConstraintName == primaryOwnershipConstraint {
				return errs.New(op, errs.CodeOwnershipConflict,
					errs.WithMessage("ticker already has a primary owner"),
					errs.WithCause(err))
			}
			return errs.New(op, errs.CodeAlreadyExists,
				errs.WithField("constraint", pgErr.ConstraintName),
				errs.WithCause(err))
		case pgForeignKeyViolation:
			return errs.New(op, errs.CodeNotFound,
				errs.WithMessage("referenced strategy does not exist"),
				errs.WithField("constraint", pgErr.ConstraintName),
				errs.WithCause(err))
		case pgCheckViolation, pgInvalidText:
			return errs.New(op, errs.CodeInvalid,
				errs.WithField("constraint", pgErr.ConstraintName),
				errs.WithCause(err))
		}
	}
	return errs.New(op, errs.CodeUnavailable,
		errs.WithRemediation("check database connectivity"),
		errs.WithCause(err))
}
