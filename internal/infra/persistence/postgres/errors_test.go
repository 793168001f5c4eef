package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/coachpo/arbiter/errs"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want errs.Code
	}{
		{"no rows", pgx.ErrNoRows, errs.CodeNotFound},
		{"duplicate name", &pgconn.PgError{Code: "23505", ConstraintName: "ux_strategies_name"}, errs.CodeAlreadyExists},
		{"primary taken", &pgconn.PgError{Code: "23505", ConstraintName: primaryOwnershipConstraint}, errs.CodeOwnershipConflict},
		{"foreign key", &pgconn.PgError{Code: "23503"}, errs.CodeNotFound},
		{"check", &pgconn.PgError{Code: "23514"}, errs.CodeInvalid},
		{"bad uuid", &pgconn.PgError{Code: "22P02"}, errs.CodeInvalid},
		{"serialization", &pgconn.PgError{Code: "40001"}, errs.CodeUnavailable},
		{"deadline", context.DeadlineExceeded, errs.CodeUnavailable},
		{"wrapped no rows", fmt.Errorf("scan: %w", pgx.ErrNoRows), errs.CodeNotFound},
		{"passthrough", errs.New("inner", errs.CodeStaleOwnership), errs.CodeStaleOwnership},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify("op", tc.err)
			if code := errs.CodeOf(got); code != tc.want {
				t.Fatalf("expected %s, got %s (%v)", tc.want, code, got)
			}
			if !errors.Is(got, tc.err) && errs.CodeOf(tc.err) == errs.CodeUnknown {
				t.Fatalf("cause lost: %v", got)
			}
		})
	}
	if classify("op", nil) != nil {
		t.Fatal("nil must stay nil")
	}
}
