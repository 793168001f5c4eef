// Package errs provides structured error types and helpers for the arbiter services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an arbitration error category.
type Code string

const (
	// CodeInvalid indicates malformed input such as a bad strategy name or an out-of-range priority.
	CodeInvalid Code = "invalid_argument"
	// CodeAlreadyExists indicates a uniqueness violation, e.g. a duplicate strategy name.
	CodeAlreadyExists Code = "already_exists"
	// CodeNotFound indicates an unknown strategy or ticker reference.
	CodeNotFound Code = "not_found"
	// CodeOwnershipConflict indicates an unconditional acquire against a live primary owner.
	CodeOwnershipConflict Code = "ownership_conflict"
	// CodeStaleOwnership indicates the owner changed between decision and transfer.
	CodeStaleOwnership Code = "stale_ownership"
	// CodeUnavailable indicates a database transport or transaction failure.
	CodeUnavailable Code = "database_unavailable"
	// CodeUnknown marks errors that carry no arbitration code.
	CodeUnknown Code = "unknown"
)

// E captures structured error information produced across the arbiter stack.
type E struct {
	Op          string
	Code        Code
	Message     string
	Remediation string
	Fields      map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:          strings.TrimSpace(op),
		Code:        code,
		Message:     "",
		Remediation: "",
		Fields:      nil,
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single key/value pair of context.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = string(CodeUnknown)
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf returns the code of the first envelope found in err's chain.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return CodeUnknown
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// Retryable reports whether the failure may be retried by a reader.
// Writes never retry: an ambiguous acquisition must fail the decision.
func Retryable(err error) bool {
	return Is(err, CodeUnavailable)
}

// Invalid is shorthand for an invalid-argument envelope.
func Invalid(op, msg string) *E {
	return New(op, CodeInvalid, WithMessage(msg))
}

// NotFound is shorthand for a not-found envelope.
func NotFound(op, msg string) *E {
	return New(op, CodeNotFound, WithMessage(msg))
}
