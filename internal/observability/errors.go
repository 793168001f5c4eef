package observability

import (
	"errors"
	"fmt"

	"github.com/coachpo/arbiter/errs"
)

// AggregateErrors reports the failed steps of a multi-step operation once and
// returns them as a single envelope. The envelope takes the code of the first
// coded failure, so errs.Retryable still works on the aggregate.
func AggregateErrors(logger Logger, op string, failures []error, fields ...Field) error {
	kept := make([]error, 0, len(failures))
	codes := make([]string, 0, len(failures))
	code := errs.CodeUnknown
	for _, err := range failures {
		if err == nil {
			continue
		}
		kept = append(kept, err)
		c := errs.CodeOf(err)
		codes = append(codes, string(c))
		if code == errs.CodeUnknown {
			code = c
		}
	}
	if len(kept) == 0 {
		return nil
	}
	joined := errors.Join(kept...)
	OrNop(logger).Error("operation failed", append(fields,
		F("operation", op),
		F("failures", len(kept)),
		F("codes", codes),
		F("err", joined),
	)...)
	return errs.New(op, code,
		errs.WithMessage(fmt.Sprintf("%d step(s) failed", len(kept))),
		errs.WithCause(joined))
}
