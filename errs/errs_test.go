package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesFieldsAndCause(t *testing.T) {
	err := New(
		"ledger.transfer",
		CodeStaleOwnership,
		WithMessage("owner changed before transfer"),
		WithField("ticker", "NVDA"),
		WithField("expected_owner", "long_term"),
		WithRemediation("re-run the conflict decision"),
		WithCause(errors.New("row owned by emergency")),
	)

	out := err.Error()
	if !strings.Contains(out, "op=ledger.transfer") {
		t.Fatalf("expected op marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=stale_ownership") {
		t.Fatalf("expected code in error string: %s", out)
	}
	expectedFields := "fields=expected_owner=\"long_term\",ticker=\"NVDA\""
	if !strings.Contains(out, expectedFields) {
		t.Fatalf("expected fields %q in error string: %s", expectedFields, out)
	}
	if !strings.Contains(out, "remediation=\"re-run the conflict decision\"") {
		t.Fatalf("expected remediation guidance in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"row owned by emergency\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithFieldIgnoresBlankKey(t *testing.T) {
	err := New("registry.create", CodeInvalid, WithField("  ", "x"))
	if len(err.Fields) != 0 {
		t.Fatalf("expected blank key to be ignored, got %v", err.Fields)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}

func TestCodeOfFollowsWrapChain(t *testing.T) {
	base := New("ledger.acquire", CodeOwnershipConflict, WithMessage("ticker NVDA owned"))
	wrapped := fmt.Errorf("check and acquire: %w", base)

	if got := CodeOf(wrapped); got != CodeOwnershipConflict {
		t.Fatalf("expected ownership_conflict, got %q", got)
	}
	if !Is(wrapped, CodeOwnershipConflict) {
		t.Fatal("expected Is to match wrapped envelope")
	}
	if Is(nil, CodeOwnershipConflict) {
		t.Fatal("nil error must not match any code")
	}
	if got := CodeOf(errors.New("plain")); got != CodeUnknown {
		t.Fatalf("expected unknown code for plain error, got %q", got)
	}
}

func TestRetryableOnlyForUnavailable(t *testing.T) {
	cases := map[Code]bool{
		CodeInvalid:           false,
		CodeAlreadyExists:     false,
		CodeNotFound:          false,
		CodeOwnershipConflict: false,
		CodeStaleOwnership:    false,
		CodeUnavailable:       true,
	}
	for code, want := range cases {
		if got := Retryable(New("op", code)); got != want {
			t.Fatalf("Retryable(%s) = %v, want %v", code, got, want)
		}
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := New("ledger.owner", CodeUnavailable, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to reach cause")
	}
}
