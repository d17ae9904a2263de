package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapPreservesCauseAndCode(t *testing.T) {
	cause := stdErrors.New("dial tcp: refused")
	err := Wrap(CodeStorageFailure, cause, "append audit entry", WithMetadata("attempt_id", "tool-1"))

	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if CodeOf(fmt.Errorf("outer: %w", err)) != CodeStorageFailure {
		t.Fatalf("expected code to survive fmt wrapping")
	}
	if got := err.Metadata()["attempt_id"]; got != "tool-1" {
		t.Fatalf("unexpected metadata: %q", got)
	}
	if !err.Retryable() || !err.ShouldAlert() {
		t.Fatalf("storage failure should be retryable and alerting")
	}
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(CodeUpstreamFailure, "rpc a")
	b := New(CodeUpstreamFailure, "rpc b")
	if !stdErrors.Is(a, b) {
		t.Fatalf("errors with the same code should match")
	}
	if stdErrors.Is(a, New(CodeInvalidArgument, "")) {
		t.Fatalf("errors with different codes should not match")
	}
}

func TestRegisterAndHTTPStatus(t *testing.T) {
	code := Code("TEST_PAYMENT_REQUIRED")
	if Registered(code) {
		t.Fatalf("code should not be registered yet")
	}
	Register(code, Attributes{Message: "payment required", Severity: SeverityInfo, HTTPStatus: http.StatusPaymentRequired})

	err := New(code, "")
	if err.Message() != "payment required" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if HTTPStatusOf(err) != http.StatusPaymentRequired {
		t.Fatalf("unexpected status %d", HTTPStatusOf(err))
	}
	if HTTPStatusOf(stdErrors.New("plain")) != http.StatusInternalServerError {
		t.Fatalf("plain errors should map to 500")
	}
	if AttributesOf("MISSING").Severity != SeverityCritical {
		t.Fatalf("unknown codes should fall back to UNKNOWN attributes")
	}
}

func TestOverrides(t *testing.T) {
	err := New(CodeTimeout, "", WithRetryable(false), WithAlert(false), WithSeverity(SeverityInfo))
	if err.Retryable() || err.ShouldAlert() || err.Severity() != SeverityInfo {
		t.Fatalf("options should override registered attributes: %+v", err)
	}
	if SeverityOf(nil) != SeverityCritical {
		t.Fatalf("nil error should report UNKNOWN severity")
	}
}
