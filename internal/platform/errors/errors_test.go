package errors

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
)

func TestIsMatchesByCode(t *testing.T) {
	err := New(CodeDuplicateCommand, "command already handled")
	target := New(CodeDuplicateCommand, "different message")

	if !errors.Is(err, target) {
		t.Fatal("expected errors with the same code to match")
	}
	if errors.Is(err, New(CodeTransient, "command already handled")) {
		t.Fatal("expected errors with different codes not to match")
	}
}

func TestCodeOfTraversesWrappedChain(t *testing.T) {
	cause := New(CodeConcurrencyConflict, "version mismatch")
	wrapped := fmt.Errorf("append events: %w", cause)

	if got := CodeOf(wrapped); got != CodeConcurrencyConflict {
		t.Fatalf("CodeOf = %q, want %q", got, CodeConcurrencyConflict)
	}
	if got := CodeOf(errors.New("plain")); got != CodeUnknown {
		t.Fatalf("CodeOf plain error = %q, want %q", got, CodeUnknown)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(CodeTransient, "record handled command", cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be reachable via errors.Is")
	}
}

func TestGRPCCodeMapping(t *testing.T) {
	cases := []struct {
		code Code
		want codes.Code
	}{
		{CodeDuplicateCommand, codes.AlreadyExists},
		{CodeConcurrencyConflict, codes.FailedPrecondition},
		{CodeTransient, codes.Unavailable},
		{CodeCorruptedHistory, codes.DataLoss},
		{CodeNotFound, codes.NotFound},
		{CodeCommandTypeUnknown, codes.Unimplemented},
		{CodeUnknown, codes.Internal},
	}
	for _, tc := range cases {
		if got := tc.code.GRPCCode(); got != tc.want {
			t.Fatalf("GRPCCode(%q) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !CodeTransient.Retryable() {
		t.Fatal("expected transient failures to be retryable")
	}
	if !CodeConcurrencyConflict.Retryable() {
		t.Fatal("expected concurrency conflicts to be retryable")
	}
	if CodeDuplicateCommand.Retryable() {
		t.Fatal("duplicate command is a terminal outcome, not a retry signal")
	}
	if CodeCorruptedHistory.Retryable() {
		t.Fatal("corrupted history must never be retried")
	}
}
