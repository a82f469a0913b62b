// Package errors provides structured error handling for the transaction kernel.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Command handling errors
	CodeDuplicateCommand    Code = "DUPLICATE_COMMAND"
	CodeConcurrencyConflict Code = "CONCURRENCY_CONFLICT"
	CodeTransient           Code = "TRANSIENT_IO"
	CodeCommandFailed       Code = "COMMAND_FAILED"
	CodeCommandTypeUnknown  Code = "COMMAND_TYPE_UNKNOWN"
	CodeCommandInvalid      Code = "COMMAND_INVALID"

	// Event journal errors
	CodeCorruptedHistory Code = "CORRUPTED_HISTORY"
	CodeEventInvalid     Code = "EVENT_INVALID"

	// Transaction errors
	CodeTransactionAlreadyStarted Code = "TRANSACTION_ALREADY_STARTED"
	CodeTransactionAmountInvalid  Code = "TRANSACTION_AMOUNT_INVALID"
	CodeTransactionAccountMissing Code = "TRANSACTION_ACCOUNT_MISSING"

	// Account errors
	CodeAccountAlreadyOpened     Code = "ACCOUNT_ALREADY_OPENED"
	CodeAccountNotOpened         Code = "ACCOUNT_NOT_OPENED"
	CodeAccountInsufficientFunds Code = "ACCOUNT_INSUFFICIENT_FUNDS"
	CodeAccountUnknownPrep       Code = "ACCOUNT_UNKNOWN_PREPARATION"

	// Bridge errors
	CodeBridgeNotReady Code = "BRIDGE_NOT_READY"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeCommandInvalid,
		CodeEventInvalid,
		CodeTransactionAmountInvalid,
		CodeTransactionAccountMissing:
		return codes.InvalidArgument

	// FailedPrecondition - state doesn't allow operation
	case CodeConcurrencyConflict,
		CodeTransactionAlreadyStarted,
		CodeAccountAlreadyOpened,
		CodeAccountNotOpened,
		CodeAccountInsufficientFunds,
		CodeAccountUnknownPrep:
		return codes.FailedPrecondition

	// AlreadyExists - the command was already fully applied
	case CodeDuplicateCommand:
		return codes.AlreadyExists

	case CodeNotFound:
		return codes.NotFound

	case CodeCommandTypeUnknown:
		return codes.Unimplemented

	case CodeTransient, CodeBridgeNotReady:
		return codes.Unavailable

	case CodeCorruptedHistory:
		return codes.DataLoss

	default:
		return codes.Internal
	}
}

// Retryable reports whether an operation failing with this code may be retried
// without risking duplicated effects. Duplicate detection and idempotent
// guards in the dispatch pipeline make retries of these outcomes safe.
func (c Code) Retryable() bool {
	switch c {
	case CodeTransient, CodeConcurrencyConflict:
		return true
	default:
		return false
	}
}
