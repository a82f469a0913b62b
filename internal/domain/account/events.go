package account

import (
	"encoding/json"
	"fmt"

	"github.com/ferrobank/teller/internal/domain/event"
)

// Bank account lifecycle events.
const (
	// EventOpened records the creation of an account.
	EventOpened event.Type = "account.opened"
	// EventValidated records a successful validation of the account on
	// behalf of a transaction.
	EventValidated event.Type = "account.validated"
	// EventPreparationAdded records a reserved debit or credit awaiting
	// its transaction outcome.
	EventPreparationAdded event.Type = "account.preparation_added"
	// EventPreparationCommitted records a preparation applied to the
	// balance.
	EventPreparationCommitted event.Type = "account.preparation_committed"
	// EventPreparationCanceled records a preparation released without
	// touching the balance.
	EventPreparationCanceled event.Type = "account.preparation_canceled"
	// EventInsufficientBalance records a refused debit preparation.
	EventInsufficientBalance event.Type = "account.insufficient_balance"
)

// PreparationType distinguishes the direction of a reserved amount.
type PreparationType string

// Preparation directions.
const (
	PreparationDebit  PreparationType = "debit"
	PreparationCredit PreparationType = "credit"
)

// TransactionType names the kind of transaction a preparation belongs to.
type TransactionType string

// Transaction kinds.
const (
	TransactionTransferOut TransactionType = "transfer_out"
	TransactionTransferIn  TransactionType = "transfer_in"
	TransactionDeposit     TransactionType = "deposit"
)

// OpenedPayload is the payload of EventOpened.
type OpenedPayload struct {
	Owner string `json:"owner"`
}

// ValidatedPayload is the payload of EventValidated.
type ValidatedPayload struct {
	AccountID       string          `json:"account_id"`
	TransactionID   string          `json:"transaction_id"`
	TransactionType TransactionType `json:"transaction_type"`
}

// Preparation is a reserved debit or credit held until its transaction
// commits or cancels.
type Preparation struct {
	TransactionID   string          `json:"transaction_id"`
	TransactionType TransactionType `json:"transaction_type"`
	PreparationType PreparationType `json:"preparation_type"`
	Amount          int64           `json:"amount"`
}

// PreparationPayload is the payload of EventPreparationAdded and
// EventPreparationCanceled.
type PreparationPayload struct {
	AccountID string `json:"account_id"`
	Preparation
}

// CommittedPayload is the payload of EventPreparationCommitted. Balance is
// the account balance after applying the preparation.
type CommittedPayload struct {
	AccountID string `json:"account_id"`
	Preparation
	Balance int64 `json:"balance"`
}

// InsufficientBalancePayload is the payload of EventInsufficientBalance.
type InsufficientBalancePayload struct {
	AccountID       string          `json:"account_id"`
	TransactionID   string          `json:"transaction_id"`
	TransactionType TransactionType `json:"transaction_type"`
	Amount          int64           `json:"amount"`
	Balance         int64           `json:"balance"`
	Available       int64           `json:"available"`
}

// DecodeValidatedPayload parses an EventValidated payload.
func DecodeValidatedPayload(raw []byte) (ValidatedPayload, error) {
	var payload ValidatedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ValidatedPayload{}, fmt.Errorf("decode account validated payload: %w", err)
	}
	return payload, nil
}

// DecodePreparationPayload parses an EventPreparationAdded or
// EventPreparationCanceled payload.
func DecodePreparationPayload(raw []byte) (PreparationPayload, error) {
	var payload PreparationPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return PreparationPayload{}, fmt.Errorf("decode account preparation payload: %w", err)
	}
	return payload, nil
}

// DecodeCommittedPayload parses an EventPreparationCommitted payload.
func DecodeCommittedPayload(raw []byte) (CommittedPayload, error) {
	var payload CommittedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return CommittedPayload{}, fmt.Errorf("decode account committed payload: %w", err)
	}
	return payload, nil
}

// DecodeInsufficientBalancePayload parses an EventInsufficientBalance payload.
func DecodeInsufficientBalancePayload(raw []byte) (InsufficientBalancePayload, error) {
	var payload InsufficientBalancePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return InsufficientBalancePayload{}, fmt.Errorf("decode insufficient balance payload: %w", err)
	}
	return payload, nil
}

// RegisterEvents wires the account event definitions into the registry.
func RegisterEvents(events *event.Registry) error {
	for _, def := range []event.Definition{
		{Type: EventOpened},
		{Type: EventValidated},
		{Type: EventPreparationAdded},
		{Type: EventPreparationCommitted},
		{Type: EventPreparationCanceled},
		{Type: EventInsufficientBalance},
	} {
		if err := events.Register(def); err != nil {
			return err
		}
	}
	return nil
}
