package transfer

import (
	"encoding/json"
	"fmt"

	"github.com/ferrobank/teller/internal/domain/event"
)

// Transfer transaction lifecycle events.
const (
	// EventStarted records the creation of a transfer transaction.
	EventStarted event.Type = "transfer.started"
	// EventSourceValidated records the source account validation confirmation.
	EventSourceValidated event.Type = "transfer.source_validated"
	// EventTargetValidated records the target account validation confirmation.
	EventTargetValidated event.Type = "transfer.target_validated"
	// EventValidationCompleted records the join of both validation confirmations.
	EventValidationCompleted event.Type = "transfer.validation_completed"
	// EventOutPreparationConfirmed records the transfer-out preparation confirmation.
	EventOutPreparationConfirmed event.Type = "transfer.out_preparation_confirmed"
	// EventInPreparationConfirmed records the transfer-in preparation confirmation.
	EventInPreparationConfirmed event.Type = "transfer.in_preparation_confirmed"
	// EventOutConfirmed records the transfer-out commit confirmation.
	EventOutConfirmed event.Type = "transfer.out_confirmed"
	// EventInConfirmed records the transfer-in commit confirmation.
	EventInConfirmed event.Type = "transfer.in_confirmed"
	// EventCompleted records the join of both commit confirmations.
	EventCompleted event.Type = "transfer.completed"
	// EventCanceled records the cancellation of the transaction.
	EventCanceled event.Type = "transfer.canceled"
)

// Info is the immutable description of a transfer, attached at creation.
type Info struct {
	SourceAccountID string `json:"source_account_id"`
	TargetAccountID string `json:"target_account_id"`
	Amount          int64  `json:"amount"`
}

// EventPayload is carried by every transfer event so downstream consumers can
// route follow-up work without loading the transaction.
type EventPayload struct {
	Info
	// AccountID is set on side-specific confirmations.
	AccountID string `json:"account_id,omitempty"`
}

// DecodeEventPayload parses a transfer event payload.
func DecodeEventPayload(raw []byte) (EventPayload, error) {
	var payload EventPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return EventPayload{}, fmt.Errorf("decode transfer event payload: %w", err)
	}
	return payload, nil
}

func validateInfoPayload(raw json.RawMessage) error {
	var payload EventPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return payload.Info.validate()
}

// RegisterEvents wires the transfer event definitions into the registry.
func RegisterEvents(events *event.Registry) error {
	for _, def := range []event.Definition{
		{Type: EventStarted, ValidatePayload: validateInfoPayload},
		{Type: EventSourceValidated},
		{Type: EventTargetValidated},
		{Type: EventValidationCompleted},
		{Type: EventOutPreparationConfirmed},
		{Type: EventInPreparationConfirmed},
		{Type: EventOutConfirmed},
		{Type: EventInConfirmed},
		{Type: EventCompleted},
		{Type: EventCanceled},
	} {
		if err := events.Register(def); err != nil {
			return err
		}
	}
	return nil
}
