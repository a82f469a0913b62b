package transfer

import (
	"encoding/json"
	"fmt"

	"github.com/ferrobank/teller/internal/domain/command"
	"github.com/ferrobank/teller/internal/domain/event"
)

// Transfer transaction commands.
const (
	// CmdStart creates a transfer transaction.
	CmdStart command.Type = "transfer.start"
	// CmdConfirmAccountValidated reports a successful account validation.
	CmdConfirmAccountValidated command.Type = "transfer.confirm_account_validated"
	// CmdConfirmOutPreparation reports the debit preparation on the source account.
	CmdConfirmOutPreparation command.Type = "transfer.confirm_out_preparation"
	// CmdConfirmInPreparation reports the credit preparation on the target account.
	CmdConfirmInPreparation command.Type = "transfer.confirm_in_preparation"
	// CmdConfirmOut reports the committed debit.
	CmdConfirmOut command.Type = "transfer.confirm_out"
	// CmdConfirmIn reports the committed credit.
	CmdConfirmIn command.Type = "transfer.confirm_in"
	// CmdCancel aborts the transaction.
	CmdCancel command.Type = "transfer.cancel"
)

// StartPayload is the payload of CmdStart.
type StartPayload = Info

// ConfirmAccountValidatedPayload is the payload of CmdConfirmAccountValidated.
type ConfirmAccountValidatedPayload struct {
	AccountID string `json:"account_id"`
}

// RegisterCommands wires the transfer command definitions into the registry.
func RegisterCommands(commands *command.Registry) error {
	defs := []command.Definition{
		{
			Type: CmdStart,
			ValidatePayload: func(raw json.RawMessage) error {
				var payload StartPayload
				if err := json.Unmarshal(raw, &payload); err != nil {
					return err
				}
				return payload.validate()
			},
			Decide: decideStart,
		},
		{
			Type: CmdConfirmAccountValidated,
			ValidatePayload: func(raw json.RawMessage) error {
				var payload ConfirmAccountValidatedPayload
				return json.Unmarshal(raw, &payload)
			},
			Decide: decide(func(t *Transaction, cmd command.Command) error {
				var payload ConfirmAccountValidatedPayload
				if err := json.Unmarshal(cmd.PayloadJSON, &payload); err != nil {
					return fmt.Errorf("decode confirm_account_validated payload: %w", err)
				}
				return t.ConfirmAccountValidated(payload.AccountID)
			}),
		},
		{
			Type: CmdConfirmOutPreparation,
			Decide: decide(func(t *Transaction, _ command.Command) error {
				return t.ConfirmOutPreparation()
			}),
		},
		{
			Type: CmdConfirmInPreparation,
			Decide: decide(func(t *Transaction, _ command.Command) error {
				return t.ConfirmInPreparation()
			}),
		},
		{
			Type: CmdConfirmOut,
			Decide: decide(func(t *Transaction, _ command.Command) error {
				return t.ConfirmOut()
			}),
		},
		{
			Type: CmdConfirmIn,
			Decide: decide(func(t *Transaction, _ command.Command) error {
				return t.ConfirmIn()
			}),
		},
		{
			Type: CmdCancel,
			Decide: decide(func(t *Transaction, _ command.Command) error {
				return t.Cancel()
			}),
		},
	}
	for _, def := range defs {
		if err := commands.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func decideStart(history []event.Event, cmd command.Command) ([]event.Event, error) {
	if len(history) > 0 {
		return nil, ErrAlreadyStarted
	}
	var payload StartPayload
	if err := json.Unmarshal(cmd.PayloadJSON, &payload); err != nil {
		return nil, fmt.Errorf("decode transfer start payload: %w", err)
	}
	t, err := New(cmd.AggregateID)
	if err != nil {
		return nil, err
	}
	if err := t.Start(payload); err != nil {
		return nil, err
	}
	return t.Uncommitted(), nil
}

// decide adapts a transaction method into a command.DecideFunc by replaying
// history first and draining the produced events after.
func decide(op func(*Transaction, command.Command) error) command.DecideFunc {
	return func(history []event.Event, cmd command.Command) ([]event.Event, error) {
		t, err := Load(cmd.AggregateID, history)
		if err != nil {
			return nil, err
		}
		if err := op(t, cmd); err != nil {
			return nil, err
		}
		return t.Uncommitted(), nil
	}
}
