package account

import (
	"encoding/json"
	"fmt"

	"github.com/ferrobank/teller/internal/domain/command"
	"github.com/ferrobank/teller/internal/domain/event"
)

// Bank account commands.
const (
	// CmdOpen creates an account.
	CmdOpen command.Type = "account.open"
	// CmdValidate checks the account on behalf of a transaction.
	CmdValidate command.Type = "account.validate"
	// CmdAddPreparation reserves an amount for a transaction.
	CmdAddPreparation command.Type = "account.add_preparation"
	// CmdCommitPreparation applies a reservation to the balance.
	CmdCommitPreparation command.Type = "account.commit_preparation"
	// CmdCancelPreparation releases a reservation.
	CmdCancelPreparation command.Type = "account.cancel_preparation"
)

// OpenPayload is the payload of CmdOpen.
type OpenPayload struct {
	Owner string `json:"owner"`
}

// ValidatePayload is the payload of CmdValidate.
type ValidatePayload struct {
	TransactionID   string          `json:"transaction_id"`
	TransactionType TransactionType `json:"transaction_type"`
}

// AddPreparationPayload is the payload of CmdAddPreparation.
type AddPreparationPayload = Preparation

// TransactionRefPayload is the payload of CmdCommitPreparation and
// CmdCancelPreparation.
type TransactionRefPayload struct {
	TransactionID string `json:"transaction_id"`
}

// RegisterCommands wires the account command definitions into the registry.
func RegisterCommands(commands *command.Registry) error {
	defs := []command.Definition{
		{
			Type: CmdOpen,
			Decide: decide(func(a *Account, cmd command.Command) error {
				var payload OpenPayload
				if err := json.Unmarshal(cmd.PayloadJSON, &payload); err != nil {
					return fmt.Errorf("decode account open payload: %w", err)
				}
				return a.Open(payload.Owner)
			}),
		},
		{
			Type: CmdValidate,
			Decide: decide(func(a *Account, cmd command.Command) error {
				var payload ValidatePayload
				if err := json.Unmarshal(cmd.PayloadJSON, &payload); err != nil {
					return fmt.Errorf("decode account validate payload: %w", err)
				}
				return a.Validate(payload.TransactionID, payload.TransactionType)
			}),
		},
		{
			Type: CmdAddPreparation,
			Decide: decide(func(a *Account, cmd command.Command) error {
				var payload AddPreparationPayload
				if err := json.Unmarshal(cmd.PayloadJSON, &payload); err != nil {
					return fmt.Errorf("decode add preparation payload: %w", err)
				}
				return a.AddPreparation(payload)
			}),
		},
		{
			Type: CmdCommitPreparation,
			Decide: decide(func(a *Account, cmd command.Command) error {
				var payload TransactionRefPayload
				if err := json.Unmarshal(cmd.PayloadJSON, &payload); err != nil {
					return fmt.Errorf("decode commit preparation payload: %w", err)
				}
				return a.CommitPreparation(payload.TransactionID)
			}),
		},
		{
			Type: CmdCancelPreparation,
			Decide: decide(func(a *Account, cmd command.Command) error {
				var payload TransactionRefPayload
				if err := json.Unmarshal(cmd.PayloadJSON, &payload); err != nil {
					return fmt.Errorf("decode cancel preparation payload: %w", err)
				}
				return a.CancelPreparation(payload.TransactionID)
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

func decide(op func(*Account, command.Command) error) command.DecideFunc {
	return func(history []event.Event, cmd command.Command) ([]event.Event, error) {
		a, err := Load(cmd.AggregateID, history)
		if err != nil {
			return nil, err
		}
		if err := op(a, cmd); err != nil {
			return nil, err
		}
		return a.Uncommitted(), nil
	}
}
