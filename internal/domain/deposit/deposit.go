// Package deposit implements the deposit transaction, a small saga-style
// aggregate that credits a single bank account through the two-phase
// preparation protocol.
package deposit

import (
	"encoding/json"
	"fmt"

	"github.com/ferrobank/teller/internal/domain/aggregate"
	"github.com/ferrobank/teller/internal/domain/command"
	"github.com/ferrobank/teller/internal/domain/event"
	apperrors "github.com/ferrobank/teller/internal/platform/errors"
)

// Deposit transaction events.
const (
	// EventStarted records the creation of a deposit transaction.
	EventStarted event.Type = "deposit.started"
	// EventPreparationCompleted records that the account reserved the credit.
	EventPreparationCompleted event.Type = "deposit.preparation_completed"
	// EventCompleted records that the credit reached the balance.
	EventCompleted event.Type = "deposit.completed"
)

// Deposit transaction commands.
const (
	// CmdStart creates a deposit transaction.
	CmdStart command.Type = "deposit.start"
	// CmdConfirmPreparation reports the reserved credit.
	CmdConfirmPreparation command.Type = "deposit.confirm_preparation"
	// CmdConfirm reports the committed credit.
	CmdConfirm command.Type = "deposit.confirm"
)

// Status is the lifecycle phase of a deposit transaction.
type Status string

// Deposit transaction statuses.
const (
	StatusStarted              Status = "started"
	StatusPreparationCompleted Status = "preparation_completed"
	StatusCompleted            Status = "completed"
)

// Sentinel errors returned by deposit operations.
var (
	// ErrAlreadyStarted is returned when starting a transaction that
	// already has history.
	ErrAlreadyStarted = apperrors.New(apperrors.CodeTransactionAlreadyStarted, "deposit transaction already started")
	// ErrAmountInvalid is returned when the deposit amount is not positive.
	ErrAmountInvalid = apperrors.New(apperrors.CodeTransactionAmountInvalid, "deposit amount must be positive")
	// ErrAccountMissing is returned when the account id is empty.
	ErrAccountMissing = apperrors.New(apperrors.CodeTransactionAccountMissing, "deposit requires an account id")
)

// Payload is carried by every deposit event.
type Payload struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
}

// DecodePayload parses a deposit event payload.
func DecodePayload(raw []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Payload{}, fmt.Errorf("decode deposit payload: %w", err)
	}
	return payload, nil
}

// Transaction is the deposit saga aggregate.
type Transaction struct {
	root *aggregate.Root

	accountID string
	amount    int64
	status    Status
}

// New returns a deposit transaction with no history.
func New(id string) (*Transaction, error) {
	t := &Transaction{}
	root, err := aggregate.NewRoot(id, map[event.Type]aggregate.FoldFunc{
		EventStarted:              t.onStarted,
		EventPreparationCompleted: t.onPreparationCompleted,
		EventCompleted:            t.onCompleted,
	})
	if err != nil {
		return nil, err
	}
	t.root = root
	return t, nil
}

// Load rebuilds a deposit transaction from its event history.
func Load(id string, history []event.Event) (*Transaction, error) {
	t, err := New(id)
	if err != nil {
		return nil, err
	}
	if err := t.root.Replay(history); err != nil {
		return nil, err
	}
	return t, nil
}

// ID returns the transaction id.
func (t *Transaction) ID() string { return t.root.ID() }

// Status returns the current lifecycle phase.
func (t *Transaction) Status() Status { return t.status }

// AccountID returns the credited account.
func (t *Transaction) AccountID() string { return t.accountID }

// Amount returns the deposited amount.
func (t *Transaction) Amount() int64 { return t.amount }

// Uncommitted drains and returns the events produced since load.
func (t *Transaction) Uncommitted() []event.Event { return t.root.Uncommitted() }

// Start creates the transaction.
func (t *Transaction) Start(accountID string, amount int64) error {
	if t.status != "" {
		return ErrAlreadyStarted
	}
	if accountID == "" {
		return ErrAccountMissing
	}
	if amount <= 0 {
		return ErrAmountInvalid
	}
	return t.root.Apply(EventStarted, Payload{AccountID: accountID, Amount: amount})
}

// ConfirmPreparation records that the account reserved the credit.
// Confirmations outside the started phase are ignored.
func (t *Transaction) ConfirmPreparation() error {
	if t.status != StatusStarted {
		return nil
	}
	return t.root.Apply(EventPreparationCompleted, Payload{AccountID: t.accountID, Amount: t.amount})
}

// Confirm records that the credit reached the balance, completing the
// transaction. Confirmations outside the prepared phase are ignored.
func (t *Transaction) Confirm() error {
	if t.status != StatusPreparationCompleted {
		return nil
	}
	return t.root.Apply(EventCompleted, Payload{AccountID: t.accountID, Amount: t.amount})
}

func (t *Transaction) onStarted(evt event.Event) error {
	payload, err := DecodePayload(evt.PayloadJSON)
	if err != nil {
		return err
	}
	t.accountID = payload.AccountID
	t.amount = payload.Amount
	t.status = StatusStarted
	return nil
}

func (t *Transaction) onPreparationCompleted(event.Event) error {
	t.status = StatusPreparationCompleted
	return nil
}

func (t *Transaction) onCompleted(event.Event) error {
	t.status = StatusCompleted
	return nil
}

// RegisterEvents wires the deposit event definitions into the registry.
func RegisterEvents(events *event.Registry) error {
	startedValidator := func(raw json.RawMessage) error {
		var payload Payload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return err
		}
		if payload.AccountID == "" {
			return ErrAccountMissing
		}
		if payload.Amount <= 0 {
			return ErrAmountInvalid
		}
		return nil
	}
	for _, def := range []event.Definition{
		{Type: EventStarted, ValidatePayload: startedValidator},
		{Type: EventPreparationCompleted},
		{Type: EventCompleted},
	} {
		if err := events.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// RegisterCommands wires the deposit command definitions into the registry.
func RegisterCommands(commands *command.Registry) error {
	defs := []command.Definition{
		{
			Type: CmdStart,
			Decide: func(history []event.Event, cmd command.Command) ([]event.Event, error) {
				if len(history) > 0 {
					return nil, ErrAlreadyStarted
				}
				payload, err := DecodePayload(cmd.PayloadJSON)
				if err != nil {
					return nil, err
				}
				t, err := New(cmd.AggregateID)
				if err != nil {
					return nil, err
				}
				if err := t.Start(payload.AccountID, payload.Amount); err != nil {
					return nil, err
				}
				return t.Uncommitted(), nil
			},
		},
		{
			Type:   CmdConfirmPreparation,
			Decide: decide((*Transaction).ConfirmPreparation),
		},
		{
			Type:   CmdConfirm,
			Decide: decide((*Transaction).Confirm),
		},
	}
	for _, def := range defs {
		if err := commands.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func decide(op func(*Transaction) error) command.DecideFunc {
	return func(history []event.Event, cmd command.Command) ([]event.Event, error) {
		t, err := Load(cmd.AggregateID, history)
		if err != nil {
			return nil, err
		}
		if err := op(t); err != nil {
			return nil, err
		}
		return t.Uncommitted(), nil
	}
}
