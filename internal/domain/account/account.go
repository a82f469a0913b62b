// Package account implements the bank account aggregate. Balance changes
// follow a two-phase protocol: amounts are first reserved as preparations on
// behalf of a transaction, then committed to the balance or canceled when the
// transaction resolves. A debit preparation is refused when the available
// balance, the balance minus all pending debit reservations, cannot cover it.
package account

import (
	"encoding/json"

	"github.com/ferrobank/teller/internal/domain/aggregate"
	"github.com/ferrobank/teller/internal/domain/event"
	apperrors "github.com/ferrobank/teller/internal/platform/errors"
)

// Sentinel errors returned by account operations.
var (
	// ErrAlreadyOpened is returned when opening an account that exists.
	ErrAlreadyOpened = apperrors.New(apperrors.CodeAccountAlreadyOpened, "account already opened")
	// ErrNotOpened is returned when operating on an account with no history.
	ErrNotOpened = apperrors.New(apperrors.CodeAccountNotOpened, "account not opened")
	// ErrUnknownPreparation is returned when committing a preparation the
	// account does not hold.
	ErrUnknownPreparation = apperrors.New(apperrors.CodeAccountUnknownPrep, "no such transaction preparation")
	// ErrOwnerRequired is returned when opening an account without an owner.
	ErrOwnerRequired = apperrors.New(apperrors.CodeCommandInvalid, "account owner is required")
	// ErrPreparationInvalid is returned when a preparation is malformed.
	ErrPreparationInvalid = apperrors.New(apperrors.CodeCommandInvalid, "preparation requires a transaction id, a direction, and a positive amount")
)

// Account is the bank account aggregate.
type Account struct {
	root *aggregate.Root

	opened       bool
	owner        string
	balance      int64
	preparations map[string]Preparation
}

// New returns an account with no history.
func New(id string) (*Account, error) {
	a := &Account{preparations: make(map[string]Preparation)}
	root, err := aggregate.NewRoot(id, map[event.Type]aggregate.FoldFunc{
		EventOpened:               a.onOpened,
		EventValidated:            a.onValidated,
		EventPreparationAdded:     a.onPreparationAdded,
		EventPreparationCommitted: a.onPreparationCommitted,
		EventPreparationCanceled:  a.onPreparationCanceled,
		EventInsufficientBalance:  a.onInsufficientBalance,
	})
	if err != nil {
		return nil, err
	}
	a.root = root
	return a, nil
}

// Load rebuilds an account from its event history.
func Load(id string, history []event.Event) (*Account, error) {
	a, err := New(id)
	if err != nil {
		return nil, err
	}
	if err := a.root.Replay(history); err != nil {
		return nil, err
	}
	return a, nil
}

// ID returns the account id.
func (a *Account) ID() string { return a.root.ID() }

// Owner returns the account owner.
func (a *Account) Owner() string { return a.owner }

// Balance returns the committed balance.
func (a *Account) Balance() int64 { return a.balance }

// Available returns the balance minus all pending debit reservations.
func (a *Account) Available() int64 {
	available := a.balance
	for _, prep := range a.preparations {
		if prep.PreparationType == PreparationDebit {
			available -= prep.Amount
		}
	}
	return available
}

// Uncommitted drains and returns the events produced since load.
func (a *Account) Uncommitted() []event.Event { return a.root.Uncommitted() }

// Open creates the account for the named owner.
func (a *Account) Open(owner string) error {
	if a.opened {
		return ErrAlreadyOpened
	}
	if owner == "" {
		return ErrOwnerRequired
	}
	return a.root.Apply(EventOpened, OpenedPayload{Owner: owner})
}

// Validate confirms the account can take part in the given transaction.
func (a *Account) Validate(transactionID string, transactionType TransactionType) error {
	if !a.opened {
		return ErrNotOpened
	}
	return a.root.Apply(EventValidated, ValidatedPayload{
		AccountID:       a.ID(),
		TransactionID:   transactionID,
		TransactionType: transactionType,
	})
}

// AddPreparation reserves an amount for a transaction. A debit that the
// available balance cannot cover records a refusal event instead of a
// reservation. Re-adding a preparation the account already holds for the
// same transaction is a no-op.
func (a *Account) AddPreparation(prep Preparation) error {
	if !a.opened {
		return ErrNotOpened
	}
	if prep.TransactionID == "" || prep.Amount <= 0 {
		return ErrPreparationInvalid
	}
	if prep.PreparationType != PreparationDebit && prep.PreparationType != PreparationCredit {
		return ErrPreparationInvalid
	}
	if _, exists := a.preparations[prep.TransactionID]; exists {
		return nil
	}
	if prep.PreparationType == PreparationDebit && a.Available() < prep.Amount {
		return a.root.Apply(EventInsufficientBalance, InsufficientBalancePayload{
			AccountID:       a.ID(),
			TransactionID:   prep.TransactionID,
			TransactionType: prep.TransactionType,
			Amount:          prep.Amount,
			Balance:         a.balance,
			Available:       a.Available(),
		})
	}
	return a.root.Apply(EventPreparationAdded, PreparationPayload{AccountID: a.ID(), Preparation: prep})
}

// CommitPreparation applies a held preparation to the balance.
func (a *Account) CommitPreparation(transactionID string) error {
	if !a.opened {
		return ErrNotOpened
	}
	prep, exists := a.preparations[transactionID]
	if !exists {
		return ErrUnknownPreparation
	}
	balance := a.balance
	if prep.PreparationType == PreparationDebit {
		balance -= prep.Amount
	} else {
		balance += prep.Amount
	}
	return a.root.Apply(EventPreparationCommitted, CommittedPayload{
		AccountID:   a.ID(),
		Preparation: prep,
		Balance:     balance,
	})
}

// CancelPreparation releases a held preparation without touching the
// balance. A transaction abort is broadcast to both sides regardless of how
// far each one got, so canceling a preparation the account does not hold,
// or on an account that was never opened, is a no-op.
func (a *Account) CancelPreparation(transactionID string) error {
	if !a.opened {
		return nil
	}
	prep, exists := a.preparations[transactionID]
	if !exists {
		return nil
	}
	return a.root.Apply(EventPreparationCanceled, PreparationPayload{AccountID: a.ID(), Preparation: prep})
}

func (a *Account) onOpened(evt event.Event) error {
	var payload OpenedPayload
	if err := json.Unmarshal(evt.PayloadJSON, &payload); err != nil {
		return err
	}
	a.opened = true
	a.owner = payload.Owner
	return nil
}

func (a *Account) onValidated(event.Event) error { return nil }

func (a *Account) onPreparationAdded(evt event.Event) error {
	payload, err := DecodePreparationPayload(evt.PayloadJSON)
	if err != nil {
		return err
	}
	a.preparations[payload.TransactionID] = payload.Preparation
	return nil
}

func (a *Account) onPreparationCommitted(evt event.Event) error {
	payload, err := DecodeCommittedPayload(evt.PayloadJSON)
	if err != nil {
		return err
	}
	delete(a.preparations, payload.TransactionID)
	a.balance = payload.Balance
	return nil
}

func (a *Account) onPreparationCanceled(evt event.Event) error {
	payload, err := DecodePreparationPayload(evt.PayloadJSON)
	if err != nil {
		return err
	}
	delete(a.preparations, payload.TransactionID)
	return nil
}

func (a *Account) onInsufficientBalance(event.Event) error { return nil }
