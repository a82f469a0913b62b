// Package transfer implements the transfer transaction, a saga-style
// aggregate that coordinates moving funds between two bank accounts. The
// transaction advances through validation, preparation, and commit phases,
// joining pairwise confirmations from the source and target sides, and can
// be canceled at any point.
package transfer

import (
	"github.com/ferrobank/teller/internal/domain/aggregate"
	"github.com/ferrobank/teller/internal/domain/event"
	apperrors "github.com/ferrobank/teller/internal/platform/errors"
)

// Status is the lifecycle phase of a transfer transaction.
type Status string

// Transfer transaction statuses.
const (
	StatusStarted                  Status = "started"
	StatusAccountValidateCompleted Status = "account_validate_completed"
	StatusPreparationCompleted     Status = "preparation_completed"
	StatusCompleted                Status = "completed"
	StatusCanceled                 Status = "canceled"
)

// Sentinel errors returned by transfer operations.
var (
	// ErrAlreadyStarted is returned when starting a transaction that
	// already has history.
	ErrAlreadyStarted = apperrors.New(apperrors.CodeTransactionAlreadyStarted, "transfer transaction already started")
	// ErrAmountInvalid is returned when the transfer amount is not positive.
	ErrAmountInvalid = apperrors.New(apperrors.CodeTransactionAmountInvalid, "transfer amount must be positive")
	// ErrAccountMissing is returned when a source or target account id is empty.
	ErrAccountMissing = apperrors.New(apperrors.CodeTransactionAccountMissing, "transfer requires source and target account ids")
)

func (i Info) validate() error {
	if i.SourceAccountID == "" || i.TargetAccountID == "" {
		return ErrAccountMissing
	}
	if i.Amount <= 0 {
		return ErrAmountInvalid
	}
	return nil
}

// Transaction is the transfer saga aggregate. Confirmations arriving out of
// order or more than once are absorbed without emitting duplicate events.
type Transaction struct {
	root *aggregate.Root

	info   Info
	status Status

	sourceValidated bool
	targetValidated bool
	outPrepared     bool
	inPrepared      bool
	outConfirmed    bool
	inConfirmed     bool
}

// New returns a transfer transaction with no history.
func New(id string) (*Transaction, error) {
	t := &Transaction{}
	root, err := aggregate.NewRoot(id, map[event.Type]aggregate.FoldFunc{
		EventStarted:                 t.onStarted,
		EventSourceValidated:         t.onSourceValidated,
		EventTargetValidated:         t.onTargetValidated,
		EventValidationCompleted:     t.onValidationCompleted,
		EventOutPreparationConfirmed: t.onOutPreparationConfirmed,
		EventInPreparationConfirmed:  t.onInPreparationConfirmed,
		EventOutConfirmed:            t.onOutConfirmed,
		EventInConfirmed:             t.onInConfirmed,
		EventCompleted:               t.onCompleted,
		EventCanceled:                t.onCanceled,
	})
	if err != nil {
		return nil, err
	}
	t.root = root
	return t, nil
}

// Load rebuilds a transfer transaction from its event history.
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

// Info returns the transfer description.
func (t *Transaction) Info() Info { return t.info }

// Uncommitted drains and returns the events produced since load.
func (t *Transaction) Uncommitted() []event.Event { return t.root.Uncommitted() }

// Start creates the transaction. It fails if the transaction already exists
// or the transfer description is invalid.
func (t *Transaction) Start(info Info) error {
	if t.status != "" {
		return ErrAlreadyStarted
	}
	if err := info.validate(); err != nil {
		return err
	}
	return t.root.Apply(EventStarted, EventPayload{Info: info})
}

// ConfirmAccountValidated records that the named account passed validation.
// When both sides are validated the validation phase completes. Confirmations
// for unknown accounts, repeats, or confirmations outside the started phase
// are ignored.
func (t *Transaction) ConfirmAccountValidated(accountID string) error {
	if t.status != StatusStarted {
		return nil
	}
	switch accountID {
	case t.info.SourceAccountID:
		if t.sourceValidated {
			return nil
		}
		if err := t.root.Apply(EventSourceValidated, EventPayload{Info: t.info, AccountID: accountID}); err != nil {
			return err
		}
	case t.info.TargetAccountID:
		if t.targetValidated {
			return nil
		}
		if err := t.root.Apply(EventTargetValidated, EventPayload{Info: t.info, AccountID: accountID}); err != nil {
			return err
		}
	default:
		return nil
	}
	if t.sourceValidated && t.targetValidated {
		return t.root.Apply(EventValidationCompleted, EventPayload{Info: t.info})
	}
	return nil
}

// ConfirmOutPreparation records that the source account reserved the funds.
// The preparation phase completes only when the transfer-in preparation is
// confirmed, so this call never advances the status by itself.
func (t *Transaction) ConfirmOutPreparation() error {
	if t.status != StatusAccountValidateCompleted || t.outPrepared {
		return nil
	}
	return t.root.Apply(EventOutPreparationConfirmed, EventPayload{Info: t.info, AccountID: t.info.SourceAccountID})
}

// ConfirmInPreparation records that the target account accepted the incoming
// preparation, which completes the preparation phase.
func (t *Transaction) ConfirmInPreparation() error {
	if t.status != StatusAccountValidateCompleted || t.inPrepared {
		return nil
	}
	return t.root.Apply(EventInPreparationConfirmed, EventPayload{Info: t.info, AccountID: t.info.TargetAccountID})
}

// ConfirmOut records that the source account committed the debit. When both
// commits are in, the transaction completes.
func (t *Transaction) ConfirmOut() error {
	if t.status != StatusPreparationCompleted || t.outConfirmed {
		return nil
	}
	if err := t.root.Apply(EventOutConfirmed, EventPayload{Info: t.info, AccountID: t.info.SourceAccountID}); err != nil {
		return err
	}
	if t.inConfirmed {
		return t.root.Apply(EventCompleted, EventPayload{Info: t.info})
	}
	return nil
}

// ConfirmIn records that the target account committed the credit. When both
// commits are in, the transaction completes.
func (t *Transaction) ConfirmIn() error {
	if t.status != StatusPreparationCompleted || t.inConfirmed {
		return nil
	}
	if err := t.root.Apply(EventInConfirmed, EventPayload{Info: t.info, AccountID: t.info.TargetAccountID}); err != nil {
		return err
	}
	if t.outConfirmed {
		return t.root.Apply(EventCompleted, EventPayload{Info: t.info})
	}
	return nil
}

// Cancel aborts the transaction. No phase guard applies, so even a
// completed transaction records the cancellation.
func (t *Transaction) Cancel() error {
	return t.root.Apply(EventCanceled, EventPayload{Info: t.info})
}

func (t *Transaction) onStarted(evt event.Event) error {
	payload, err := DecodeEventPayload(evt.PayloadJSON)
	if err != nil {
		return err
	}
	t.info = payload.Info
	t.status = StatusStarted
	return nil
}

func (t *Transaction) onSourceValidated(event.Event) error {
	t.sourceValidated = true
	return nil
}

func (t *Transaction) onTargetValidated(event.Event) error {
	t.targetValidated = true
	return nil
}

func (t *Transaction) onValidationCompleted(event.Event) error {
	t.status = StatusAccountValidateCompleted
	return nil
}

func (t *Transaction) onOutPreparationConfirmed(event.Event) error {
	t.outPrepared = true
	return nil
}

// onInPreparationConfirmed also advances the status: the preparation phase
// is considered complete once the incoming side is prepared, regardless of
// the outgoing flag.
func (t *Transaction) onInPreparationConfirmed(event.Event) error {
	t.inPrepared = true
	t.status = StatusPreparationCompleted
	return nil
}

func (t *Transaction) onOutConfirmed(event.Event) error {
	t.outConfirmed = true
	return nil
}

func (t *Transaction) onInConfirmed(event.Event) error {
	t.inConfirmed = true
	return nil
}

func (t *Transaction) onCompleted(event.Event) error {
	t.status = StatusCompleted
	return nil
}

func (t *Transaction) onCanceled(event.Event) error {
	t.status = StatusCanceled
	return nil
}
