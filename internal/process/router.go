// Package process reacts to domain events with follow-up commands, driving
// the transfer and deposit sagas across their aggregates. Command ids are
// derived from the triggering event id, so redelivered events produce
// duplicate commands that the dispatcher absorbs instead of double-applying.
package process

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ferrobank/teller/internal/dispatch"
	"github.com/ferrobank/teller/internal/domain/account"
	"github.com/ferrobank/teller/internal/domain/command"
	"github.com/ferrobank/teller/internal/domain/deposit"
	"github.com/ferrobank/teller/internal/domain/event"
	"github.com/ferrobank/teller/internal/domain/transfer"
	apperrors "github.com/ferrobank/teller/internal/platform/errors"
)

// Sink accepts the follow-up commands the router produces. The dispatcher
// satisfies it.
type Sink interface {
	Handle(ctx context.Context, cmd command.Command) (dispatch.Result, error)
}

// Router is the saga process manager.
type Router struct {
	sink Sink
	log  zerolog.Logger
}

// NewRouter creates a Router over the given command sink.
func NewRouter(sink Sink, log zerolog.Logger) (*Router, error) {
	if sink == nil {
		return nil, fmt.Errorf("command sink is required")
	}
	return &Router{sink: sink, log: log}, nil
}

// Route reacts to one event. Unrecognized event types are ignored. A non-nil
// error asks the caller to redeliver the event.
func (r *Router) Route(ctx context.Context, evt event.Event) error {
	switch evt.Type {
	case transfer.EventStarted:
		return r.onTransferStarted(ctx, evt)
	case account.EventValidated:
		return r.onAccountValidated(ctx, evt)
	case transfer.EventValidationCompleted:
		return r.onTransferValidationCompleted(ctx, evt)
	case account.EventPreparationAdded:
		return r.onPreparationAdded(ctx, evt)
	case transfer.EventInPreparationConfirmed:
		return r.onTransferPreparationCompleted(ctx, evt)
	case account.EventPreparationCommitted:
		return r.onPreparationCommitted(ctx, evt)
	case account.EventInsufficientBalance:
		return r.onInsufficientBalance(ctx, evt)
	case transfer.EventCanceled:
		return r.onTransferCanceled(ctx, evt)
	case deposit.EventStarted:
		return r.onDepositStarted(ctx, evt)
	case deposit.EventPreparationCompleted:
		return r.onDepositPreparationCompleted(ctx, evt)
	default:
		return nil
	}
}

// send dispatches one follow-up command with a deterministic id derived from
// the triggering event.
func (r *Router) send(ctx context.Context, evt event.Event, suffix string, aggregateID string, cmdType command.Type, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", cmdType, err)
	}
	cmd := command.Command{
		CommandID:   evt.ID + ":" + suffix,
		AggregateID: aggregateID,
		Type:        cmdType,
		PayloadJSON: raw,
	}
	if _, err := r.sink.Handle(ctx, cmd); err != nil {
		return err
	}
	return nil
}

// onTransferStarted asks both accounts to validate. An account that does not
// exist fails validation permanently, which cancels the transfer.
func (r *Router) onTransferStarted(ctx context.Context, evt event.Event) error {
	payload, err := transfer.DecodeEventPayload(evt.PayloadJSON)
	if err != nil {
		return err
	}
	sides := []struct {
		suffix          string
		accountID       string
		transactionType account.TransactionType
	}{
		{"validate_src", payload.SourceAccountID, account.TransactionTransferOut},
		{"validate_dst", payload.TargetAccountID, account.TransactionTransferIn},
	}
	for _, side := range sides {
		err := r.send(ctx, evt, side.suffix, side.accountID, account.CmdValidate, account.ValidatePayload{
			TransactionID:   evt.AggregateID,
			TransactionType: side.transactionType,
		})
		if err == nil {
			continue
		}
		if apperrors.IsCode(err, apperrors.CodeAccountNotOpened) {
			r.log.Warn().
				Str("transaction_id", evt.AggregateID).
				Str("account_id", side.accountID).
				Msg("account failed validation, canceling transfer")
			return r.send(ctx, evt, "cancel", evt.AggregateID, transfer.CmdCancel, struct{}{})
		}
		return err
	}
	return nil
}

func (r *Router) onAccountValidated(ctx context.Context, evt event.Event) error {
	payload, err := account.DecodeValidatedPayload(evt.PayloadJSON)
	if err != nil {
		return err
	}
	switch payload.TransactionType {
	case account.TransactionTransferOut, account.TransactionTransferIn:
		return r.send(ctx, evt, "confirm_validated", payload.TransactionID, transfer.CmdConfirmAccountValidated,
			transfer.ConfirmAccountValidatedPayload{AccountID: payload.AccountID})
	default:
		return nil
	}
}

// onTransferValidationCompleted reserves the funds on both sides.
func (r *Router) onTransferValidationCompleted(ctx context.Context, evt event.Event) error {
	payload, err := transfer.DecodeEventPayload(evt.PayloadJSON)
	if err != nil {
		return err
	}
	if err := r.send(ctx, evt, "prepare_out", payload.SourceAccountID, account.CmdAddPreparation, account.Preparation{
		TransactionID:   evt.AggregateID,
		TransactionType: account.TransactionTransferOut,
		PreparationType: account.PreparationDebit,
		Amount:          payload.Amount,
	}); err != nil {
		return err
	}
	return r.send(ctx, evt, "prepare_in", payload.TargetAccountID, account.CmdAddPreparation, account.Preparation{
		TransactionID:   evt.AggregateID,
		TransactionType: account.TransactionTransferIn,
		PreparationType: account.PreparationCredit,
		Amount:          payload.Amount,
	})
}

func (r *Router) onPreparationAdded(ctx context.Context, evt event.Event) error {
	payload, err := account.DecodePreparationPayload(evt.PayloadJSON)
	if err != nil {
		return err
	}
	switch payload.TransactionType {
	case account.TransactionTransferOut:
		return r.send(ctx, evt, "confirm_prep", payload.TransactionID, transfer.CmdConfirmOutPreparation, struct{}{})
	case account.TransactionTransferIn:
		return r.send(ctx, evt, "confirm_prep", payload.TransactionID, transfer.CmdConfirmInPreparation, struct{}{})
	case account.TransactionDeposit:
		return r.send(ctx, evt, "confirm_prep", payload.TransactionID, deposit.CmdConfirmPreparation, struct{}{})
	default:
		return nil
	}
}

// onTransferPreparationCompleted commits the reservations on both sides.
// The incoming preparation confirmation is what closes the preparation
// phase, so it carries the commit fan-out.
func (r *Router) onTransferPreparationCompleted(ctx context.Context, evt event.Event) error {
	payload, err := transfer.DecodeEventPayload(evt.PayloadJSON)
	if err != nil {
		return err
	}
	if err := r.send(ctx, evt, "commit_out", payload.SourceAccountID, account.CmdCommitPreparation,
		account.TransactionRefPayload{TransactionID: evt.AggregateID}); err != nil {
		return err
	}
	return r.send(ctx, evt, "commit_in", payload.TargetAccountID, account.CmdCommitPreparation,
		account.TransactionRefPayload{TransactionID: evt.AggregateID})
}

func (r *Router) onPreparationCommitted(ctx context.Context, evt event.Event) error {
	payload, err := account.DecodeCommittedPayload(evt.PayloadJSON)
	if err != nil {
		return err
	}
	switch payload.TransactionType {
	case account.TransactionTransferOut:
		return r.send(ctx, evt, "confirm_commit", payload.TransactionID, transfer.CmdConfirmOut, struct{}{})
	case account.TransactionTransferIn:
		return r.send(ctx, evt, "confirm_commit", payload.TransactionID, transfer.CmdConfirmIn, struct{}{})
	case account.TransactionDeposit:
		return r.send(ctx, evt, "confirm_commit", payload.TransactionID, deposit.CmdConfirm, struct{}{})
	default:
		return nil
	}
}

func (r *Router) onInsufficientBalance(ctx context.Context, evt event.Event) error {
	payload, err := account.DecodeInsufficientBalancePayload(evt.PayloadJSON)
	if err != nil {
		return err
	}
	if payload.TransactionType != account.TransactionTransferOut {
		return nil
	}
	r.log.Warn().
		Str("transaction_id", payload.TransactionID).
		Str("account_id", payload.AccountID).
		Int64("amount", payload.Amount).
		Int64("available", payload.Available).
		Msg("insufficient balance, canceling transfer")
	return r.send(ctx, evt, "cancel", payload.TransactionID, transfer.CmdCancel, struct{}{})
}

// onTransferCanceled releases any reservations on both sides.
func (r *Router) onTransferCanceled(ctx context.Context, evt event.Event) error {
	payload, err := transfer.DecodeEventPayload(evt.PayloadJSON)
	if err != nil {
		return err
	}
	ref := account.TransactionRefPayload{TransactionID: evt.AggregateID}
	if payload.SourceAccountID != "" {
		if err := r.send(ctx, evt, "release_out", payload.SourceAccountID, account.CmdCancelPreparation, ref); err != nil {
			return err
		}
	}
	if payload.TargetAccountID != "" {
		if err := r.send(ctx, evt, "release_in", payload.TargetAccountID, account.CmdCancelPreparation, ref); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) onDepositStarted(ctx context.Context, evt event.Event) error {
	payload, err := deposit.DecodePayload(evt.PayloadJSON)
	if err != nil {
		return err
	}
	return r.send(ctx, evt, "prepare", payload.AccountID, account.CmdAddPreparation, account.Preparation{
		TransactionID:   evt.AggregateID,
		TransactionType: account.TransactionDeposit,
		PreparationType: account.PreparationCredit,
		Amount:          payload.Amount,
	})
}

func (r *Router) onDepositPreparationCompleted(ctx context.Context, evt event.Event) error {
	payload, err := deposit.DecodePayload(evt.PayloadJSON)
	if err != nil {
		return err
	}
	return r.send(ctx, evt, "commit", payload.AccountID, account.CmdCommitPreparation,
		account.TransactionRefPayload{TransactionID: evt.AggregateID})
}
