// Package dispatch runs the command processing pipeline: idempotency lookup,
// aggregate load, decision, optimistic append, handled-command record, and
// event publication.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ferrobank/teller/internal/domain/command"
	"github.com/ferrobank/teller/internal/domain/event"
	apperrors "github.com/ferrobank/teller/internal/platform/errors"
	"github.com/ferrobank/teller/internal/storage"
)

const (
	// maxAttempts bounds reload-and-retry on version conflicts and
	// transient storage failures.
	maxAttempts = 3
	retryDelay  = 25 * time.Millisecond
)

// Publisher delivers persisted events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, events []event.Event) error
}

// Result summarizes a processed command.
type Result struct {
	AggregateID string `json:"aggregate_id"`
	// Version is the aggregate version after the command.
	Version uint64 `json:"version"`
	// Events is the number of events the command appended. Together with
	// Version it locates the command's slice of the stream.
	Events int `json:"events"`
	// Duplicate reports that the command had already been handled and
	// the recorded result was returned instead of re-executing.
	Duplicate bool `json:"-"`
}

// Dispatcher processes commands against the event store.
type Dispatcher struct {
	commands *command.Registry
	events   storage.EventStore
	handled  storage.CommandStore
	pub      Publisher
	locks    *stripedLocks
	log      zerolog.Logger
	tracer   trace.Tracer
}

// Options configures a Dispatcher.
type Options struct {
	Commands *command.Registry
	Events   storage.EventStore
	Handled  storage.CommandStore
	// Publisher receives events after they are durably stored. Optional;
	// when nil events are stored but not forwarded.
	Publisher Publisher
	Logger    zerolog.Logger
	// LockStripes sets the number of per-aggregate lock stripes.
	// Defaults to 64.
	LockStripes int
}

// New creates a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.Commands == nil {
		return nil, fmt.Errorf("command registry is required")
	}
	if opts.Events == nil {
		return nil, fmt.Errorf("event store is required")
	}
	if opts.Handled == nil {
		return nil, fmt.Errorf("command store is required")
	}
	return &Dispatcher{
		commands: opts.Commands,
		events:   opts.Events,
		handled:  opts.Handled,
		pub:      opts.Publisher,
		locks:    newStripedLocks(opts.LockStripes),
		log:      opts.Logger,
		tracer:   otel.Tracer("teller/dispatch"),
	}, nil
}

// Handle processes one command exactly once. Redelivering a handled command
// id returns the recorded result without re-executing the decision, and
// publishes the command's stored events again so a delivery that failed
// after persistence is recovered on retry. Events are published only after
// they are durably stored; a publish failure is returned alongside the
// result so the caller can redeliver.
func (d *Dispatcher) Handle(ctx context.Context, cmd command.Command) (Result, error) {
	cmd, err := d.commands.ValidateForDispatch(cmd)
	if err != nil {
		return Result{}, err
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.Handle", trace.WithAttributes(
		attribute.String("command.id", cmd.CommandID),
		attribute.String("command.type", string(cmd.Type)),
		attribute.String("aggregate.id", cmd.AggregateID),
	))
	defer span.End()

	if result, found, err := d.recorded(ctx, cmd.CommandID); err != nil {
		return Result{}, err
	} else if found {
		span.SetAttributes(attribute.Bool("command.duplicate", true))
		// A redelivered command id can mean the first delivery failed
		// after the record was written, leaving its stored events off
		// the bus. Publishing them again is safe downstream.
		return result, d.republish(ctx, cmd, result)
	}

	def, ok := d.commands.Definition(cmd.Type)
	if !ok {
		return Result{}, apperrors.New(apperrors.CodeCommandTypeUnknown, fmt.Sprintf("command type is not registered: %s", cmd.Type))
	}

	mu := d.locks.lock(cmd.AggregateID)
	defer mu.Unlock()

	// A racing dispatch of the same command id may have recorded while
	// this one waited on the lock.
	if result, found, err := d.recorded(ctx, cmd.CommandID); err != nil {
		return Result{}, err
	} else if found {
		span.SetAttributes(attribute.Bool("command.duplicate", true))
		return result, nil
	}

	var produced []event.Event
	var version uint64
	for attempt := 1; ; attempt++ {
		produced, version, err = d.execute(ctx, def, cmd)
		if err == nil {
			break
		}
		if attempt >= maxAttempts || !apperrors.CodeOf(err).Retryable() {
			return Result{}, err
		}
		d.log.Warn().
			Str("command_id", cmd.CommandID).
			Str("aggregate_id", cmd.AggregateID).
			Int("attempt", attempt).
			Err(err).
			Msg("retrying command")
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(retryDelay):
		}
	}

	result := Result{AggregateID: cmd.AggregateID, Version: version, Events: len(produced)}
	if err := d.record(ctx, cmd, result); err != nil {
		if errors.Is(err, storage.ErrDuplicateCommand) {
			// Another worker finished the same command first. Its
			// record is authoritative.
			recorded, found, lookupErr := d.recorded(ctx, cmd.CommandID)
			if lookupErr != nil {
				return Result{}, lookupErr
			}
			if found {
				return recorded, nil
			}
		}
		return Result{}, err
	}

	d.log.Info().
		Str("command_id", cmd.CommandID).
		Str("command_type", string(cmd.Type)).
		Str("aggregate_id", cmd.AggregateID).
		Uint64("version", version).
		Int("events", len(produced)).
		Msg("command handled")

	if err := d.publish(ctx, cmd.CommandID, produced); err != nil {
		return result, err
	}
	return result, nil
}

// publish delivers stored events with bounded retries so a transient bus
// hiccup does not strand them. A final failure is reported as transient; the
// caller redelivers the command id and republishing picks the events up.
func (d *Dispatcher) publish(ctx context.Context, commandID string, events []event.Event) error {
	if d.pub == nil || len(events) == 0 {
		return nil
	}
	var err error
	for attempt := 1; ; attempt++ {
		err = d.pub.Publish(ctx, events)
		if err == nil {
			return nil
		}
		if attempt >= maxAttempts {
			break
		}
		d.log.Warn().
			Str("command_id", commandID).
			Int("attempt", attempt).
			Err(err).
			Msg("retrying event publication")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	d.log.Error().
		Str("command_id", commandID).
		Err(err).
		Msg("publish after persist failed")
	return apperrors.Wrap(apperrors.CodeTransient, "publish events", err)
}

// republish reloads the events a recorded command appended and publishes
// them again. A redelivered command id is the recovery path for a publish
// that failed after the handled record was written.
func (d *Dispatcher) republish(ctx context.Context, cmd command.Command, result Result) error {
	if d.pub == nil || result.Events == 0 {
		return nil
	}
	after := result.Version - uint64(result.Events)
	events, err := d.events.ListEvents(ctx, cmd.AggregateID, after, result.Events)
	if err != nil {
		return err
	}
	return d.publish(ctx, cmd.CommandID, events)
}

// execute runs one load-decide-append attempt under the aggregate lock.
func (d *Dispatcher) execute(ctx context.Context, def command.Definition, cmd command.Command) ([]event.Event, uint64, error) {
	history, err := d.events.Load(ctx, cmd.AggregateID)
	if err != nil {
		return nil, 0, err
	}
	base := uint64(len(history))

	produced, err := def.Decide(history, cmd)
	if err != nil {
		return nil, 0, err
	}
	if len(produced) == 0 {
		// Accepted no-op: the command is valid but changes nothing.
		return nil, base, nil
	}
	if err := d.events.Append(ctx, cmd.AggregateID, base, produced); err != nil {
		return nil, 0, err
	}
	return produced, base + uint64(len(produced)), nil
}

func (d *Dispatcher) record(ctx context.Context, cmd command.Command, result Result) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal command result: %w", err)
	}
	return d.handled.Record(ctx, storage.HandledCommand{
		CommandID:   cmd.CommandID,
		AggregateID: cmd.AggregateID,
		CommandType: cmd.Type,
		ResultJSON:  resultJSON,
	})
}

func (d *Dispatcher) recorded(ctx context.Context, commandID string) (Result, bool, error) {
	handled, err := d.handled.Get(ctx, commandID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{}, false, nil
		}
		return Result{}, false, err
	}
	var result Result
	if err := json.Unmarshal(handled.ResultJSON, &result); err != nil {
		return Result{}, false, fmt.Errorf("decode recorded result: %w", err)
	}
	result.Duplicate = true
	return result, true, nil
}
