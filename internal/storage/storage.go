// Package storage defines the persistence contracts for event streams and
// handled commands. Implementations live in subpackages: sqlite for durable
// storage and memory for tests.
package storage

import (
	"context"
	"time"

	"github.com/ferrobank/teller/internal/domain/command"
	"github.com/ferrobank/teller/internal/domain/event"
	apperrors "github.com/ferrobank/teller/internal/platform/errors"
)

// Sentinel errors shared by all implementations.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")
	// ErrDuplicateCommand is returned when recording a command id that
	// was already recorded.
	ErrDuplicateCommand = apperrors.New(apperrors.CodeDuplicateCommand, "command already handled")
	// ErrConcurrencyConflict is returned when an append builds on a stale
	// stream version.
	ErrConcurrencyConflict = apperrors.New(apperrors.CodeConcurrencyConflict, "event stream version conflict")
)

// EventStore persists per-aggregate event streams.
type EventStore interface {
	// Load returns the full event history of an aggregate in version
	// order. A missing aggregate yields an empty slice, not an error.
	Load(ctx context.Context, aggregateID string) ([]event.Event, error)

	// ListEvents returns up to limit events with version greater than
	// afterVersion, in version order. A limit of zero or less means no
	// limit.
	ListEvents(ctx context.Context, aggregateID string, afterVersion uint64, limit int) ([]event.Event, error)

	// LatestVersion returns the current stream version, or zero for a
	// missing aggregate.
	LatestVersion(ctx context.Context, aggregateID string) (uint64, error)

	// Append writes the events atomically. expectedVersion is the stream
	// version the events build on; if the stream has moved past it the
	// append fails with ErrConcurrencyConflict and writes nothing.
	Append(ctx context.Context, aggregateID string, expectedVersion uint64, events []event.Event) error
}

// HandledCommand is the immutable record of a processed command. ResultJSON
// summarizes the outcome so duplicate deliveries can answer without
// re-executing.
type HandledCommand struct {
	CommandID   string
	AggregateID string
	CommandType command.Type
	ResultJSON  []byte
	CreatedAt   time.Time
}

// CommandStore records processed commands for exactly-once dispatch.
type CommandStore interface {
	// Record inserts the handled command, failing with
	// ErrDuplicateCommand if the command id was already recorded. The
	// first write wins; records are never updated.
	Record(ctx context.Context, handled HandledCommand) error

	// Get returns the handled command, or ErrNotFound.
	Get(ctx context.Context, commandID string) (HandledCommand, error)
}
