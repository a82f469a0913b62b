// Package memory provides in-memory event and command stores for tests and
// local development. Both stores are safe for concurrent use.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ferrobank/teller/internal/domain/event"
	apperrors "github.com/ferrobank/teller/internal/platform/errors"
	"github.com/ferrobank/teller/internal/storage"
)

// EventStore is an in-memory implementation of storage.EventStore.
type EventStore struct {
	mu       sync.RWMutex
	streams  map[string][]event.Event
	registry *event.Registry
}

// NewEventStore creates an empty in-memory event store. The registry
// validates every event before it is appended.
func NewEventStore(registry *event.Registry) *EventStore {
	return &EventStore{
		streams:  make(map[string][]event.Event),
		registry: registry,
	}
}

// Load returns the full event history of an aggregate in version order.
func (s *EventStore) Load(ctx context.Context, aggregateID string) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream := s.streams[aggregateID]
	out := make([]event.Event, len(stream))
	copy(out, stream)
	return out, nil
}

// ListEvents returns up to limit events with version greater than
// afterVersion, in version order. A limit of zero or less means no limit.
func (s *EventStore) ListEvents(ctx context.Context, aggregateID string, afterVersion uint64, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []event.Event
	for _, evt := range s.streams[aggregateID] {
		if evt.Version <= afterVersion {
			continue
		}
		out = append(out, evt)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// LatestVersion returns the current stream version, or zero for a missing
// aggregate.
func (s *EventStore) LatestVersion(ctx context.Context, aggregateID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.streams[aggregateID])), nil
}

// Append writes the events atomically, building on expectedVersion.
func (s *EventStore) Append(ctx context.Context, aggregateID string, expectedVersion uint64, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	validated := make([]event.Event, len(events))
	for i, evt := range events {
		v, err := s.registry.ValidateForAppend(evt)
		if err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
		if v.AggregateID != aggregateID {
			return fmt.Errorf("event %d: aggregate id %q does not match stream %q", i, v.AggregateID, aggregateID)
		}
		if v.Version != expectedVersion+uint64(i)+1 {
			return fmt.Errorf("event %d: version %d does not extend stream at %d", i, v.Version, expectedVersion)
		}
		validated[i] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current := uint64(len(s.streams[aggregateID]))
	if current != expectedVersion {
		return apperrors.Wrap(apperrors.CodeConcurrencyConflict,
			fmt.Sprintf("stream %s at version %d, append expected %d", aggregateID, current, expectedVersion),
			storage.ErrConcurrencyConflict)
	}
	s.streams[aggregateID] = append(s.streams[aggregateID], validated...)
	return nil
}

// CommandStore is an in-memory implementation of storage.CommandStore.
type CommandStore struct {
	mu      sync.RWMutex
	handled map[string]storage.HandledCommand
}

// NewCommandStore creates an empty in-memory command store.
func NewCommandStore() *CommandStore {
	return &CommandStore{handled: make(map[string]storage.HandledCommand)}
}

// Record inserts the handled command. The first write wins.
func (s *CommandStore) Record(ctx context.Context, handled storage.HandledCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handled.CommandID == "" {
		return fmt.Errorf("command id is required")
	}
	if handled.CreatedAt.IsZero() {
		handled.CreatedAt = time.Now().UTC()
	}
	if len(handled.ResultJSON) == 0 {
		handled.ResultJSON = []byte("{}")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handled[handled.CommandID]; exists {
		return apperrors.Wrap(apperrors.CodeDuplicateCommand,
			fmt.Sprintf("command %s already handled", handled.CommandID),
			storage.ErrDuplicateCommand)
	}
	s.handled[handled.CommandID] = handled
	return nil
}

// Get returns the handled command, or ErrNotFound.
func (s *CommandStore) Get(ctx context.Context, commandID string) (storage.HandledCommand, error) {
	if err := ctx.Err(); err != nil {
		return storage.HandledCommand{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	handled, exists := s.handled[commandID]
	if !exists {
		return storage.HandledCommand{}, storage.ErrNotFound
	}
	return handled, nil
}
