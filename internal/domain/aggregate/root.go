// Package aggregate provides the versioned entity kernel domain aggregates
// embed: an uncommitted-event buffer plus fold-table replay.
//
// Aggregates compose a Root rather than inheriting from it. Each aggregate
// registers a fold function per event type; Apply and Replay route events
// through that table, so there is no reflection on the hot path.
package aggregate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ferrobank/teller/internal/domain/event"
	apperrors "github.com/ferrobank/teller/internal/platform/errors"
)

var (
	// ErrIDRequired indicates a missing aggregate id.
	ErrIDRequired = apperrors.New(apperrors.CodeCommandInvalid, "aggregate id is required")
	// ErrCorruptedHistory indicates a gap in the committed event sequence.
	ErrCorruptedHistory = apperrors.New(apperrors.CodeCorruptedHistory, "event history has a version gap")
)

// FoldFunc mutates the owning aggregate's state for one event. Folds are
// unconditional state setters; guards live in the aggregate's operations.
type FoldFunc func(evt event.Event) error

// Root is the versioned core of an event-sourced aggregate.
//
// A Root is owned exclusively by the command-handling call that loaded it and
// is discarded afterwards; it is not safe for concurrent use.
type Root struct {
	id      string
	version uint64
	pending []event.Event
	folds   map[event.Type]FoldFunc
}

// NewRoot creates a root for the given aggregate id with its fold table.
func NewRoot(id string, folds map[event.Type]FoldFunc) (*Root, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrIDRequired
	}
	return &Root{id: id, folds: folds}, nil
}

// ID returns the aggregate id.
func (r *Root) ID() string {
	return r.id
}

// Version returns the count of applied events, committed and pending.
func (r *Root) Version() uint64 {
	return r.version
}

// Apply records a new event produced by a business operation.
//
// The event is assigned the next version, appended to the uncommitted buffer,
// and folded into state synchronously so that subsequent operations within
// the same call observe the updated state. Multi-event operations (the saga
// join points) depend on this.
func (r *Root) Apply(evtType event.Type, payload any) error {
	fold, ok := r.folds[evtType]
	if !ok {
		return fmt.Errorf("no fold registered for event type %s", evtType)
	}

	payloadJSON := []byte("{}")
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", evtType, err)
		}
		payloadJSON = encoded
	}

	evt := event.Event{
		AggregateID: r.id,
		Version:     r.version + 1,
		ID:          uuid.NewString(),
		Type:        evtType,
		Timestamp:   time.Now().UTC().Truncate(time.Millisecond),
		PayloadJSON: payloadJSON,
	}

	if err := fold(evt); err != nil {
		return fmt.Errorf("fold %s: %w", evtType, err)
	}
	r.version = evt.Version
	r.pending = append(r.pending, evt)
	return nil
}

// Replay rebuilds state from committed history in ascending version order.
//
// Unknown event types are skipped but still advance the version counter, so
// streams written by newer code replay cleanly. A version gap means the
// history is corrupted and the aggregate must not be used.
func (r *Root) Replay(events []event.Event) error {
	if len(r.pending) > 0 {
		return fmt.Errorf("replay after apply is not allowed")
	}
	for _, evt := range events {
		expected := r.version + 1
		if evt.Version != expected {
			return fmt.Errorf("%w: aggregate %s expected version %d got %d", ErrCorruptedHistory, r.id, expected, evt.Version)
		}
		if fold, ok := r.folds[evt.Type]; ok {
			if err := fold(evt); err != nil {
				return fmt.Errorf("fold %s at version %d: %w", evt.Type, evt.Version, err)
			}
		}
		r.version = evt.Version
	}
	return nil
}

// Uncommitted drains and returns the buffered events for persistence.
func (r *Root) Uncommitted() []event.Event {
	pending := r.pending
	r.pending = nil
	return pending
}
