// Package event defines the domain event envelope and type registry.
package event

import (
	"strings"
	"time"
)

// Type identifies the kind of a domain event.
type Type string

// IsValid reports whether the event type is usable.
func (t Type) IsValid() bool {
	return strings.TrimSpace(string(t)) != ""
}

// Domain returns the domain prefix of the event type (e.g., "transfer", "account").
func (t Type) Domain() string {
	for i, c := range t {
		if c == '.' {
			return string(t[:i])
		}
	}
	return string(t)
}

// Event represents an immutable event in an aggregate's stream.
//
// The ordering key is (AggregateID, Version): versions are assigned
// monotonically at apply time, starting at 1, and never renumbered after
// persistence.
type Event struct {
	// AggregateID is the aggregate this event belongs to.
	AggregateID string
	// Version is the event's position within the aggregate stream (starts at 1).
	Version uint64
	// ID is the globally unique event identity.
	ID string
	// Type identifies the kind of event.
	Type Type
	// Timestamp is when the event occurred.
	Timestamp time.Time
	// PayloadJSON holds event-specific data as JSON.
	PayloadJSON []byte
}
