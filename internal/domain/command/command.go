// Package command defines the command envelope and command-type registry.
package command

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ferrobank/teller/internal/domain/event"
	apperrors "github.com/ferrobank/teller/internal/platform/errors"
)

var (
	// ErrCommandIDRequired indicates a missing command id.
	ErrCommandIDRequired = apperrors.New(apperrors.CodeCommandInvalid, "command id is required")
	// ErrAggregateIDRequired indicates a missing aggregate id.
	ErrAggregateIDRequired = apperrors.New(apperrors.CodeCommandInvalid, "aggregate id is required")
	// ErrTypeRequired indicates a missing command type.
	ErrTypeRequired = apperrors.New(apperrors.CodeCommandInvalid, "command type is required")
	// ErrTypeUnknown indicates an unregistered command type.
	ErrTypeUnknown = apperrors.New(apperrors.CodeCommandTypeUnknown, "command type is not registered")
	// ErrPayloadInvalid indicates malformed payload JSON.
	ErrPayloadInvalid = apperrors.New(apperrors.CodeCommandInvalid, "payload json must be valid")
)

// Type identifies the command type string.
type Type string

// Command captures the canonical command envelope.
//
// CommandID is the idempotency key: dispatching the same CommandID twice
// must yield the same observable state and result as dispatching once.
type Command struct {
	CommandID   string
	AggregateID string
	Type        Type
	PayloadJSON []byte
}

// PayloadValidator validates a payload JSON document.
type PayloadValidator func(json.RawMessage) error

// DecideFunc produces the events a command emits given the aggregate's
// committed history. A nil event slice with a nil error is an accepted no-op.
type DecideFunc func(history []event.Event, cmd Command) ([]event.Event, error)

// Definition registers metadata and the decision entry point for a command type.
type Definition struct {
	Type            Type
	ValidatePayload PayloadValidator
	Decide          DecideFunc
}

// Registry stores command definitions and validates commands before dispatch.
type Registry struct {
	definitions map[Type]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[Type]Definition)}
}

// Register adds a new command type definition to the registry.
func (r *Registry) Register(def Definition) error {
	if r == nil {
		return fmt.Errorf("registry is required")
	}
	def.Type = Type(strings.TrimSpace(string(def.Type)))
	if def.Type == "" {
		return ErrTypeRequired
	}
	if def.Decide == nil {
		return fmt.Errorf("decide func is required for %s", def.Type)
	}
	if r.definitions == nil {
		r.definitions = make(map[Type]Definition)
	}
	if _, exists := r.definitions[def.Type]; exists {
		return fmt.Errorf("command type already registered: %s", def.Type)
	}
	r.definitions[def.Type] = def
	return nil
}

// Definition returns the command definition for a given type.
func (r *Registry) Definition(cmdType Type) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	cmdType = Type(strings.TrimSpace(string(cmdType)))
	if cmdType == "" {
		return Definition{}, false
	}
	def, ok := r.definitions[cmdType]
	return def, ok
}

// ValidateForDispatch validates and normalizes a command before dispatch.
func (r *Registry) ValidateForDispatch(cmd Command) (Command, error) {
	cmd.CommandID = strings.TrimSpace(cmd.CommandID)
	if cmd.CommandID == "" {
		return Command{}, ErrCommandIDRequired
	}
	cmd.AggregateID = strings.TrimSpace(cmd.AggregateID)
	if cmd.AggregateID == "" {
		return Command{}, ErrAggregateIDRequired
	}
	cmd.Type = Type(strings.TrimSpace(string(cmd.Type)))
	if cmd.Type == "" {
		return Command{}, ErrTypeRequired
	}
	def, ok := r.definitions[cmd.Type]
	if !ok {
		return Command{}, ErrTypeUnknown
	}

	if len(cmd.PayloadJSON) == 0 {
		cmd.PayloadJSON = []byte("{}")
	}
	if !json.Valid(cmd.PayloadJSON) {
		return Command{}, ErrPayloadInvalid
	}
	if def.ValidatePayload != nil {
		if err := def.ValidatePayload(json.RawMessage(cmd.PayloadJSON)); err != nil {
			return Command{}, fmt.Errorf("payload invalid: %w", err)
		}
	}
	return cmd, nil
}
