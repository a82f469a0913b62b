package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestRegistryValidateForAppend_MissingAggregateID(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Definition{Type: Type("transfer.started")}); err != nil {
		t.Fatalf("register type: %v", err)
	}

	_, err := registry.ValidateForAppend(Event{Type: Type("transfer.started")})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrAggregateIDRequired) {
		t.Fatalf("expected ErrAggregateIDRequired, got %v", err)
	}
}

func TestRegistryValidateForAppend_UnknownType(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.ValidateForAppend(Event{
		AggregateID: "txn-1",
		Type:        Type("unknown.event"),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrTypeUnknown) {
		t.Fatalf("expected ErrTypeUnknown, got %v", err)
	}
}

func TestRegistryValidateForAppend_DefaultsPayloadAndTimestamp(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Definition{Type: Type("transfer.started")}); err != nil {
		t.Fatalf("register type: %v", err)
	}

	validated, err := registry.ValidateForAppend(Event{
		AggregateID: "txn-1",
		Type:        Type("transfer.started"),
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if string(validated.PayloadJSON) != "{}" {
		t.Fatalf("payload = %q, want %q", validated.PayloadJSON, "{}")
	}
	if validated.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be defaulted")
	}
}

func TestRegistryValidateForAppend_RejectsMalformedPayload(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Definition{Type: Type("transfer.started")}); err != nil {
		t.Fatalf("register type: %v", err)
	}

	_, err := registry.ValidateForAppend(Event{
		AggregateID: "txn-1",
		Type:        Type("transfer.started"),
		PayloadJSON: []byte("{not json"),
	})
	if !errors.Is(err, ErrPayloadInvalid) {
		t.Fatalf("expected ErrPayloadInvalid, got %v", err)
	}
}

func TestRegistryValidateForAppend_RunsPayloadValidator(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Definition{
		Type: Type("transfer.started"),
		ValidatePayload: func(raw json.RawMessage) error {
			var payload struct {
				Amount int64 `json:"amount"`
			}
			if err := json.Unmarshal(raw, &payload); err != nil {
				return err
			}
			if payload.Amount <= 0 {
				return fmt.Errorf("amount must be positive")
			}
			return nil
		},
	}); err != nil {
		t.Fatalf("register type: %v", err)
	}

	_, err := registry.ValidateForAppend(Event{
		AggregateID: "txn-1",
		Type:        Type("transfer.started"),
		PayloadJSON: []byte(`{"amount":-5}`),
	})
	if err == nil {
		t.Fatal("expected payload validator to reject negative amount")
	}
}

func TestRegistryRegister_RejectsDuplicateType(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Definition{Type: Type("transfer.started")}); err != nil {
		t.Fatalf("register type: %v", err)
	}
	if err := registry.Register(Definition{Type: Type("transfer.started")}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestTypeDomain(t *testing.T) {
	if got := Type("transfer.started").Domain(); got != "transfer" {
		t.Fatalf("domain = %q, want %q", got, "transfer")
	}
	if got := Type("plain").Domain(); got != "plain" {
		t.Fatalf("domain = %q, want %q", got, "plain")
	}
}
