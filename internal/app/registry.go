package app

import (
	"fmt"

	"github.com/ferrobank/teller/internal/domain/account"
	"github.com/ferrobank/teller/internal/domain/command"
	"github.com/ferrobank/teller/internal/domain/deposit"
	"github.com/ferrobank/teller/internal/domain/event"
	"github.com/ferrobank/teller/internal/domain/transfer"
)

// BuildRegistries wires every domain's command and event definitions.
func BuildRegistries() (*command.Registry, *event.Registry, error) {
	events := event.NewRegistry()
	for _, register := range []func(*event.Registry) error{
		transfer.RegisterEvents,
		account.RegisterEvents,
		deposit.RegisterEvents,
	} {
		if err := register(events); err != nil {
			return nil, nil, fmt.Errorf("register events: %w", err)
		}
	}

	commands := command.NewRegistry()
	for _, register := range []func(*command.Registry) error{
		transfer.RegisterCommands,
		account.RegisterCommands,
		deposit.RegisterCommands,
	} {
		if err := register(commands); err != nil {
			return nil, nil, fmt.Errorf("register commands: %w", err)
		}
	}
	return commands, events, nil
}
