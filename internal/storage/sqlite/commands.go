package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ferrobank/teller/internal/domain/command"
	apperrors "github.com/ferrobank/teller/internal/platform/errors"
	"github.com/ferrobank/teller/internal/storage"
)

// Record inserts the handled command. The first write wins; recording an
// already recorded command id fails with ErrDuplicateCommand.
func (s *Store) Record(ctx context.Context, handled storage.HandledCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handled.CommandID == "" {
		return fmt.Errorf("command id is required")
	}
	createdAt := handled.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	result := handled.ResultJSON
	if len(result) == 0 {
		result = []byte("{}")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO handled_commands (command_id, aggregate_id, command_type, result_json, created_at)
VALUES (?, ?, ?, ?, ?)`,
		handled.CommandID, handled.AggregateID, string(handled.CommandType), string(result), toMillis(createdAt),
	); err != nil {
		if isConstraintError(err) {
			return apperrors.Wrap(apperrors.CodeDuplicateCommand,
				fmt.Sprintf("command %s already handled", handled.CommandID),
				storage.ErrDuplicateCommand)
		}
		if isBusyError(err) {
			return apperrors.Wrap(apperrors.CodeTransient, "record handled command", err)
		}
		return fmt.Errorf("record handled command: %w", err)
	}
	return nil
}

// Get returns the handled command, or ErrNotFound.
func (s *Store) Get(ctx context.Context, commandID string) (storage.HandledCommand, error) {
	if err := ctx.Err(); err != nil {
		return storage.HandledCommand{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT command_id, aggregate_id, command_type, result_json, created_at
FROM handled_commands
WHERE command_id = ?`, commandID)

	var handled storage.HandledCommand
	var cmdType string
	var createdAt int64
	if err := row.Scan(&handled.CommandID, &handled.AggregateID, &cmdType, &handled.ResultJSON, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.HandledCommand{}, storage.ErrNotFound
		}
		if isBusyError(err) {
			return storage.HandledCommand{}, apperrors.Wrap(apperrors.CodeTransient, "get handled command", err)
		}
		return storage.HandledCommand{}, fmt.Errorf("get handled command: %w", err)
	}
	handled.CommandType = command.Type(cmdType)
	handled.CreatedAt = fromMillis(createdAt)
	return handled, nil
}
