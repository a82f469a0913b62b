package sqlite

import (
	"context"
	"fmt"

	"github.com/ferrobank/teller/internal/domain/event"
	apperrors "github.com/ferrobank/teller/internal/platform/errors"
	"github.com/ferrobank/teller/internal/storage"
)

// Load returns the full event history of an aggregate in version order.
func (s *Store) Load(ctx context.Context, aggregateID string) ([]event.Event, error) {
	return s.ListEvents(ctx, aggregateID, 0, 0)
}

// ListEvents returns up to limit events with version greater than
// afterVersion, in version order. A limit of zero or less means no limit.
func (s *Store) ListEvents(ctx context.Context, aggregateID string, afterVersion uint64, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := `
SELECT aggregate_id, version, event_id, event_type, timestamp, payload_json
FROM events
WHERE aggregate_id = ? AND version > ?
ORDER BY version ASC`
	args := []any{aggregateID, afterVersion}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		if isBusyError(err) {
			return nil, apperrors.Wrap(apperrors.CodeTransient, "list events", err)
		}
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var evt event.Event
		var timestamp int64
		var evtType string
		if err := rows.Scan(&evt.AggregateID, &evt.Version, &evt.ID, &evtType, &timestamp, &evt.PayloadJSON); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		evt.Type = event.Type(evtType)
		evt.Timestamp = fromMillis(timestamp)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read event rows: %w", err)
	}
	return events, nil
}

// LatestVersion returns the current stream version, or zero for a missing
// aggregate.
func (s *Store) LatestVersion(ctx context.Context, aggregateID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var version uint64
	row := s.sqlDB.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?", aggregateID)
	if err := row.Scan(&version); err != nil {
		if isBusyError(err) {
			return 0, apperrors.Wrap(apperrors.CodeTransient, "read stream version", err)
		}
		return 0, fmt.Errorf("read stream version: %w", err)
	}
	return version, nil
}

// Append writes the events atomically, building on expectedVersion. A stream
// that has moved past expectedVersion fails with ErrConcurrencyConflict and
// writes nothing.
func (s *Store) Append(ctx context.Context, aggregateID string, expectedVersion uint64, events []event.Event) error {
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

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		if isBusyError(err) {
			return apperrors.Wrap(apperrors.CodeTransient, "begin append", err)
		}
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var current uint64
	row := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?", aggregateID)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read stream version: %w", err)
	}
	if current != expectedVersion {
		return apperrors.Wrap(apperrors.CodeConcurrencyConflict,
			fmt.Sprintf("stream %s at version %d, append expected %d", aggregateID, current, expectedVersion),
			storage.ErrConcurrencyConflict)
	}

	for _, evt := range validated {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO events (aggregate_id, version, event_id, event_type, timestamp, payload_json)
VALUES (?, ?, ?, ?, ?, ?)`,
			evt.AggregateID, evt.Version, evt.ID, string(evt.Type), toMillis(evt.Timestamp), string(evt.PayloadJSON),
		); err != nil {
			// A writer that slipped in between the version read and the
			// insert surfaces as a primary key violation.
			if isConstraintError(err) {
				return apperrors.Wrap(apperrors.CodeConcurrencyConflict, "append raced another writer", storage.ErrConcurrencyConflict)
			}
			if isBusyError(err) {
				return apperrors.Wrap(apperrors.CodeTransient, "insert event", err)
			}
			return fmt.Errorf("insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isBusyError(err) {
			return apperrors.Wrap(apperrors.CodeTransient, "commit append", err)
		}
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}
