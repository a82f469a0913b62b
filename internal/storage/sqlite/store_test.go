package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ferrobank/teller/internal/domain/event"
	apperrors "github.com/ferrobank/teller/internal/platform/errors"
	"github.com/ferrobank/teller/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	registry := event.NewRegistry()
	if err := registry.Register(event.Definition{Type: "test.created"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := registry.Register(event.Definition{Type: "test.updated"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	store, err := Open(filepath.Join(t.TempDir(), "teller.db"), registry)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return store
}

func testEvent(aggregateID string, version uint64, evtType event.Type) event.Event {
	return event.Event{
		AggregateID: aggregateID,
		Version:     version,
		ID:          aggregateID + "-" + string(rune('0'+version)),
		Type:        evtType,
		Timestamp:   time.Now().UTC(),
		PayloadJSON: []byte(`{"n":1}`),
	}
}

func TestAppendAndLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	events := []event.Event{
		testEvent("agg-1", 1, "test.created"),
		testEvent("agg-1", 2, "test.updated"),
	}
	if err := store.Append(ctx, "agg-1", 0, events); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	loaded, err := store.Load(ctx, "agg-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("Load() = %d events, want 2", len(loaded))
	}
	for i, evt := range loaded {
		if evt.Version != uint64(i+1) {
			t.Errorf("event %d version = %d, want %d", i, evt.Version, i+1)
		}
	}
	if loaded[1].Type != "test.updated" {
		t.Errorf("event 1 type = %v, want test.updated", loaded[1].Type)
	}
	if string(loaded[0].PayloadJSON) != `{"n":1}` {
		t.Errorf("event 0 payload = %s, want {\"n\":1}", loaded[0].PayloadJSON)
	}
}

func TestListEventsPagesFromVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	events := []event.Event{
		testEvent("agg-1", 1, "test.created"),
		testEvent("agg-1", 2, "test.updated"),
		testEvent("agg-1", 3, "test.updated"),
	}
	if err := store.Append(ctx, "agg-1", 0, events); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	page, err := store.ListEvents(ctx, "agg-1", 1, 1)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(page) != 1 || page[0].Version != 2 {
		t.Fatalf("ListEvents(after 1, limit 1) = %+v, want single event at version 2", page)
	}

	rest, err := store.ListEvents(ctx, "agg-1", 2, 0)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(rest) != 1 || rest[0].Version != 3 {
		t.Fatalf("ListEvents(after 2) = %+v, want single event at version 3", rest)
	}
}

func TestLatestVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	version, err := store.LatestVersion(ctx, "agg-missing")
	if err != nil {
		t.Fatalf("LatestVersion() error = %v", err)
	}
	if version != 0 {
		t.Errorf("LatestVersion(missing) = %d, want 0", version)
	}

	events := []event.Event{
		testEvent("agg-1", 1, "test.created"),
		testEvent("agg-1", 2, "test.updated"),
	}
	if err := store.Append(ctx, "agg-1", 0, events); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	version, err = store.LatestVersion(ctx, "agg-1")
	if err != nil {
		t.Fatalf("LatestVersion() error = %v", err)
	}
	if version != 2 {
		t.Errorf("LatestVersion() = %d, want 2", version)
	}
}

func TestLoadMissingAggregate(t *testing.T) {
	store := newTestStore(t)
	loaded, err := store.Load(context.Background(), "agg-missing")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("Load() = %d events, want 0", len(loaded))
	}
}

func TestAppendStaleVersionConflicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Append(ctx, "agg-1", 0, []event.Event{testEvent("agg-1", 1, "test.created")}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	stale := []event.Event{testEvent("agg-1", 1, "test.updated")}
	err := store.Append(ctx, "agg-1", 0, stale)
	if !errors.Is(err, storage.ErrConcurrencyConflict) {
		t.Fatalf("stale Append() error = %v, want %v", err, storage.ErrConcurrencyConflict)
	}
	if !apperrors.IsCode(err, apperrors.CodeConcurrencyConflict) {
		t.Errorf("stale Append() code = %v, want %v", apperrors.CodeOf(err), apperrors.CodeConcurrencyConflict)
	}

	// The failed append must not partially write.
	loaded, err := store.Load(ctx, "agg-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded) != 1 {
		t.Errorf("Load() = %d events, want 1", len(loaded))
	}
}

func TestAppendValidatesStreamShape(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	gap := []event.Event{testEvent("agg-1", 2, "test.created")}
	if err := store.Append(ctx, "agg-1", 0, gap); err == nil {
		t.Error("Append() with version gap succeeded, want error")
	}

	foreign := []event.Event{testEvent("agg-2", 1, "test.created")}
	if err := store.Append(ctx, "agg-1", 0, foreign); err == nil {
		t.Error("Append() with foreign aggregate id succeeded, want error")
	}

	unknown := []event.Event{testEvent("agg-1", 1, "test.unknown")}
	if err := store.Append(ctx, "agg-1", 0, unknown); err == nil {
		t.Error("Append() with unregistered type succeeded, want error")
	}
}

func TestRecordAndGetHandledCommand(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	handled := storage.HandledCommand{
		CommandID:   "cmd-1",
		AggregateID: "agg-1",
		CommandType: "test.create",
		ResultJSON:  []byte(`{"aggregate_id":"agg-1","version":1}`),
	}
	if err := store.Record(ctx, handled); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	got, err := store.Get(ctx, "cmd-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.AggregateID != "agg-1" || got.CommandType != "test.create" {
		t.Errorf("Get() = %+v, want aggregate agg-1 and type test.create", got)
	}
	if string(got.ResultJSON) != string(handled.ResultJSON) {
		t.Errorf("Get() result = %s, want %s", got.ResultJSON, handled.ResultJSON)
	}
	if got.CreatedAt.IsZero() {
		t.Error("Get() created at is zero, want recording time")
	}
}

func TestRecordDuplicateCommand(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	handled := storage.HandledCommand{CommandID: "cmd-1", AggregateID: "agg-1", CommandType: "test.create"}
	if err := store.Record(ctx, handled); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	again := storage.HandledCommand{CommandID: "cmd-1", AggregateID: "agg-other", CommandType: "test.create"}
	err := store.Record(ctx, again)
	if !errors.Is(err, storage.ErrDuplicateCommand) {
		t.Fatalf("duplicate Record() error = %v, want %v", err, storage.ErrDuplicateCommand)
	}

	// The first write wins.
	got, err := store.Get(ctx, "cmd-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.AggregateID != "agg-1" {
		t.Errorf("Get() aggregate = %q, want agg-1", got.AggregateID)
	}
}

func TestGetMissingCommand(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Get(context.Background(), "cmd-missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get() error = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestOpenRequiresPathAndRegistry(t *testing.T) {
	if _, err := Open("", event.NewRegistry()); err == nil {
		t.Error("Open(\"\") succeeded, want error")
	}
	if _, err := Open(filepath.Join(t.TempDir(), "teller.db"), nil); err == nil {
		t.Error("Open() with nil registry succeeded, want error")
	}
}
