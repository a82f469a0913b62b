package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ferrobank/teller/internal/domain/command"
	"github.com/ferrobank/teller/internal/domain/event"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		if err := rdb.Close(); err != nil {
			t.Errorf("close redis client: %v", err)
		}
	})
	return mr, rdb
}

func testResolver() *TopicResolver {
	return NewTopicResolver(map[string]string{
		"transfer": "transfer-events",
		"account":  "account-events",
	}, "")
}

func testEvent(aggregateID, id string, version uint64, evtType event.Type) event.Event {
	return event.Event{
		AggregateID: aggregateID,
		Version:     version,
		ID:          id,
		Type:        evtType,
		Timestamp:   time.Now().UTC().Truncate(time.Millisecond),
		PayloadJSON: []byte(`{"amount":100}`),
	}
}

func TestTopicResolver(t *testing.T) {
	resolver := testResolver()
	topic, err := resolver.Resolve("transfer.started")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if topic != "transfer-events" {
		t.Errorf("Resolve() = %q, want transfer-events", topic)
	}
	if _, err := resolver.Resolve("deposit.started"); err == nil {
		t.Error("Resolve() for unmapped domain succeeded, want error")
	}

	withFallback := NewTopicResolver(map[string]string{"transfer": "transfer-events"}, "misc-events")
	topic, err = withFallback.Resolve("deposit.started")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if topic != "misc-events" {
		t.Errorf("Resolve() = %q, want misc-events", topic)
	}
}

func TestPublisherPartitionRouting(t *testing.T) {
	_, rdb := newTestRedis(t)
	pub, err := NewPublisher(rdb, testResolver(), 4, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	ctx := context.Background()

	events := []event.Event{
		testEvent("tx-1", "evt-1", 1, "transfer.started"),
		testEvent("tx-1", "evt-2", 2, "transfer.source_validated"),
		testEvent("acc-1", "evt-3", 1, "account.opened"),
	}
	if err := pub.Publish(ctx, events); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	// Both transfer events share an aggregate, so they share a stream.
	transferStream := streamName("transfer-events", partition("tx-1", 4))
	length, err := rdb.XLen(ctx, transferStream).Result()
	if err != nil {
		t.Fatalf("XLen(%s) error = %v", transferStream, err)
	}
	if length != 2 {
		t.Errorf("XLen(%s) = %d, want 2", transferStream, length)
	}

	accountStream := streamName("account-events", partition("acc-1", 4))
	length, err = rdb.XLen(ctx, accountStream).Result()
	if err != nil {
		t.Fatalf("XLen(%s) error = %v", accountStream, err)
	}
	if length != 1 {
		t.Errorf("XLen(%s) = %d, want 1", accountStream, length)
	}
}

func TestEventRoundTripsThroughStreamEntry(t *testing.T) {
	evt := testEvent("tx-1", "evt-1", 3, "transfer.started")
	decoded, err := decodeEvent(encodeEvent(evt))
	if err != nil {
		t.Fatalf("decodeEvent() error = %v", err)
	}
	if decoded.AggregateID != evt.AggregateID || decoded.Version != evt.Version || decoded.ID != evt.ID || decoded.Type != evt.Type {
		t.Errorf("decoded = %+v, want %+v", decoded, evt)
	}
	if !decoded.Timestamp.Equal(evt.Timestamp) {
		t.Errorf("decoded timestamp = %v, want %v", decoded.Timestamp, evt.Timestamp)
	}
	if string(decoded.PayloadJSON) != string(evt.PayloadJSON) {
		t.Errorf("decoded payload = %s, want %s", decoded.PayloadJSON, evt.PayloadJSON)
	}
}

func testBridgeConfig(consumerID string, expected int) BridgeConfig {
	return BridgeConfig{
		Group:             "dispatchers",
		ConsumerID:        consumerID,
		Topics:            []string{"transfer-events"},
		Partitions:        4,
		ExpectedConsumers: expected,
		HeartbeatTTL:      200 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
	}
}

func noopHandler(context.Context, event.Event) error { return nil }

func TestWaitReadyGatesOnGroupSize(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := NewBridge(rdb, testBridgeConfig("worker-1", 2), Handlers{Events: noopHandler}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	go func() { _ = first.Run(ctx) }()

	// Alone in a group of two, the gate must not open.
	if err := first.WaitReady(ctx, 100*time.Millisecond); !errors.Is(err, ErrNotReady) {
		t.Fatalf("WaitReady() error = %v, want %v", err, ErrNotReady)
	}

	second, err := NewBridge(rdb, testBridgeConfig("worker-2", 2), Handlers{Events: noopHandler}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	go func() { _ = second.Run(ctx) }()

	if err := first.WaitReady(ctx, 2*time.Second); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	if err := second.WaitReady(ctx, 2*time.Second); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
}

func TestMembershipExpiresWithHeartbeat(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()

	bridge, err := NewBridge(rdb, testBridgeConfig("worker-1", 1), Handlers{Events: noopHandler}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}

	// A peer that stopped heartbeating falls out of the member list once
	// its key expires.
	stale := bridge.memberKey("worker-ghost")
	if err := rdb.Set(ctx, stale, "x", 200*time.Millisecond).Err(); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	members, err := bridge.members(ctx)
	if err != nil {
		t.Fatalf("members() error = %v", err)
	}
	if len(members) != 1 || members[0] != "worker-ghost" {
		t.Fatalf("members() = %v, want [worker-ghost]", members)
	}

	mr.FastForward(time.Second)
	members, err = bridge.members(ctx)
	if err != nil {
		t.Fatalf("members() error = %v", err)
	}
	if len(members) != 0 {
		t.Errorf("members() = %v, want none after expiry", members)
	}
}

func TestPartitionAssignmentCoversAllPartitions(t *testing.T) {
	_, rdb := newTestRedis(t)
	one, err := NewBridge(rdb, testBridgeConfig("worker-1", 2), Handlers{Events: noopHandler}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	two, err := NewBridge(rdb, testBridgeConfig("worker-2", 2), Handlers{Events: noopHandler}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}

	members := []string{"worker-1", "worker-2"}
	seen := make(map[int]string)
	for _, part := range one.assignedPartitions(members) {
		seen[part] = "worker-1"
	}
	for _, part := range two.assignedPartitions(members) {
		if owner, taken := seen[part]; taken {
			t.Errorf("partition %d assigned to both %s and worker-2", part, owner)
		}
		seen[part] = "worker-2"
	}
	if len(seen) != 4 {
		t.Errorf("assignment covers %d partitions, want 4", len(seen))
	}

	if got := one.assignedPartitions([]string{"worker-2"}); got != nil {
		t.Errorf("assignedPartitions() for non-member = %v, want nil", got)
	}
}

func TestBridgeDeliversPublishedEvents(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub, err := NewPublisher(rdb, testResolver(), 4, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}

	var mu sync.Mutex
	var received []event.Event
	handler := func(_ context.Context, evt event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, evt)
		return nil
	}

	bridge, err := NewBridge(rdb, testBridgeConfig("worker-1", 1), Handlers{Events: handler}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	go func() { _ = bridge.Run(ctx) }()
	if err := bridge.WaitReady(ctx, 2*time.Second); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	events := []event.Event{
		testEvent("tx-1", "evt-1", 1, "transfer.started"),
		testEvent("tx-1", "evt-2", 2, "transfer.source_validated"),
		testEvent("tx-9", "evt-3", 1, "transfer.started"),
	}
	if err := pub.Publish(ctx, events); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		count := len(received)
		mu.Unlock()
		if count == len(events) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("received %d of %d events before timeout", count, len(events))
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Events of one aggregate arrive in version order.
	mu.Lock()
	defer mu.Unlock()
	var tx1Versions []uint64
	for _, evt := range received {
		if evt.AggregateID == "tx-1" {
			tx1Versions = append(tx1Versions, evt.Version)
		}
	}
	if len(tx1Versions) != 2 || tx1Versions[0] != 1 || tx1Versions[1] != 2 {
		t.Errorf("tx-1 versions = %v, want [1 2]", tx1Versions)
	}
}

func TestCommandRoundTripsThroughStreamEntry(t *testing.T) {
	cmd := command.Command{
		CommandID:   "cmd-1",
		AggregateID: "tx-1",
		Type:        "transfer.start",
		PayloadJSON: []byte(`{"amount":100}`),
	}
	decoded, err := decodeCommand(encodeCommand(cmd))
	if err != nil {
		t.Fatalf("decodeCommand() error = %v", err)
	}
	if decoded.CommandID != cmd.CommandID || decoded.AggregateID != cmd.AggregateID || decoded.Type != cmd.Type {
		t.Errorf("decoded = %+v, want %+v", decoded, cmd)
	}
	if string(decoded.PayloadJSON) != string(cmd.PayloadJSON) {
		t.Errorf("decoded payload = %s, want %s", decoded.PayloadJSON, cmd.PayloadJSON)
	}

	if _, err := decodeCommand(map[string]any{fieldCommandID: "cmd-1"}); err == nil {
		t.Error("decodeCommand() with missing fields succeeded, want error")
	}
}

func TestBridgeDeliversSubmittedCommands(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer, err := NewCommandWriter(rdb, "teller-commands", 4, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewCommandWriter() error = %v", err)
	}

	var mu sync.Mutex
	var received []command.Command
	cfg := testBridgeConfig("worker-1", 1)
	cfg.Topics = nil
	cfg.CommandTopic = "teller-commands"
	bridge, err := NewBridge(rdb, cfg, Handlers{Commands: func(_ context.Context, cmd command.Command) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, cmd)
		return nil
	}}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	go func() { _ = bridge.Run(ctx) }()
	if err := bridge.WaitReady(ctx, 2*time.Second); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	commands := []command.Command{
		{CommandID: "cmd-1", AggregateID: "tx-1", Type: "transfer.start", PayloadJSON: []byte(`{"amount":100}`)},
		{CommandID: "cmd-2", AggregateID: "acc-1", Type: "account.open", PayloadJSON: []byte(`{"owner":"ada"}`)},
	}
	for _, cmd := range commands {
		if err := writer.Submit(ctx, cmd); err != nil {
			t.Fatalf("Submit(%s) error = %v", cmd.CommandID, err)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		count := len(received)
		mu.Unlock()
		if count == len(commands) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("received %d of %d commands before timeout", count, len(commands))
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	seen := make(map[string]command.Command, len(received))
	for _, cmd := range received {
		seen[cmd.CommandID] = cmd
	}
	got, ok := seen["cmd-1"]
	if !ok || got.AggregateID != "tx-1" || got.Type != "transfer.start" {
		t.Errorf("cmd-1 = %+v, want transfer.start for tx-1", got)
	}
	if string(got.PayloadJSON) != `{"amount":100}` {
		t.Errorf("cmd-1 payload = %s, want {\"amount\":100}", got.PayloadJSON)
	}
}

func TestBridgeRedeliversFailedEvents(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub, err := NewPublisher(rdb, testResolver(), 4, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})
	handler := func(_ context.Context, evt event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return context.DeadlineExceeded
		}
		close(done)
		return nil
	}

	bridge, err := NewBridge(rdb, testBridgeConfig("worker-1", 1), Handlers{Events: handler}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	go func() { _ = bridge.Run(ctx) }()
	if err := bridge.WaitReady(ctx, 2*time.Second); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	if err := pub.Publish(ctx, []event.Event{testEvent("tx-1", "evt-1", 1, "transfer.started")}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("failed event was not redelivered")
	}
}
