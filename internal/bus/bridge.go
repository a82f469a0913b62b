package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ferrobank/teller/internal/domain/command"
	"github.com/ferrobank/teller/internal/domain/event"
	apperrors "github.com/ferrobank/teller/internal/platform/errors"
)

// Handler processes one event delivered by the bridge. A non-nil error
// leaves the entry pending, and the bridge redelivers it on the next pass.
type Handler func(ctx context.Context, evt event.Event) error

// CommandHandler processes one inbound command delivered by the bridge. The
// pending semantics match Handler.
type CommandHandler func(ctx context.Context, cmd command.Command) error

// Handlers binds the bridge's delivery callbacks per stream kind.
type Handlers struct {
	// Events receives entries from the event topics. Required when Topics
	// is non-empty.
	Events Handler
	// Commands receives entries from the command topic. Required when
	// CommandTopic is set.
	Commands CommandHandler
}

// ErrNotReady is returned when the readiness gate times out before the
// consumer group reaches its expected size.
var ErrNotReady = apperrors.New(apperrors.CodeBridgeNotReady, "consumer group did not reach expected size")

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	// Group names the consumer group shared by all bridge instances.
	Group string
	// ConsumerID uniquely names this instance inside the group.
	ConsumerID string
	// Topics lists the event topics to consume.
	Topics []string
	// CommandTopic names the inbound command topic. Empty disables
	// command intake.
	CommandTopic string
	// Partitions is the partition count per topic. It must match the
	// publisher's.
	Partitions int
	// ExpectedConsumers is the group size the readiness gate waits for.
	ExpectedConsumers int
	// HeartbeatTTL is the lifetime of this instance's membership key.
	// The key is refreshed at a third of the TTL. Defaults to 15s.
	HeartbeatTTL time.Duration
	// PollInterval paces readiness checks and membership rescans.
	// Defaults to 1s.
	PollInterval time.Duration
}

func (c *BridgeConfig) applyDefaults() error {
	if strings.TrimSpace(c.Group) == "" {
		return fmt.Errorf("consumer group is required")
	}
	if strings.TrimSpace(c.ConsumerID) == "" {
		return fmt.Errorf("consumer id is required")
	}
	if len(c.Topics) == 0 && strings.TrimSpace(c.CommandTopic) == "" {
		return fmt.Errorf("at least one topic is required")
	}
	if c.Partitions <= 0 {
		return fmt.Errorf("partitions must be positive")
	}
	if c.ExpectedConsumers <= 0 {
		return fmt.Errorf("expected consumer count must be positive")
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = 15 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return nil
}

// Bridge consumes partitioned event and command streams as one member of a
// consumer group. Partitions are spread over the live members by rank:
// member i of m takes every partition p with p mod m == i. Membership is
// tracked with heartbeat keys that expire when an instance dies, so the
// remaining members pick up its partitions on their next rescan.
type Bridge struct {
	rdb      redis.UniversalClient
	cfg      BridgeConfig
	handlers Handlers
	log      zerolog.Logger
}

// NewBridge creates a Bridge. A handler is invoked once per delivered entry;
// entries are acknowledged only after the handler succeeds.
func NewBridge(rdb redis.UniversalClient, cfg BridgeConfig, handlers Handlers, log zerolog.Logger) (*Bridge, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if len(cfg.Topics) > 0 && handlers.Events == nil {
		return nil, fmt.Errorf("event handler is required")
	}
	if cfg.CommandTopic != "" && handlers.Commands == nil {
		return nil, fmt.Errorf("command handler is required")
	}
	return &Bridge{rdb: rdb, cfg: cfg, handlers: handlers, log: log}, nil
}

func (b *Bridge) memberKey(consumerID string) string {
	return fmt.Sprintf("teller:group:%s:member:%s", b.cfg.Group, consumerID)
}

func (b *Bridge) memberPattern() string {
	return fmt.Sprintf("teller:group:%s:member:*", b.cfg.Group)
}

// heartbeat registers this instance in the group and keeps the membership
// key alive.
func (b *Bridge) heartbeat(ctx context.Context) error {
	key := b.memberKey(b.cfg.ConsumerID)
	if err := b.rdb.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), b.cfg.HeartbeatTTL).Err(); err != nil {
		return fmt.Errorf("register group member: %w", err)
	}
	ticker := time.NewTicker(b.cfg.HeartbeatTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Drop out of the group promptly so peers rebalance.
			cleanup, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = b.rdb.Del(cleanup, key).Err()
			return ctx.Err()
		case <-ticker.C:
			if err := b.rdb.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), b.cfg.HeartbeatTTL).Err(); err != nil {
				b.log.Warn().Err(err).Msg("membership heartbeat failed")
			}
		}
	}
}

// members returns the sorted ids of the live group members.
func (b *Bridge) members(ctx context.Context) ([]string, error) {
	keys, err := b.rdb.Keys(ctx, b.memberPattern()).Result()
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	prefix := b.memberKey("")
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, strings.TrimPrefix(key, prefix))
	}
	sort.Strings(ids)
	return ids, nil
}

// assignedPartitions returns the partitions this instance owns given the
// current membership, or nil when it is not (yet) a member.
func (b *Bridge) assignedPartitions(members []string) []int {
	rank := -1
	for i, id := range members {
		if id == b.cfg.ConsumerID {
			rank = i
			break
		}
	}
	if rank < 0 {
		return nil
	}
	var owned []int
	for p := 0; p < b.cfg.Partitions; p++ {
		if p%len(members) == rank {
			owned = append(owned, p)
		}
	}
	return owned
}

// WaitReady blocks until the consumer group reaches its expected size and
// this instance holds a partition assignment, polling at the configured
// interval. It fails with ErrNotReady when the timeout elapses first.
func (b *Bridge) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		members, err := b.members(ctx)
		if err == nil && len(members) >= b.cfg.ExpectedConsumers && len(b.assignedPartitions(members)) > 0 {
			b.log.Info().
				Int("members", len(members)).
				Int("expected", b.cfg.ExpectedConsumers).
				Msg("consumer group ready")
			return nil
		}
		if err != nil {
			b.log.Warn().Err(err).Msg("readiness check failed")
		}
		if time.Now().After(deadline) {
			return apperrors.Wrap(apperrors.CodeBridgeNotReady,
				fmt.Sprintf("group %s has %d of %d expected members", b.cfg.Group, len(members), b.cfg.ExpectedConsumers),
				ErrNotReady)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run keeps the membership heartbeat alive and consumes the owned
// partitions until the context is canceled. Ownership is rescanned every
// poll interval so partitions move when members join or expire.
func (b *Bridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.heartbeat(ctx) })
	g.Go(func() error { return b.consumeLoop(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (b *Bridge) consumeLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		members, err := b.members(ctx)
		if err != nil {
			b.log.Warn().Err(err).Msg("membership rescan failed")
		} else {
			for _, part := range b.assignedPartitions(members) {
				for _, topic := range b.cfg.Topics {
					if err := b.consumePartition(ctx, streamName(topic, part), false); err != nil {
						if ctx.Err() != nil {
							return ctx.Err()
						}
						b.log.Warn().Err(err).Str("topic", topic).Int("partition", part).Msg("consume pass failed")
					}
				}
				if b.cfg.CommandTopic != "" {
					if err := b.consumePartition(ctx, streamName(b.cfg.CommandTopic, part), true); err != nil {
						if ctx.Err() != nil {
							return ctx.Err()
						}
						b.log.Warn().Err(err).Str("topic", b.cfg.CommandTopic).Int("partition", part).Msg("consume pass failed")
					}
				}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// consumePartition drains one partition stream: first the entries this
// consumer left pending, then new ones.
func (b *Bridge) consumePartition(ctx context.Context, stream string, isCommand bool) error {
	if err := b.ensureGroup(ctx, stream); err != nil {
		return err
	}
	// One pass over entries left pending by an earlier failure, then
	// drain new entries. Entries that fail again stay pending for the
	// next pass instead of looping here.
	if _, err := b.readAndDeliver(ctx, stream, "0", isCommand); err != nil {
		return err
	}
	for {
		delivered, err := b.readAndDeliver(ctx, stream, ">", isCommand)
		if err != nil {
			return err
		}
		if delivered == 0 {
			return nil
		}
	}
}

func (b *Bridge) readAndDeliver(ctx context.Context, stream, cursor string, isCommand bool) (int, error) {
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: b.cfg.ConsumerID,
		Streams:  []string{stream, cursor},
		Count:    64,
		// A negative block turns the read into a plain poll; pacing
		// comes from the consume loop ticker.
		Block: -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("read %s: %w", stream, err)
	}
	delivered := 0
	for _, streamRes := range res {
		for _, msg := range streamRes.Messages {
			delivered++
			if err := b.deliver(ctx, stream, msg, isCommand); err != nil {
				return delivered, err
			}
		}
	}
	return delivered, nil
}

func (b *Bridge) ensureGroup(ctx context.Context, stream string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, b.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("ensure group on %s: %w", stream, err)
	}
	return nil
}

// deliver hands one entry to its handler and acknowledges it on success. A
// malformed entry is acknowledged and dropped so it cannot wedge the
// partition.
func (b *Bridge) deliver(ctx context.Context, stream string, msg redis.XMessage, isCommand bool) error {
	if isCommand {
		cmd, err := decodeCommand(msg.Values)
		if err != nil {
			b.log.Error().Err(err).Str("stream", stream).Str("entry", msg.ID).Msg("dropping malformed entry")
			return b.ack(ctx, stream, msg.ID)
		}
		if err := b.handlers.Commands(ctx, cmd); err != nil {
			b.log.Warn().
				Err(err).
				Str("stream", stream).
				Str("command_id", cmd.CommandID).
				Str("command_type", string(cmd.Type)).
				Msg("handler failed, leaving entry pending")
			return nil
		}
		return b.ack(ctx, stream, msg.ID)
	}
	evt, err := decodeEvent(msg.Values)
	if err != nil {
		b.log.Error().Err(err).Str("stream", stream).Str("entry", msg.ID).Msg("dropping malformed entry")
		return b.ack(ctx, stream, msg.ID)
	}
	if err := b.handlers.Events(ctx, evt); err != nil {
		b.log.Warn().
			Err(err).
			Str("stream", stream).
			Str("event_id", evt.ID).
			Str("event_type", string(evt.Type)).
			Msg("handler failed, leaving entry pending")
		return nil
	}
	return b.ack(ctx, stream, msg.ID)
}

func (b *Bridge) ack(ctx context.Context, stream, entryID string) error {
	if err := b.rdb.XAck(ctx, stream, b.cfg.Group, entryID).Err(); err != nil {
		return fmt.Errorf("ack %s on %s: %w", entryID, stream, err)
	}
	return nil
}
