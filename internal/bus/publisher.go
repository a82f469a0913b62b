// Package bus moves persisted events across process boundaries on Redis
// Streams. Topics are split into a fixed number of partition streams; an
// aggregate's events always travel on the same partition, so consumers see
// them in order. A consumer group spreads partitions across live consumers,
// and a readiness gate holds traffic until the expected group size is
// reached.
package bus

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ferrobank/teller/internal/domain/event"
)

// Stream entry field names.
const (
	fieldAggregateID = "aggregate_id"
	fieldVersion     = "version"
	fieldEventID     = "event_id"
	fieldEventType   = "event_type"
	fieldTimestamp   = "timestamp"
	fieldPayload     = "payload"
)

// Publisher writes events to partitioned Redis streams.
type Publisher struct {
	rdb        redis.UniversalClient
	resolver   *TopicResolver
	partitions int
	log        zerolog.Logger
}

// NewPublisher creates a Publisher over the given Redis client.
func NewPublisher(rdb redis.UniversalClient, resolver *TopicResolver, partitions int, log zerolog.Logger) (*Publisher, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("topic resolver is required")
	}
	if partitions <= 0 {
		return nil, fmt.Errorf("partitions must be positive")
	}
	return &Publisher{rdb: rdb, resolver: resolver, partitions: partitions, log: log}, nil
}

// Publish appends each event to the partition stream of its topic.
func (p *Publisher) Publish(ctx context.Context, events []event.Event) error {
	for _, evt := range events {
		topic, err := p.resolver.Resolve(evt.Type)
		if err != nil {
			return err
		}
		stream := streamName(topic, partition(evt.AggregateID, p.partitions))
		if err := p.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: encodeEvent(evt),
		}).Err(); err != nil {
			return fmt.Errorf("publish event %s to %s: %w", evt.ID, stream, err)
		}
		p.log.Debug().
			Str("event_id", evt.ID).
			Str("event_type", string(evt.Type)).
			Str("stream", stream).
			Msg("event published")
	}
	return nil
}

func encodeEvent(evt event.Event) map[string]any {
	return map[string]any{
		fieldAggregateID: evt.AggregateID,
		fieldVersion:     strconv.FormatUint(evt.Version, 10),
		fieldEventID:     evt.ID,
		fieldEventType:   string(evt.Type),
		fieldTimestamp:   strconv.FormatInt(evt.Timestamp.UTC().UnixMilli(), 10),
		fieldPayload:     string(evt.PayloadJSON),
	}
}

func decodeEvent(values map[string]any) (event.Event, error) {
	version, err := strconv.ParseUint(stringField(values, fieldVersion), 10, 64)
	if err != nil {
		return event.Event{}, fmt.Errorf("decode event version: %w", err)
	}
	millis, err := strconv.ParseInt(stringField(values, fieldTimestamp), 10, 64)
	if err != nil {
		return event.Event{}, fmt.Errorf("decode event timestamp: %w", err)
	}

	evt := event.Event{
		AggregateID: stringField(values, fieldAggregateID),
		Version:     version,
		ID:          stringField(values, fieldEventID),
		Type:        event.Type(stringField(values, fieldEventType)),
		Timestamp:   timeFromMillis(millis),
		PayloadJSON: []byte(stringField(values, fieldPayload)),
	}
	if evt.AggregateID == "" || evt.ID == "" || evt.Type == "" {
		return event.Event{}, fmt.Errorf("stream entry is missing event fields")
	}
	return evt, nil
}

func stringField(values map[string]any, field string) string {
	if v, ok := values[field].(string); ok {
		return v
	}
	return ""
}

func timeFromMillis(millis int64) time.Time {
	return time.UnixMilli(millis).UTC()
}
