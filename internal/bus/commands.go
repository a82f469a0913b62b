package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ferrobank/teller/internal/domain/command"
)

// Command envelope field names.
const (
	fieldCommandID   = "command_id"
	fieldCommandType = "command_type"
)

// CommandWriter submits command envelopes to the partitioned command topic.
// Commands for the same aggregate land on the same partition, so one
// dispatcher instance at a time processes them.
type CommandWriter struct {
	rdb        redis.UniversalClient
	topic      string
	partitions int
	log        zerolog.Logger
}

// NewCommandWriter creates a CommandWriter over the given Redis client.
func NewCommandWriter(rdb redis.UniversalClient, topic string, partitions int, log zerolog.Logger) (*CommandWriter, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("command topic is required")
	}
	if partitions <= 0 {
		return nil, fmt.Errorf("partitions must be positive")
	}
	return &CommandWriter{rdb: rdb, topic: topic, partitions: partitions, log: log}, nil
}

// Submit appends the command to its aggregate's partition stream.
func (w *CommandWriter) Submit(ctx context.Context, cmd command.Command) error {
	if strings.TrimSpace(cmd.CommandID) == "" {
		return fmt.Errorf("command id is required")
	}
	if strings.TrimSpace(cmd.AggregateID) == "" {
		return fmt.Errorf("aggregate id is required")
	}
	if strings.TrimSpace(string(cmd.Type)) == "" {
		return fmt.Errorf("command type is required")
	}
	stream := streamName(w.topic, partition(cmd.AggregateID, w.partitions))
	if err := w.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: encodeCommand(cmd),
	}).Err(); err != nil {
		return fmt.Errorf("submit command %s to %s: %w", cmd.CommandID, stream, err)
	}
	w.log.Debug().
		Str("command_id", cmd.CommandID).
		Str("command_type", string(cmd.Type)).
		Str("stream", stream).
		Msg("command submitted")
	return nil
}

func encodeCommand(cmd command.Command) map[string]any {
	return map[string]any{
		fieldCommandID:   cmd.CommandID,
		fieldAggregateID: cmd.AggregateID,
		fieldCommandType: string(cmd.Type),
		fieldPayload:     string(cmd.PayloadJSON),
	}
}

func decodeCommand(values map[string]any) (command.Command, error) {
	cmd := command.Command{
		CommandID:   stringField(values, fieldCommandID),
		AggregateID: stringField(values, fieldAggregateID),
		Type:        command.Type(stringField(values, fieldCommandType)),
		PayloadJSON: []byte(stringField(values, fieldPayload)),
	}
	if cmd.CommandID == "" || cmd.AggregateID == "" || cmd.Type == "" {
		return command.Command{}, fmt.Errorf("stream entry is missing command fields")
	}
	return cmd, nil
}
