package broker

import (
	"context"
	"encoding/json"
	"fmt"
)

// PublishJSON encodes each message independently and publishes them in order.
func PublishJSON(ctx context.Context, b Broker, topic string, messages ...any) error {
	values := make([][]byte, 0, len(messages))
	for _, m := range messages {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to marshal message for topic %s: %w", topic, err)
		}
		values = append(values, data)
	}
	return b.Publish(ctx, topic, values...)
}

// JSONHandler decodes each message value into T before calling fn. A decode
// failure is reported as the message's outcome like any handler error.
func JSONHandler[T any](fn func(ctx context.Context, value T) error) Handler {
	return func(ctx context.Context, msg Message) error {
		var value T
		if err := json.Unmarshal(msg.Value, &value); err != nil {
			return fmt.Errorf("failed to decode message at %s[%d]@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
		}
		return fn(ctx, value)
	}
}
