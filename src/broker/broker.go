// Package broker defines the interface for message brokers and provides implementations.
package broker

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker is closed")

// Broker abstracts message publishing and consumer-group consumption.
// This interface supports both in-memory and distributed (Redpanda/Kafka) implementations.
type Broker interface {
	// Publish appends values to topic in order. The partitioning key is chosen
	// by the broker's Partitioner. Failures are returned, never retried.
	Publish(ctx context.Context, topic string, values ...[]byte) error

	// Subscribe joins cfg.Group for topic and drives handler for every record.
	// Records of one partition are handled one at a time and each record's
	// offset is committed after its handler returns, whatever the outcome.
	// Handlers get ctx's values but not its cancellation: cancelling ctx stops
	// fetching, and a record already being handled still finishes and commits.
	Subscribe(ctx context.Context, topic string, cfg SubscriptionConfig, handler Handler) (Unsubscriber, error)

	// Close closes every subscription created through this broker, then the producer.
	Close() error
}

// Message represents a consumed message from a broker.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Offset    int64
	Partition int32
	Timestamp int64
}

// Handler processes a single message. A returned error is logged; it neither
// stops consumption nor prevents the offset commit.
type Handler func(ctx context.Context, msg Message) error

// Unsubscriber stops one subscription: fetching stops, in-flight handlers are
// allowed to finish, then the group membership is released. It is safe to
// call more than once.
type Unsubscriber func(ctx context.Context) error

// SubscriptionConfig is fixed for the lifetime of a subscription.
type SubscriptionConfig struct {
	// Group is the consumer group id.
	Group string
	// Concurrency bounds how many partitions are handled in parallel.
	Concurrency int
}

func (c SubscriptionConfig) normalize() (SubscriptionConfig, error) {
	if c.Group == "" {
		return c, fmt.Errorf("consumer group is required")
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	return c, nil
}
