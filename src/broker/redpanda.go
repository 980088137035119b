// Package broker provides Redpanda/Kafka broker implementation.
package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"taskbus/src/logger"
	"taskbus/src/observability"
)

// RedpandaBroker is a Kafka-compatible broker implementation using franz-go.
type RedpandaBroker struct {
	client      *kgo.Client
	brokers     []string
	partitioner Partitioner
	log         logger.Logger
	logLevel    kgo.LogLevel

	newConsumer func(opts ...kgo.Opt) (groupConsumer, error)

	mu     sync.Mutex
	subs   map[*redpandaSubscription]struct{}
	closed bool
}

// groupConsumer is the part of *kgo.Client a subscription drives.
type groupConsumer interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	AllowRebalance()
	Close()
}

func newKgoConsumer(opts ...kgo.Opt) (groupConsumer, error) {
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// RedpandaOption customises a RedpandaBroker.
type RedpandaOption func(*RedpandaBroker)

// WithPartitioner sets the partitioning policy for Publish.
func WithPartitioner(p Partitioner) RedpandaOption {
	return func(b *RedpandaBroker) { b.partitioner = p }
}

// WithLogger sets the logger for broker and franz-go client logs.
func WithLogger(log logger.Logger) RedpandaOption {
	return func(b *RedpandaBroker) { b.log = log }
}

// WithClientLogLevel sets the minimum franz-go log level forwarded.
func WithClientLogLevel(level kgo.LogLevel) RedpandaOption {
	return func(b *RedpandaBroker) { b.logLevel = level }
}

// NewRedpandaBroker creates a new RedpandaBroker instance.
// brokers is a slice of broker addresses (e.g., ["localhost:19092"]).
func NewRedpandaBroker(brokers []string, opts ...RedpandaOption) (*RedpandaBroker, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker address is required")
	}

	b := &RedpandaBroker{
		brokers:     brokers,
		partitioner: FixedKey(DefaultPartitionKey),
		log:         logger.NewSilentLogger(),
		logLevel:    kgo.LogLevelWarn,
		newConsumer: newKgoConsumer,
		subs:        make(map[*redpandaSubscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	// Create producer client
	client, err := kgo.NewClient(b.clientOpts(
		kgo.ClientID("taskbus-producer-"+uuid.NewString()),
		kgo.AllowAutoTopicCreation(),
	)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka client: %w", err)
	}
	b.client = client

	return b, nil
}

func (b *RedpandaBroker) clientOpts(opts ...kgo.Opt) []kgo.Opt {
	base := []kgo.Opt{
		kgo.SeedBrokers(b.brokers...),
		kgo.WithLogger(newKgoLogger(b.log, b.logLevel)),
		kgo.WithHooks(observability.KafkaHooks()...),
	}
	return append(base, opts...)
}

// Publish sends values to topic, all keyed by the configured Partitioner.
// Implements the Broker interface.
func (b *RedpandaBroker) Publish(ctx context.Context, topic string, values ...[]byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if len(values) == 0 {
		return nil
	}

	ctx, prof := observability.StartProfiler(ctx, b.log, observability.SpanPublish, "publish-"+topic,
		observability.AttrTopic.String(topic),
		observability.AttrCount.Int(len(values)),
	)
	defer prof.End()

	b.log.Debug("[RedpandaBroker] Sending %d messages to topic %q", len(values), topic)

	records := make([]*kgo.Record, len(values))
	for i, value := range values {
		records[i] = &kgo.Record{
			Topic: topic,
			Key:   b.partitioner.Key(),
			Value: value,
		}
	}

	// Synchronous produce; the caller learns about broker rejections directly.
	results := b.client.ProduceSync(ctx, records...)
	if err := results.FirstErr(); err != nil {
		prof.Fail(err)
		return fmt.Errorf("failed to produce to %s: %w", topic, err)
	}
	prof.Mark("produced")

	return nil
}

// Subscribe creates a group consumer for topic and starts its processing loop.
// Implements the Broker interface.
func (b *RedpandaBroker) Subscribe(ctx context.Context, topic string, cfg SubscriptionConfig, handler Handler) (Unsubscriber, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	// Offsets are committed per record after handling; rebalances wait until
	// the current poll has been fully processed.
	consumer, err := b.newConsumer(b.clientOpts(
		kgo.ClientID("taskbus-consumer-"+uuid.NewString()),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for %s: %w", topic, err)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	sub := &redpandaSubscription{
		owner:   b,
		client:  consumer,
		topic:   topic,
		cfg:     cfg,
		handler: handler,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	b.subs[sub] = struct{}{}

	b.log.Info("[RedpandaBroker] Consuming topic %q as group %q (concurrency %d)", topic, cfg.Group, cfg.Concurrency)
	go sub.run(context.WithoutCancel(ctx), pollCtx)

	return sub.unsubscribe, nil
}

// Close shuts down all consumers and then the producer.
func (b *RedpandaBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redpandaSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sub.unsubscribe(context.Background())
		}()
	}
	wg.Wait()

	b.client.Close()
	return nil
}

func (b *RedpandaBroker) remove(sub *redpandaSubscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

type redpandaSubscription struct {
	owner   *RedpandaBroker
	client  groupConsumer
	topic   string
	cfg     SubscriptionConfig
	handler Handler

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// run polls until the subscription is stopped. Each poll is processed and
// committed in full before the next poll.
func (s *redpandaSubscription) run(ctx, pollCtx context.Context) {
	defer close(s.done)
	log := s.owner.log

	for {
		fetches := s.client.PollFetches(pollCtx)
		if fetches.IsClientClosed() || pollCtx.Err() != nil {
			s.client.AllowRebalance()
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			log.Error("[RedpandaBroker] Fetch error on %s[%d]: %v", topic, partition, err)
		})

		var batches []partitionBatch
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) == 0 {
				return
			}
			batches = append(batches, s.batch(p))
		})

		if err := processBatches(ctx, pollCtx.Done(), batches, s.cfg.Concurrency, s.handler, log); err != nil {
			log.Error("[RedpandaBroker] Processing %s failed: %v", s.topic, err)
		}
		s.client.AllowRebalance()
	}
}

func (s *redpandaSubscription) batch(p kgo.FetchTopicPartition) partitionBatch {
	records := p.Records
	msgs := make([]Message, len(records))
	for i, record := range records {
		msgs[i] = Message{
			Topic:     record.Topic,
			Key:       string(record.Key),
			Value:     record.Value,
			Offset:    record.Offset,
			Partition: record.Partition,
			Timestamp: record.Timestamp.UnixMilli(),
		}
	}
	return partitionBatch{
		topic:     p.Topic,
		partition: p.Partition,
		msgs:      msgs,
		commit: func(ctx context.Context, i int) error {
			return s.client.CommitRecords(ctx, records[i])
		},
	}
}

func (s *redpandaSubscription) unsubscribe(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		// Closing a group client leaves the group.
		s.client.Close()
		s.owner.remove(s)
		s.owner.log.Info("[RedpandaBroker] Stopped consuming topic %q (group %q)", s.topic, s.cfg.Group)
	})
	return err
}
