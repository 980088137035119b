package broker

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"taskbus/src/logger"
)

const (
	// DefaultInMemoryPartitions is the partition count of every in-memory topic.
	DefaultInMemoryPartitions = 4
	maxInMemoryBatch          = 100
)

// InMemoryBroker is a partitioned, in-process log with consumer groups.
// Each group keeps its own committed offset per partition; every group sees
// every record. Within a group, a partition is owned by one subscription at a
// time and is handed to another member only after its owner unsubscribes.
type InMemoryBroker struct {
	partitions  int
	partitioner Partitioner
	log         logger.Logger

	mu     sync.Mutex
	topics map[string]*memTopic
	subs   map[*memSubscription]struct{}
	rr     uint32
	closed bool
}

type memTopic struct {
	parts [][]Message
	// changed is closed and replaced on every append and ownership release.
	changed chan struct{}
	// group -> committed next offset per partition
	committed map[string][]int64
	// group -> owning subscription per partition
	owners map[string][]*memSubscription
}

// InMemoryOption customises an InMemoryBroker.
type InMemoryOption func(*InMemoryBroker)

// WithPartitions sets the partition count for topics created by this broker.
func WithPartitions(n int) InMemoryOption {
	return func(b *InMemoryBroker) {
		if n > 0 {
			b.partitions = n
		}
	}
}

// WithInMemoryPartitioner sets the partitioning policy for Publish.
func WithInMemoryPartitioner(p Partitioner) InMemoryOption {
	return func(b *InMemoryBroker) { b.partitioner = p }
}

// WithInMemoryLogger sets the broker logger.
func WithInMemoryLogger(log logger.Logger) InMemoryOption {
	return func(b *InMemoryBroker) { b.log = log }
}

// NewInMemoryBroker creates a new InMemoryBroker instance.
func NewInMemoryBroker(opts ...InMemoryOption) *InMemoryBroker {
	b := &InMemoryBroker{
		partitions:  DefaultInMemoryPartitions,
		partitioner: FixedKey(DefaultPartitionKey),
		log:         logger.NewSilentLogger(),
		topics:      make(map[string]*memTopic),
		subs:        make(map[*memSubscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// topicLocked returns the topic, creating it on first use. Callers hold b.mu.
func (b *InMemoryBroker) topicLocked(name string) *memTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memTopic{
			parts:     make([][]Message, b.partitions),
			changed:   make(chan struct{}),
			committed: make(map[string][]int64),
			owners:    make(map[string][]*memSubscription),
		}
		b.topics[name] = t
	}
	return t
}

func (t *memTopic) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func (b *InMemoryBroker) partitionFor(key []byte) int {
	if len(key) == 0 {
		b.rr++
		return int(b.rr % uint32(b.partitions))
	}
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(b.partitions))
}

// Publish appends values to topic.
func (b *InMemoryBroker) Publish(ctx context.Context, topic string, values ...[]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if len(values) == 0 {
		return nil
	}

	t := b.topicLocked(topic)
	now := time.Now().UnixMilli()
	for _, value := range values {
		key := b.partitioner.Key()
		p := b.partitionFor(key)
		t.parts[p] = append(t.parts[p], Message{
			Topic:     topic,
			Key:       string(key),
			Value:     append([]byte(nil), value...),
			Offset:    int64(len(t.parts[p])),
			Partition: int32(p),
			Timestamp: now,
		})
	}
	t.notifyLocked()

	b.log.Debug("[InMemoryBroker] Sent %d messages to topic %q", len(values), topic)
	return nil
}

// Subscribe joins cfg.Group for topic, starting from the group's committed
// offsets (or the beginning of the topic).
func (b *InMemoryBroker) Subscribe(ctx context.Context, topic string, cfg SubscriptionConfig, handler Handler) (Unsubscriber, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	t := b.topicLocked(topic)
	if _, ok := t.committed[cfg.Group]; !ok {
		t.committed[cfg.Group] = make([]int64, b.partitions)
		t.owners[cfg.Group] = make([]*memSubscription, b.partitions)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	sub := &memSubscription{
		owner:   b,
		topic:   topic,
		cfg:     cfg,
		handler: handler,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	b.subs[sub] = struct{}{}

	go sub.run(context.WithoutCancel(ctx), pollCtx)

	return sub.unsubscribe, nil
}

// Committed returns the group's committed next offset for a partition.
func (b *InMemoryBroker) Committed(group, topic string, partition int) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		return 0
	}
	offsets, ok := t.committed[group]
	if !ok || partition < 0 || partition >= len(offsets) {
		return 0
	}
	return offsets[partition]
}

// Subscriptions returns the number of active subscriptions.
func (b *InMemoryBroker) Subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops all subscriptions. Further publishes and subscribes fail.
func (b *InMemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*memSubscription, 0, len(b.subs))
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
	return nil
}

type memSubscription struct {
	owner   *InMemoryBroker
	topic   string
	cfg     SubscriptionConfig
	handler Handler

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func (s *memSubscription) run(ctx, pollCtx context.Context) {
	defer close(s.done)

	for {
		batches, changed := s.poll()
		if len(batches) == 0 {
			select {
			case <-changed:
				continue
			case <-pollCtx.Done():
				return
			}
		}

		if err := processBatches(ctx, pollCtx.Done(), batches, s.cfg.Concurrency, s.handler, s.owner.log); err != nil {
			s.owner.log.Error("[InMemoryBroker] Processing %s failed: %v", s.topic, err)
		}
		if pollCtx.Err() != nil {
			return
		}
	}
}

// poll claims free partitions and returns the uncommitted records of every
// partition this subscription owns, plus the channel signalling new data.
func (s *memSubscription) poll() ([]partitionBatch, <-chan struct{}) {
	b := s.owner
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicLocked(s.topic)
	owners := t.owners[s.cfg.Group]
	committed := t.committed[s.cfg.Group]

	var batches []partitionBatch
	for p := range t.parts {
		if owners[p] == nil {
			owners[p] = s
		}
		if owners[p] != s {
			continue
		}
		from := committed[p]
		if from >= int64(len(t.parts[p])) {
			continue
		}
		to := min(from+maxInMemoryBatch, int64(len(t.parts[p])))
		msgs := append([]Message(nil), t.parts[p][from:to]...)
		batches = append(batches, partitionBatch{
			topic:     s.topic,
			partition: int32(p),
			msgs:      msgs,
			commit: func(_ context.Context, i int) error {
				s.commit(p, msgs[i].Offset)
				return nil
			},
		})
	}
	return batches, t.changed
}

func (s *memSubscription) commit(partition int, offset int64) {
	b := s.owner
	b.mu.Lock()
	defer b.mu.Unlock()

	committed := b.topics[s.topic].committed[s.cfg.Group]
	if offset+1 > committed[partition] {
		committed[partition] = offset + 1
	}
}

func (s *memSubscription) release() {
	b := s.owner
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topics[s.topic]
	owners := t.owners[s.cfg.Group]
	for p := range owners {
		if owners[p] == s {
			owners[p] = nil
		}
	}
	delete(b.subs, s)
	t.notifyLocked()
}

func (s *memSubscription) unsubscribe(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		s.release()
	})
	return err
}
