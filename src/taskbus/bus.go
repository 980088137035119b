// Package taskbus combines a publish/subscribe event stream with
// request/reply tasks on top of a partitioned log.
//
// Events and tasks travel through the log. A task caller that waits for a
// result advertises its reply address in the task envelope; the worker pushes
// the result straight back over a direct connection, and the caller's
// correlator matches it to the waiting request by key.
package taskbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"taskbus/src/broker"
	"taskbus/src/contracts"
	"taskbus/src/correlator"
	"taskbus/src/logger"
	"taskbus/src/observability"
	"taskbus/src/remoteerr"
	"taskbus/src/reply"
)

// ErrDestroyed is returned by registrations attempted after Destroy.
var ErrDestroyed = errors.New("task bus destroyed")

// keyAttempts bounds retries when a freshly generated correlation key
// collides with one still pending.
const keyAttempts = 3

// Options configures a Bus.
type Options struct {
	// GroupID is the consumer group shared by every registration of this process.
	GroupID string
	// Broker carries events and tasks. The bus closes it on Destroy.
	Broker broker.Broker
	// BindAddress is where the reply listener binds. Port 0 picks an ephemeral port.
	BindAddress contracts.Address
	// ExternalAddress overrides the host and/or port advertised to workers.
	ExternalAddress contracts.Address
	// ReplyTimeout bounds delivering one reply. Defaults to reply.DefaultSendTimeout.
	ReplyTimeout time.Duration
	// ReplyReadTimeout bounds how long an inbound reply connection may take.
	// Defaults to reply.DefaultReadTimeout.
	ReplyReadTimeout time.Duration
	Logger           logger.Logger
}

// TaskOptions controls how RunTask waits.
type TaskOptions struct {
	// Wait is how long to wait for the result. NoWait publishes the task
	// without a reply address and returns once the publish succeeds.
	Wait time.Duration
}

// NoWait marks a task as fire-and-forget.
const NoWait time.Duration = 0

// ListenerOptions configures an event listener registration.
type ListenerOptions struct {
	Concurrency int
}

// WorkerOptions configures a task worker registration.
type WorkerOptions struct {
	Concurrency int
}

// EventHandler processes one event payload.
type EventHandler func(ctx context.Context, data json.RawMessage) error

// TaskHandler processes one task payload and returns its JSON-encodable result.
type TaskHandler func(ctx context.Context, data json.RawMessage) (any, error)

// Bus is the event/task bus of one process.
type Bus struct {
	groupID      string
	broker       broker.Broker
	listener     *reply.Listener
	correlator   *correlator.Correlator
	external     contracts.Address
	replyTimeout time.Duration
	log          logger.Logger

	mu        sync.Mutex
	unsubs    map[uint64]broker.Unsubscriber
	nextSub   uint64
	destroyed bool

	destroyOnce sync.Once
	destroyErr  error
	taskCnt     atomic.Uint64
}

// New starts the reply listener and returns a ready Bus.
func New(ctx context.Context, opts Options) (*Bus, error) {
	if opts.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if opts.GroupID == "" {
		return nil, fmt.Errorf("group id is required")
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewSilentLogger()
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = reply.DefaultSendTimeout
	}

	b := &Bus{
		groupID:      opts.GroupID,
		broker:       opts.Broker,
		correlator:   correlator.New(opts.Logger),
		replyTimeout: opts.ReplyTimeout,
		log:          opts.Logger,
		unsubs:       make(map[uint64]broker.Unsubscriber),
	}

	var listenOpts []reply.ListenOption
	if opts.ReplyReadTimeout > 0 {
		listenOpts = append(listenOpts, reply.WithReadTimeout(opts.ReplyReadTimeout))
	}
	listener, err := reply.Listen(ctx, opts.BindAddress, b.handleReply, opts.Logger, listenOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start reply listener: %w", err)
	}
	b.listener = listener
	b.external = listener.Addr().Overlay(opts.ExternalAddress)

	b.log.Debug("[TaskBus] RPC listener is on %s (externally: %s)", listener.Addr(), b.external)
	if ip := net.ParseIP(b.external.Host); ip != nil && ip.IsUnspecified() {
		b.log.Warn("[TaskBus] Advertised reply address %s is unspecified; workers on other hosts cannot reach it. Set an external address.", b.external)
	}
	return b, nil
}

// ListenAddress returns the address the reply listener is bound to.
func (b *Bus) ListenAddress() contracts.Address {
	return b.listener.Addr()
}

// ReplyAddress returns the address advertised in task envelopes.
func (b *Bus) ReplyAddress() contracts.Address {
	return b.external
}

// Pending returns the number of tasks currently awaiting a reply.
func (b *Bus) Pending() int {
	return b.correlator.Len()
}

func (b *Bus) handleReply(_ context.Context, payload json.RawMessage) {
	var env contracts.ReplyEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.log.Error("[TaskBus] Discarding undecodable reply: %v", err)
		return
	}
	b.correlator.Resolve(env)
}

func (b *Bus) isDestroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

// SendEvent publishes data to the event_<name> topic. It returns once the
// log accepted the record; there is no delivery confirmation.
func (b *Bus) SendEvent(ctx context.Context, name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", name, err)
	}
	if err := broker.PublishJSON(ctx, b.broker, contracts.EventTopic(name), contracts.EventRecord{Data: payload}); err != nil {
		return fmt.Errorf("failed to send event %s: %w", name, err)
	}
	return nil
}

// RunTask publishes a task to task_<name>. With opts.Wait > 0 it blocks until
// the worker's result arrives, the wait elapses (correlator.ErrTimeout) or ctx
// is done. With NoWait it returns nil data as soon as the publish succeeds.
func (b *Bus) RunTask(ctx context.Context, name string, data any, opts TaskOptions) (json.RawMessage, error) {
	if b.isDestroyed() {
		return nil, correlator.ErrShutdown
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task %s: %w", name, err)
	}
	topic := contracts.TaskTopic(name)

	if opts.Wait <= 0 {
		env := contracts.Envelope{Key: contracts.NewTaskKey(name), Data: payload}
		if err := broker.PublishJSON(ctx, b.broker, topic, env); err != nil {
			return nil, fmt.Errorf("failed to publish task %s: %w", name, err)
		}
		return nil, nil
	}

	pending, err := b.register(ctx, name, opts.Wait)
	if err != nil {
		return nil, err
	}

	replyTo := b.external
	env := contracts.Envelope{Key: pending.Key(), Data: payload, ReplyAddress: &replyTo}
	if err := broker.PublishJSON(ctx, b.broker, topic, env); err != nil {
		err = fmt.Errorf("failed to publish task %s: %w", name, err)
		b.correlator.Reject(pending.Key(), err)
		return nil, err
	}

	return pending.Wait(ctx)
}

func (b *Bus) register(ctx context.Context, name string, wait time.Duration) (*correlator.Pending, error) {
	var err error
	for i := 0; i < keyAttempts; i++ {
		var pending *correlator.Pending
		pending, err = b.correlator.Register(ctx, name, contracts.NewTaskKey(name), wait)
		if err == nil {
			return pending, nil
		}
		if !errors.Is(err, correlator.ErrDuplicateKey) {
			break
		}
	}
	return nil, fmt.Errorf("failed to register task %s: %w", name, err)
}

// RegisterEventListener subscribes handler to event_<name>. Handler failures
// are logged and the event is not redelivered.
func (b *Bus) RegisterEventListener(ctx context.Context, name string, opts ListenerOptions, handler EventHandler) (broker.Unsubscriber, error) {
	h := broker.JSONHandler(func(ctx context.Context, rec contracts.EventRecord) error {
		hctx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(hctx, rec.Data); err != nil {
			return fmt.Errorf("event %s: %w", name, err)
		}
		return nil
	})
	return b.subscribe(ctx, contracts.EventTopic(name), opts.Concurrency, h)
}

// RegisterTaskWorker subscribes handler to task_<name>. When the envelope
// carries a reply address the result, or the serialized failure, is sent
// back to it; otherwise the result is dropped and failures are only logged.
func (b *Bus) RegisterTaskWorker(ctx context.Context, name string, opts WorkerOptions, handler TaskHandler) (broker.Unsubscriber, error) {
	h := broker.JSONHandler(func(ctx context.Context, env contracts.Envelope) error {
		b.work(ctx, name, handler, env)
		return nil
	})
	return b.subscribe(ctx, contracts.TaskTopic(name), opts.Concurrency, h)
}

func (b *Bus) subscribe(ctx context.Context, topic string, concurrency int, h broker.Handler) (broker.Unsubscriber, error) {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil, ErrDestroyed
	}
	id := b.nextSub
	b.nextSub++
	b.mu.Unlock()

	unsub, err := b.broker.Subscribe(ctx, topic, broker.SubscriptionConfig{
		Group:       b.groupID,
		Concurrency: concurrency,
	}, h)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	b.mu.Lock()
	b.unsubs[id] = unsub
	b.mu.Unlock()

	return func(ctx context.Context) error {
		b.mu.Lock()
		delete(b.unsubs, id)
		b.mu.Unlock()
		return unsub(ctx)
	}, nil
}

func (b *Bus) work(ctx context.Context, name string, handler TaskHandler, env contracts.Envelope) {
	ctx, prof := observability.StartProfiler(ctx, b.log, observability.SpanTaskHandle,
		fmt.Sprintf("in-task-%d", b.taskCnt.Add(1)),
		observability.AttrTask.String(name),
		observability.AttrKey.String(env.Key),
	)
	defer prof.End()
	prof.Mark("start processing " + name)

	result, err := invokeTask(ctx, handler, env.Data)
	b.log.Debug("[TaskBus] Task %s (key %s) handled in %s", name, env.Key, prof.Elapsed())
	if err != nil {
		prof.Fail(err)
		if env.ReplyAddress == nil {
			b.log.Error("[TaskBus] Task %s (key %s) failed: %v", name, env.Key, err)
			return
		}
		b.log.Debug("[TaskBus] Task %s (key %s) failed, replying with error: %v", name, env.Key, err)
		serialized := remoteerr.Serialize(err)
		prof.Mark("sending error response")
		b.sendReply(ctx, name, *env.ReplyAddress, contracts.ReplyEnvelope{Key: env.Key, Error: &serialized})
		prof.Mark("finish error response")
		return
	}

	if env.ReplyAddress == nil {
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		serialized := remoteerr.Serialize(fmt.Errorf("failed to marshal result of task %s: %w", name, err))
		b.sendReply(ctx, name, *env.ReplyAddress, contracts.ReplyEnvelope{Key: env.Key, Error: &serialized})
		return
	}

	prof.Mark("sending response")
	b.sendReply(ctx, name, *env.ReplyAddress, contracts.ReplyEnvelope{Key: env.Key, Data: data})
	prof.Mark("finish response")
}

// invokeTask runs handler with its own child context and turns a panic into
// an error.
func invokeTask(ctx context.Context, handler TaskHandler, data json.RawMessage) (result any, err error) {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panic: %v", r)
		}
	}()
	return handler(hctx, data)
}

func (b *Bus) sendReply(ctx context.Context, name string, to contracts.Address, env contracts.ReplyEnvelope) {
	ctx, prof := observability.StartProfiler(ctx, b.log, observability.SpanReplySend, "reply-"+env.Key,
		observability.AttrTask.String(name),
		observability.AttrKey.String(env.Key),
	)
	defer prof.End()

	ctx, cancel := context.WithTimeout(ctx, b.replyTimeout)
	defer cancel()

	if err := reply.Send(ctx, to, env); err != nil {
		prof.Fail(err)
		b.log.Error("[TaskBus] Failed to send reply for task %s (key %s) to %s: %v", name, env.Key, to, err)
	}
}

// Destroy stops every registration, closes the reply listener, rejects
// requests still waiting with correlator.ErrShutdown and closes the broker.
// Calling Destroy again returns the first result.
func (b *Bus) Destroy(ctx context.Context) error {
	b.destroyOnce.Do(func() {
		b.mu.Lock()
		b.destroyed = true
		unsubs := make([]broker.Unsubscriber, 0, len(b.unsubs))
		for _, unsub := range b.unsubs {
			unsubs = append(unsubs, unsub)
		}
		b.unsubs = make(map[uint64]broker.Unsubscriber)
		b.mu.Unlock()

		var errs []error
		for _, unsub := range unsubs {
			if err := unsub(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to unsubscribe: %w", err))
			}
		}
		if err := b.listener.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close reply listener: %w", err))
		}
		if n := b.correlator.RejectAll(correlator.ErrShutdown); n > 0 {
			b.log.Info("[TaskBus] Rejected %d pending tasks on shutdown", n)
		}
		if err := b.broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close broker: %w", err))
		}
		b.destroyErr = errors.Join(errs...)
	})
	return b.destroyErr
}
