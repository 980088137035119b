// Package correlator tracks in-flight task requests and settles each one
// exactly once: by a matching reply, by its timeout, or by cancellation.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"taskbus/src/contracts"
	"taskbus/src/logger"
	"taskbus/src/observability"
	"taskbus/src/remoteerr"
)

var (
	// ErrTimeout matches failures caused by a task's wait elapsing.
	ErrTimeout = errors.New("task response timeout exceeded")
	// ErrShutdown is used to reject requests still pending when the bus is destroyed.
	ErrShutdown = errors.New("task bus is shutting down")
	// ErrDuplicateKey is returned when registering a key that is still pending.
	ErrDuplicateKey = errors.New("correlation key already pending")
)

// TimeoutError is returned when no reply arrived within the wait.
type TimeoutError struct {
	Task string
	Key  string
	Wait time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task response timeout exceeded. Task: %s", e.Task)
}

// Is makes errors.Is(err, ErrTimeout) true.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

type result struct {
	data json.RawMessage
	err  error
}

// Pending is one registered request. It is settled at most once.
type Pending struct {
	key       string
	task      string
	startedAt time.Time
	done      chan result
	timer     *time.Timer
	prof      *observability.Profiler
	owner     *Correlator
}

// Key returns the correlation key.
func (p *Pending) Key() string { return p.key }

// Wait blocks until the request is settled or ctx is done. Cancelling ctx
// removes the request; a reply arriving afterwards is dropped.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case r := <-p.done:
		return r.data, r.err
	case <-ctx.Done():
		if p.owner.settle(p.key, result{err: ctx.Err()}, "cancelled") {
			return nil, ctx.Err()
		}
		// Settled concurrently; the result is already buffered.
		r := <-p.done
		return r.data, r.err
	}
}

// Correlator owns the table of pending requests.
type Correlator struct {
	log logger.Logger

	mu      sync.Mutex
	pending map[string]*Pending
}

// New creates an empty Correlator.
func New(log logger.Logger) *Correlator {
	return &Correlator{
		log:     log,
		pending: make(map[string]*Pending),
	}
}

// Register arms a request for key that times out after wait.
func (c *Correlator) Register(ctx context.Context, task, key string, wait time.Duration) (*Pending, error) {
	if wait <= 0 {
		return nil, fmt.Errorf("wait must be positive, got %s", wait)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}

	_, prof := observability.StartProfiler(ctx, c.log, observability.SpanTaskWait, "ext-task-"+key,
		observability.AttrTask.String(task),
		observability.AttrKey.String(key),
	)
	p := &Pending{
		key:       key,
		task:      task,
		startedAt: time.Now(),
		done:      make(chan result, 1),
		prof:      prof,
		owner:     c,
	}
	p.timer = time.AfterFunc(wait, func() {
		c.Expire(key)
	})
	c.pending[key] = p
	prof.Mark("create new task " + task)

	return p, nil
}

// Resolve settles the request matching reply.Key with its data or
// reconstructed error. It returns false, and logs, if no request is pending
// for the key.
func (c *Correlator) Resolve(reply contracts.ReplyEnvelope) bool {
	r := result{data: reply.Data}
	if reply.Error != nil {
		r = result{err: remoteerr.Reconstruct(*reply.Error)}
	}
	if !c.settle(reply.Key, r, "response received") {
		c.log.Error("[Correlator] No task found. Key: %s", reply.Key)
		return false
	}
	return true
}

// Reject fails the request for key with err.
func (c *Correlator) Reject(key string, err error) bool {
	return c.settle(key, result{err: err}, "rejected")
}

// Expire fails the request for key with a TimeoutError.
func (c *Correlator) Expire(key string) bool {
	c.mu.Lock()
	p, ok := c.pending[key]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return c.settle(key, result{err: &TimeoutError{
		Task: p.task,
		Key:  key,
		Wait: time.Since(p.startedAt),
	}}, "timeout")
}

// RejectAll fails every pending request with err and returns how many were rejected.
func (c *Correlator) RejectAll(err error) int {
	c.mu.Lock()
	keys := make([]string, 0, len(c.pending))
	for key := range c.pending {
		keys = append(keys, key)
	}
	c.mu.Unlock()

	n := 0
	for _, key := range keys {
		if c.Reject(key, err) {
			n++
		}
	}
	return n
}

// Len returns the number of pending requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// settle removes key and delivers r. Only the caller that removes the entry
// delivers, so each request settles once and its timer is stopped once.
func (c *Correlator) settle(key string, r result, step string) bool {
	c.mu.Lock()
	p, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	p.timer.Stop()
	p.prof.Mark(step)
	p.prof.Fail(r.err)
	p.prof.End()
	p.done <- r
	return true
}
