package taskbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"taskbus/src/broker"
)

// SendEvent publishes a typed event.
func SendEvent[D any](ctx context.Context, b *Bus, name string, data D) error {
	return b.SendEvent(ctx, name, data)
}

// RunTask publishes a task and waits up to wait for its typed result.
func RunTask[D, R any](ctx context.Context, b *Bus, name string, data D, wait time.Duration) (R, error) {
	var out R
	if wait <= 0 {
		return out, fmt.Errorf("task %s: wait must be positive; use DispatchTask for fire-and-forget", name)
	}

	raw, err := b.RunTask(ctx, name, data, TaskOptions{Wait: wait})
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to decode result of task %s: %w", name, err)
	}
	return out, nil
}

// DispatchTask publishes a fire-and-forget task.
func DispatchTask[D any](ctx context.Context, b *Bus, name string, data D) error {
	_, err := b.RunTask(ctx, name, data, TaskOptions{Wait: NoWait})
	return err
}

// RegisterEventListener subscribes a typed event handler.
func RegisterEventListener[D any](ctx context.Context, b *Bus, name string, opts ListenerOptions, fn func(ctx context.Context, data D) error) (broker.Unsubscriber, error) {
	return b.RegisterEventListener(ctx, name, opts, func(ctx context.Context, raw json.RawMessage) error {
		var data D
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("failed to decode event %s: %w", name, err)
		}
		return fn(ctx, data)
	})
}

// RegisterTaskWorker subscribes a typed task handler.
func RegisterTaskWorker[D, R any](ctx context.Context, b *Bus, name string, opts WorkerOptions, fn func(ctx context.Context, data D) (R, error)) (broker.Unsubscriber, error) {
	return b.RegisterTaskWorker(ctx, name, opts, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var data D
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("failed to decode task %s: %w", name, err)
		}
		return fn(ctx, data)
	})
}
