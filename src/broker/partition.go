package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"taskbus/src/logger"
	"taskbus/src/observability"
)

// commitTimeout bounds a single offset commit. Commits run detached from the
// subscription context.
const commitTimeout = 10 * time.Second

// Outcome is the result of handling one message.
type Outcome struct {
	Err error
}

// OK reports whether the handler succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// partitionBatch is the run of records fetched for one partition in one poll.
type partitionBatch struct {
	topic     string
	partition int32
	msgs      []Message
	// commit marks msgs[i] as processed for the group.
	commit func(ctx context.Context, i int) error
}

// handleMessage runs handler for one message and captures panics as failures.
func handleMessage(ctx context.Context, handler Handler, msg Message) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Outcome{Err: fmt.Errorf("handler panic: %v", r)}
		}
	}()
	return Outcome{Err: handler(ctx, msg)}
}

// processPartition handles a batch strictly in order. Every handled record is
// committed before the next one starts, regardless of its outcome. A failed
// commit is logged and handling continues; a later commit on the partition
// covers the earlier offset. It stops early, without handling further
// records, once stop is closed.
func processPartition(ctx context.Context, stop <-chan struct{}, batch partitionBatch, handler Handler, log logger.Logger) error {
	var errs []error
	for i, msg := range batch.msgs {
		select {
		case <-stop:
			return errors.Join(errs...)
		default:
		}

		hctx, prof := observability.StartProfiler(ctx, log, observability.SpanConsume,
			fmt.Sprintf("consume-%s-%d-%d", msg.Topic, msg.Partition, msg.Offset),
			observability.AttrTopic.String(msg.Topic),
			observability.AttrPartition.Int64(int64(msg.Partition)),
			observability.AttrOffset.Int64(msg.Offset),
		)
		log.Debug("[Broker] Received message from topic %s (partition %d, offset %d)", msg.Topic, msg.Partition, msg.Offset)

		outcome := handleMessage(hctx, handler, msg)
		if !outcome.OK() {
			prof.Fail(outcome.Err)
			log.Error("[Broker] Handler failed for %s[%d]@%d: %v", msg.Topic, msg.Partition, msg.Offset, outcome.Err)
		}
		prof.Mark("handled")

		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
		err := batch.commit(commitCtx, i)
		cancel()
		if err != nil {
			err = fmt.Errorf("failed to commit %s[%d]@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
			prof.Fail(err)
			log.Error("[Broker] %v", err)
			errs = append(errs, err)
		} else {
			prof.Mark("committed")
		}
		prof.End()
	}
	return errors.Join(errs...)
}

// processBatches runs each partition's batch with at most concurrency
// partitions in flight and waits for all of them.
func processBatches(ctx context.Context, stop <-chan struct{}, batches []partitionBatch, concurrency int, handler Handler, log logger.Logger) error {
	if len(batches) == 0 {
		return nil
	}

	var g errgroup.Group
	g.SetLimit(concurrency)

	errs := make([]error, len(batches))
	for i, batch := range batches {
		g.Go(func() error {
			errs[i] = processPartition(ctx, stop, batch, handler, log)
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}
