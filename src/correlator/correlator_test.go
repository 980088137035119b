package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskbus/src/contracts"
	"taskbus/src/logger"
	"taskbus/src/remoteerr"
)

func newCorrelator() *Correlator {
	return New(logger.NewSilentLogger())
}

func TestCorrelator_ResolveWithData(t *testing.T) {
	c := newCorrelator()
	ctx := context.Background()

	p, err := c.Register(ctx, "resize", "resize:1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())

	assert.True(t, c.Resolve(contracts.ReplyEnvelope{Key: "resize:1", Data: json.RawMessage(`{"ok":true}`)}))

	data, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
	assert.Equal(t, 0, c.Len())
}

func TestCorrelator_ResolveWithError(t *testing.T) {
	c := newCorrelator()
	ctx := context.Background()

	p, err := c.Register(ctx, "resize", "resize:2", time.Second)
	require.NoError(t, err)

	serialized := remoteerr.Serialize(remoteerr.New("boom", map[string]any{"code": 42}))
	require.True(t, c.Resolve(contracts.ReplyEnvelope{Key: "resize:2", Error: &serialized}))

	_, err = p.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, "boom", err.Error())
	var remote *remoteerr.Error
	require.ErrorAs(t, err, &remote)
	assert.EqualValues(t, 42, remote.Fields["code"])
}

func TestCorrelator_TimeoutThenLateReplyDropped(t *testing.T) {
	c := newCorrelator()
	ctx := context.Background()

	start := time.Now()
	p, err := c.Register(ctx, "slow", "slow:1", 50*time.Millisecond)
	require.NoError(t, err)

	_, err = p.Wait(ctx)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "slow", timeout.Task)
	assert.Contains(t, err.Error(), "Task: slow")
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.Equal(t, 0, c.Len())

	assert.False(t, c.Resolve(contracts.ReplyEnvelope{Key: "slow:1", Data: json.RawMessage(`1`)}))
	assert.False(t, c.Expire("slow:1"))
}

func TestCorrelator_ResolveUnknownKey(t *testing.T) {
	c := newCorrelator()
	assert.False(t, c.Resolve(contracts.ReplyEnvelope{Key: "nobody:1"}))
}

func TestCorrelator_DuplicateKey(t *testing.T) {
	c := newCorrelator()
	ctx := context.Background()

	_, err := c.Register(ctx, "t", "t:1", time.Second)
	require.NoError(t, err)
	_, err = c.Register(ctx, "t", "t:1", time.Second)
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestCorrelator_RegisterRequiresPositiveWait(t *testing.T) {
	_, err := newCorrelator().Register(context.Background(), "t", "t:1", 0)
	assert.Error(t, err)
}

func TestPending_WaitCancelled(t *testing.T) {
	c := newCorrelator()

	p, err := c.Register(context.Background(), "t", "t:1", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Resolve(contracts.ReplyEnvelope{Key: "t:1"}))
}

func TestCorrelator_RejectAll(t *testing.T) {
	c := newCorrelator()
	ctx := context.Background()

	var pendings []*Pending
	for i := 0; i < 3; i++ {
		p, err := c.Register(ctx, "t", fmt.Sprintf("t:%d", i), time.Minute)
		require.NoError(t, err)
		pendings = append(pendings, p)
	}

	assert.Equal(t, 3, c.RejectAll(ErrShutdown))
	assert.Equal(t, 0, c.Len())

	for _, p := range pendings {
		_, err := p.Wait(ctx)
		assert.ErrorIs(t, err, ErrShutdown)
	}
}

func TestCorrelator_SettlesExactlyOnceUnderRace(t *testing.T) {
	c := newCorrelator()
	ctx := context.Background()

	const n = 200
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("race:%d", i)
		p, err := c.Register(ctx, "race", key, time.Millisecond)
		require.NoError(t, err)

		wg.Add(2)
		go func() {
			defer wg.Done()
			if c.Resolve(contracts.ReplyEnvelope{Key: key, Data: json.RawMessage(`1`)}) {
				wins.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			_, err := p.Wait(ctx)
			if err != nil && !errors.Is(err, ErrTimeout) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, c.Len())
	assert.LessOrEqual(t, wins.Load(), int32(n))
}
