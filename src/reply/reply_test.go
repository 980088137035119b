package reply

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskbus/src/contracts"
	"taskbus/src/logger"
)

var loopback = contracts.Address{Host: "127.0.0.1", Port: 0}

type collector struct {
	mu       sync.Mutex
	payloads []json.RawMessage
	got      chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 16)}
}

func (c *collector) handle(_ context.Context, payload json.RawMessage) {
	c.mu.Lock()
	c.payloads = append(c.payloads, payload)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) all() []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]json.RawMessage(nil), c.payloads...)
}

func startListener(t *testing.T, h Handler, opts ...ListenOption) *Listener {
	t.Helper()
	l, err := Listen(context.Background(), loopback, h, logger.NewSilentLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestListen_EphemeralPort(t *testing.T) {
	l := startListener(t, newCollector().handle)

	addr := l.Addr()
	assert.Equal(t, "127.0.0.1", addr.Host)
	assert.NotZero(t, addr.Port)
}

func TestSend_DeliversPayloadBeforeReturning(t *testing.T) {
	c := newCollector()
	l := startListener(t, c.handle)

	err := Send(context.Background(), l.Addr(), contracts.ReplyEnvelope{
		Key:  "resize:1",
		Data: json.RawMessage(`{"width":640}`),
	})
	require.NoError(t, err)

	// Send only returns after the listener closed the connection, which
	// happens after the handler ran.
	payloads := c.all()
	require.Len(t, payloads, 1)
	assert.JSONEq(t, `{"key":"resize:1","data":{"width":640}}`, string(payloads[0]))
}

func TestListener_MalformedPayloadDoesNotStopListener(t *testing.T) {
	c := newCollector()
	l := startListener(t, c.handle)

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte(`{"key": "broken"`))
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	_, _ = conn.Read(make([]byte, 1))
	conn.Close()

	require.NoError(t, Send(context.Background(), l.Addr(), map[string]string{"key": "ok"}))

	payloads := c.all()
	require.Len(t, payloads, 1)
	assert.JSONEq(t, `{"key":"ok"}`, string(payloads[0]))
}

func TestListener_PayloadTooLargeIsDiscarded(t *testing.T) {
	c := newCollector()
	l := startListener(t, c.handle, WithMaxPayload(16))

	_ = Send(context.Background(), l.Addr(), map[string]string{"key": "this payload is well over sixteen bytes"})

	require.NoError(t, Send(context.Background(), l.Addr(), 1))
	payloads := c.all()
	require.Len(t, payloads, 1)
	assert.Equal(t, "1", string(payloads[0]))
}

func TestListener_HandlerPanicIsContained(t *testing.T) {
	calls := make(chan struct{}, 2)
	l := startListener(t, func(_ context.Context, payload json.RawMessage) {
		calls <- struct{}{}
		if string(payload) == `"panic"` {
			panic("handler exploded")
		}
	})

	_ = Send(context.Background(), l.Addr(), "panic")
	require.NoError(t, Send(context.Background(), l.Addr(), "fine"))
	assert.Len(t, calls, 2)
}

func TestListener_CloseIsIdempotent(t *testing.T) {
	l, err := Listen(context.Background(), loopback, newCollector().handle, logger.NewSilentLogger())
	require.NoError(t, err)

	assert.NoError(t, l.Close())
	assert.NoError(t, l.Close())

	err = Send(context.Background(), l.Addr(), "late")
	assert.Error(t, err)
}

func TestListener_CloseWaitsForInFlightConnections(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	finished := make(chan struct{})
	l, err := Listen(context.Background(), loopback, func(context.Context, json.RawMessage) {
		close(entered)
		<-release
		close(finished)
	}, logger.NewSilentLogger())
	require.NoError(t, err)

	go func() { _ = Send(context.Background(), l.Addr(), "slow") }()
	<-entered

	closed := make(chan struct{})
	go func() {
		_ = l.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a connection was still being served")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after in-flight connection finished")
	}
	<-finished
}

func TestSend_ConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	err = Send(context.Background(), contracts.Address{Host: "127.0.0.1", Port: port}, "x")
	assert.Error(t, err)
}

func TestSend_TimesOutWhenPeerNeverCloses(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	held := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			held <- conn
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = Send(ctx, contracts.Address{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}, "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case conn := <-held:
		conn.Close()
	default:
	}
}

func TestListener_ReadTimeoutDropsStalledPeer(t *testing.T) {
	c := newCollector()
	l := startListener(t, c.handle, WithReadTimeout(50*time.Millisecond))

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Part of a payload, then nothing: no half-close ever arrives.
	_, err = conn.Write([]byte(`{"key":`))
	require.NoError(t, err)

	// The listener gives up and closes its side, which the peer sees as EOF.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)

	closed := make(chan struct{})
	go func() {
		_ = l.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on a stalled connection")
	}
	assert.Empty(t, c.all())
}
