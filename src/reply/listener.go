// Package reply implements the direct point-to-point channel a worker uses to
// push a task result back to the waiting caller.
//
// The protocol is one payload per connection with no framing: the sender
// writes a JSON document and half-closes its side, the listener reads to EOF,
// dispatches the payload and closes the connection. The sender treats the
// listener's close as the delivery confirmation.
package reply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"taskbus/src/contracts"
	"taskbus/src/logger"
)

const (
	// DefaultMaxPayload bounds a single inbound payload.
	DefaultMaxPayload = 16 << 20
	// DefaultReadTimeout bounds how long a connection may take to deliver its payload.
	DefaultReadTimeout = 30 * time.Second
)

// ErrPayloadTooLarge is logged when a peer sends more than the configured maximum.
var ErrPayloadTooLarge = errors.New("reply payload too large")

// Handler receives one payload per inbound connection.
type Handler func(ctx context.Context, payload json.RawMessage)

// ListenOption customises a Listener.
type ListenOption func(*Listener)

// WithMaxPayload overrides DefaultMaxPayload.
func WithMaxPayload(n int64) ListenOption {
	return func(l *Listener) { l.maxPayload = n }
}

// WithReadTimeout overrides DefaultReadTimeout.
func WithReadTimeout(d time.Duration) ListenOption {
	return func(l *Listener) { l.readTimeout = d }
}

// Listener accepts reply connections and hands each payload to a Handler.
type Listener struct {
	ln          net.Listener
	addr        contracts.Address
	handler     Handler
	log         logger.Logger
	maxPayload  int64
	readTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// Listen binds to bind and starts accepting connections. A zero port asks the
// OS for an ephemeral one; Addr reports the port actually bound.
func Listen(ctx context.Context, bind contracts.Address, handler Handler, log logger.Logger, opts ...ListenOption) (*Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", bind.String())
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", bind, err)
	}

	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("unexpected listener address type %T", ln.Addr())
	}
	resolved := contracts.Address{Host: bind.Host, Port: tcpAddr.Port}
	if resolved.Host == "" {
		resolved.Host = tcpAddr.IP.String()
	}

	// The serving context outlives the Listen call; only Close cancels it.
	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l := &Listener{
		ln:          ln,
		addr:        resolved,
		handler:     handler,
		log:         log,
		maxPayload:  DefaultMaxPayload,
		readTimeout: DefaultReadTimeout,
		ctx:         serveCtx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(l)
	}

	l.wg.Add(1)
	go l.acceptLoop()

	return l, nil
}

// Addr returns the bound address with the OS-assigned port filled in.
func (l *Listener) Addr() contracts.Address {
	return l.addr
}

// Close stops accepting new connections and waits for in-flight ones to
// finish. Calling Close more than once is a no-op.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		err := l.ln.Close()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			l.closeErr = err
		}
		l.wg.Wait()
		l.cancel()
	})
	return l.closeErr
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Error("[ReplyListener] Accept failed: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		l.wg.Add(1)
		go l.serve(conn)
	}
}

func (l *Listener) serve(conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("[ReplyListener] Handler panic for payload from %s: %v", conn.RemoteAddr(), r)
		}
	}()

	if l.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(l.readTimeout))
	}

	data, err := io.ReadAll(io.LimitReader(conn, l.maxPayload+1))
	if err != nil {
		l.log.Error("[ReplyListener] Failed to read payload from %s: %v", conn.RemoteAddr(), err)
		return
	}
	if int64(len(data)) > l.maxPayload {
		l.log.Error("[ReplyListener] Discarding payload from %s: %v (limit %d bytes)", conn.RemoteAddr(), ErrPayloadTooLarge, l.maxPayload)
		return
	}
	if !json.Valid(data) {
		l.log.Error("[ReplyListener] Discarding malformed payload from %s (%d bytes)", conn.RemoteAddr(), len(data))
		return
	}

	l.handler(l.ctx, json.RawMessage(data))
}
