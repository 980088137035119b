package reply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"taskbus/src/contracts"
)

// DefaultSendTimeout applies when the caller's context has no deadline.
const DefaultSendTimeout = 10 * time.Second

// Send opens a connection to addr, writes payload as JSON, half-closes the
// connection and waits for the peer to close it. Failure to connect, a write
// or read error, or the deadline passing before the peer closes all fail the
// call.
func Send(ctx context.Context, addr contracts.Address, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal reply payload: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultSendTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := writeAndHalfClose(conn, data); err != nil {
		return sendErr(ctx, addr, err)
	}

	// Peer closes once it has consumed the payload.
	if _, err := io.Copy(io.Discard, conn); err != nil {
		return sendErr(ctx, addr, err)
	}
	return nil
}

func writeAndHalfClose(conn net.Conn, data []byte) error {
	if _, err := conn.Write(data); err != nil {
		return err
	}
	if hc, ok := conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return fmt.Errorf("connection %T does not support half-close", conn)
}

func sendErr(ctx context.Context, addr contracts.Address, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("failed to deliver reply to %s: %w", addr, ctxErr)
	}
	// Connection deadlines mirror the context deadline and may fire first.
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("failed to deliver reply to %s: %w", addr, context.DeadlineExceeded)
	}
	return fmt.Errorf("failed to deliver reply to %s: %w", addr, err)
}
