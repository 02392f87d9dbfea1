// ABOUTME: Client connection handle over one channel to a broker
// ABOUTME: Serializes round trips, classifies failures, supports explicit reconnect

package seance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/2389/seance/internal/wire"
)

// Conn is one client's handle onto a broker. It is safe for concurrent use:
// the channel allows exactly one request in flight, so calls from multiple
// goroutines are serialized.
type Conn struct {
	mu       sync.Mutex
	ch       *wire.Channel
	identity string
	spawned  BrokerHandle
	opts     *options
	closed   bool
	logger   *slog.Logger
}

func newConn(ch *wire.Channel, identity string, spawned BrokerHandle, o *options) *Conn {
	return &Conn{
		ch:       ch,
		identity: identity,
		spawned:  spawned,
		opts:     o,
		logger:   o.logger,
	}
}

// Identity returns the canonical database identity this connection was
// validated against at bootstrap.
func (c *Conn) Identity() string {
	return c.identity
}

// SpawnedBroker returns the handle of the broker process this connection's
// bootstrap launched, or nil if it attached to one that already existed.
// The broker keeps running after Close; use the handle's Stop to tear it
// down when nobody else needs it.
func (c *Conn) SpawnedBroker() BrokerHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spawned
}

// Query executes one SQL statement against the shared database and returns
// its rows, empty for statements that produce none. Parameters may be nil,
// bools, integers, floats, strings, []byte, or time.Time; anything else is
// rejected before touching the wire. Engine rejections come back as
// *QueryError and requests the broker could not parse as *ProtocolError;
// both leave the connection usable.
func (c *Conn) Query(ctx context.Context, query string, params ...any) ([][]any, error) {
	normalized, err := wire.NormalizeSeq(params)
	if err != nil {
		return nil, fmt.Errorf("query parameters: %w", err)
	}

	resp, err := c.roundTrip(ctx, &wire.Request{
		Command: wire.CmdExecute,
		Args:    []any{query, normalized},
	})
	if err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, responseError(resp.Err)
	}
	return resultRows(resp.Result)
}

// Ping checks broker liveness without touching the database.
func (c *Conn) Ping(ctx context.Context) error {
	resp, err := c.roundTrip(ctx, &wire.Request{Command: wire.CmdPing})
	if err != nil {
		return err
	}
	if resp.Err != nil {
		return responseError(resp.Err)
	}
	if resp.Result != wire.PingAck {
		return &ProtocolError{Message: fmt.Sprintf("unexpected ping reply %v", resp.Result)}
	}
	return nil
}

// Identify asks the broker which database it serves. Bootstrap already
// validated the identity; this is a live diagnostic.
func (c *Conn) Identify(ctx context.Context) (string, error) {
	resp, err := c.roundTrip(ctx, &wire.Request{Command: wire.CmdIdentify})
	if err != nil {
		return "", err
	}
	if resp.Err != nil {
		return "", responseError(resp.Err)
	}
	served, ok := resp.Result.(string)
	if !ok {
		return "", &ProtocolError{Message: fmt.Sprintf("identify returned %T", resp.Result)}
	}
	return served, nil
}

// Reconnect runs the bootstrap again for the same database, replacing the
// underlying channel. Losing a broker is a caller decision point rather
// than something hidden behind automatic retries: call Reconnect after
// ErrPeerClosed when the same identity is wanted back, and a fresh broker
// is spawned if none took over.
func (c *Conn) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.ch.Close()
		c.closed = true
	}

	ch, handle, err := bootstrap(ctx, c.identity, c.opts)
	if err != nil {
		return err
	}
	c.ch = ch
	if handle != nil {
		c.spawned = handle
	}
	c.closed = false
	c.logger.Debug("reconnected", "identity", c.identity)
	return nil
}

// Close releases the channel. The broker keeps running: other clients may
// be attached, and a broker outliving its spawner is the normal lifecycle.
// Closing twice is harmless.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.ch.Close()
}

// roundTrip sends one request and reads its reply under the connection
// lock. Any transport failure mid-flight discards the connection: the reply
// may still be in the pipe, so the pairing of requests to responses cannot
// be re-established on this channel.
func (c *Conn) roundTrip(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrConnClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deadline := time.Time{}
	if c.opts.timeout > 0 {
		deadline = time.Now().Add(c.opts.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	c.ch.SetDeadline(deadline)

	// Wake blocked channel IO if the context is canceled mid-flight.
	stop := context.AfterFunc(ctx, func() { c.ch.SetDeadline(time.Now()) })
	defer stop()

	if err := c.ch.WriteRequest(req); err != nil {
		return nil, c.fail(ctx, err)
	}
	resp, err := c.ch.ReadResponse()
	if err != nil {
		return nil, c.fail(ctx, err)
	}

	c.ch.SetDeadline(time.Time{})
	return resp, nil
}

// fail discards the connection after a broken round trip, classifying why.
// Caller holds c.mu.
func (c *Conn) fail(ctx context.Context, err error) error {
	c.closed = true
	c.ch.Close()

	switch {
	case errors.Is(err, wire.ErrPeerClosed):
		c.logger.Debug("broker closed the channel", "identity", c.identity)
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("request abandoned: %w", ctx.Err())
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("request timed out after %v: %w", c.opts.timeout, err)
		}
		return err
	}
}

// resultRows converts the wire result shape, a sequence of row sequences,
// into [][]any.
func resultRows(result any) ([][]any, error) {
	if result == nil {
		return nil, nil
	}
	seq, ok := result.([]any)
	if !ok {
		return nil, &ProtocolError{Message: fmt.Sprintf("result is %T, not a row sequence", result)}
	}
	rows := make([][]any, len(seq))
	for i, r := range seq {
		row, ok := r.([]any)
		if !ok {
			return nil, &ProtocolError{Message: fmt.Sprintf("row %d is %T, not a sequence", i, r)}
		}
		rows[i] = row
	}
	return rows, nil
}
