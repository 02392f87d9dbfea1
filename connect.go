// ABOUTME: Broker discovery and bootstrap for clients
// ABOUTME: Scans the port range, probes identities, spawns on miss, polls until ready

package seance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/2389/seance/internal/dbpath"
	"github.com/2389/seance/internal/wire"
)

const (
	// dialTimeout bounds one connection attempt while scanning. Loopback
	// answers fast or not at all.
	dialTimeout = 250 * time.Millisecond

	// probeTimeout bounds the authenticate/identify exchange against a
	// listener of unknown provenance.
	probeTimeout = time.Second

	// pollInitialBackoff and pollMaxWait pace the wait for a spawned broker
	// to come up: sleeps grow by half each round until the cumulative wait
	// would pass the budget.
	pollInitialBackoff = 100 * time.Millisecond
	pollMaxWait        = 10 * time.Second
)

// Connect returns a ready connection to the broker serving database,
// spawning a broker if none exists. The database path is canonicalized
// first, so every spelling of the same file reaches the same broker.
//
// Bootstrap scans the endpoint range for a live broker serving this
// database. If none answers, it spawns one on an endpoint that had no
// listener and waits for it to come up. Two processes racing to spawn are
// resolved by the operating system's exclusive bind: the losing child
// exits, and the losing client connects to the winner. Connect fails with
// ErrAuthFailed on a token mismatch and ErrNoBroker once the whole range is
// exhausted.
func Connect(ctx context.Context, database string, opts ...Option) (*Conn, error) {
	o := newOptions(opts)

	identity, err := dbpath.Canonical(database)
	if err != nil {
		return nil, err
	}

	ch, handle, err := bootstrap(ctx, identity, o)
	if err != nil {
		return nil, err
	}
	return newConn(ch, identity, handle, o), nil
}

// bootstrap runs the discovery protocol: one scan pass over the whole
// endpoint range looking for a live broker, then a spawn pass over the
// endpoints that had no listener.
func bootstrap(ctx context.Context, identity string, o *options) (*wire.Channel, BrokerHandle, error) {
	var free []string

	for i := 0; i < o.portCount; i++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(o.basePort+i))

		ch, err := dialEndpoint(ctx, addr)
		if err != nil {
			if isRefused(err) {
				free = append(free, addr)
			}
			o.logger.Debug("endpoint not answering", "addr", addr, "error", err)
			continue
		}

		err = probe(ch, identity, o.token)
		if err == nil {
			o.logger.Debug("found broker", "addr", addr, "identity", identity)
			return ch, nil, nil
		}
		ch.Close()
		if errors.Is(err, ErrAuthFailed) {
			return nil, nil, err
		}
		o.logger.Debug("endpoint held by something else", "addr", addr, "error", err)
	}

	for _, addr := range free {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		handle, err := o.spawn(identity, addr, o.token)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: spawning broker: %v", ErrNoBroker, err)
		}
		if handle != nil {
			o.logger.Info("spawned broker", "addr", addr, "identity", identity, "pid", handle.PID())
		}

		ch, err := poll(ctx, addr, identity, o)
		if err == nil {
			return ch, handle, nil
		}
		if errors.Is(err, ErrAuthFailed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, err
		}
		o.logger.Debug("spawned broker never became reachable", "addr", addr, "error", err)
	}

	return nil, nil, fmt.Errorf("%w: scanned ports %d-%d for %q",
		ErrNoBroker, o.basePort, o.basePort+o.portCount-1, identity)
}

// poll waits for addr to accept a channel and answer as the broker for
// identity. Connection refusals are retried with growing backoff until the
// budget is spent; once something accepts, its probe answer is final. A
// child that lost the bind race still satisfies the poll, because the race
// winner serves the same identity at the same endpoint.
func poll(ctx context.Context, addr, identity string, o *options) (*wire.Channel, error) {
	backoff := pollInitialBackoff
	var waited time.Duration

	for {
		ch, err := dialEndpoint(ctx, addr)
		if err == nil {
			perr := probe(ch, identity, o.token)
			if perr == nil {
				return ch, nil
			}
			ch.Close()
			return nil, perr
		}

		if waited+backoff > pollMaxWait {
			return nil, fmt.Errorf("broker at %s not reachable after %v: %w", addr, waited, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		waited += backoff
		backoff = backoff * 3 / 2
	}
}

// dialEndpoint opens a channel to one candidate endpoint, bounded by both
// the scan timeout and the caller's context.
func dialEndpoint(ctx context.Context, addr string) (*wire.Channel, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return wire.NewChannel(conn), nil
}

// isRefused reports whether a dial failure means nothing is listening,
// which marks the endpoint as a spawn candidate. Timeouts and other
// failures do not: something may be there that we cannot judge.
func isRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// probe validates a freshly opened channel: authenticate first when a token
// is carried (a guarded broker accepts nothing else on a new channel), then
// ask what the listener serves. On success the channel is handed back with
// its deadline cleared.
func probe(ch *wire.Channel, identity, token string) error {
	ch.SetDeadline(time.Now().Add(probeTimeout))
	defer ch.SetDeadline(time.Time{})

	if token != "" {
		resp, err := exchange(ch, &wire.Request{Command: wire.CmdAuthenticate, Args: []any{token}})
		if err != nil {
			return fmt.Errorf("authenticate exchange: %w", err)
		}
		if resp.Status != wire.StatusOK {
			if resp.Err != nil && resp.Err.Kind == wire.KindAuth {
				return fmt.Errorf("%w: %s", ErrAuthFailed, resp.Err.Message)
			}
			return fmt.Errorf("authenticate rejected: %v", resp.Err)
		}
	}

	resp, err := exchange(ch, &wire.Request{Command: wire.CmdIdentify})
	if err != nil {
		return fmt.Errorf("identify exchange: %w", err)
	}
	if resp.Status != wire.StatusOK {
		if resp.Err != nil && resp.Err.Kind == wire.KindAuth {
			// Guarded broker and we had no token to offer.
			return fmt.Errorf("%w: %s", ErrAuthFailed, resp.Err.Message)
		}
		return fmt.Errorf("identify rejected: %v", resp.Err)
	}
	served, ok := resp.Result.(string)
	if !ok {
		return fmt.Errorf("identify returned %T, not a database identity", resp.Result)
	}
	if served != identity {
		return fmt.Errorf("endpoint serves %q, not %q", served, identity)
	}
	return nil
}

func exchange(ch *wire.Channel, req *wire.Request) (*wire.Response, error) {
	if err := ch.WriteRequest(req); err != nil {
		return nil, err
	}
	return ch.ReadResponse()
}
