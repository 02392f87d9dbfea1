// ABOUTME: Per-channel session state machine and command dispatch
// ABOUTME: awaiting-auth to ready to closed, with an explicit switch over commands

package broker

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/google/uuid"

	"github.com/2389/seance/internal/wire"
)

type sessionState int

const (
	stateAwaitingAuth sessionState = iota
	stateReady
	stateClosed
)

// session serves one connected channel. It is owned by a single goroutine;
// no field is touched concurrently.
type session struct {
	id     string
	ch     *wire.Channel
	broker *Broker
	state  sessionState
	logger *slog.Logger
}

func newSession(b *Broker, conn net.Conn) *session {
	id := uuid.New().String()
	state := stateReady
	if b.guard.Required() {
		state = stateAwaitingAuth
	}
	return &session{
		id:     id,
		ch:     wire.NewChannel(conn),
		broker: b,
		state:  state,
		logger: b.logger.With("session_id", id),
	}
}

// serve reads requests until the channel dies or the session is closed by an
// authentication failure. One request is always answered before the next is
// read, which is what gives clients their ordering guarantee.
func (s *session) serve(ctx context.Context) {
	defer s.ch.Close()

	for s.state != stateClosed {
		req, err := s.ch.ReadRequest()
		if err != nil {
			var de *wire.DecodeError
			switch {
			case errors.As(err, &de):
				// The frame was delimited, so the stream is still healthy.
				// Answer with a protocol error and keep serving.
				s.logger.Debug("malformed request", "error", err)
				if werr := s.ch.WriteResponse(wire.Errf(wire.KindProtocol, nil, "malformed request: %v", err)); werr != nil {
					return
				}
				continue
			case errors.Is(err, wire.ErrPeerClosed):
				s.logger.Debug("peer closed channel")
				return
			default:
				s.logger.Warn("reading request failed", "error", err)
				return
			}
		}

		s.broker.touch()
		resp := s.dispatch(ctx, req)
		if err := s.ch.WriteResponse(resp); err != nil {
			s.logger.Warn("writing response failed", "error", err)
			return
		}
	}
}

// dispatch maps one request to one response. The command set is closed: the
// switch enumerates every wire command, and anything else is answered with a
// protocol error rather than dropped or crashed on.
func (s *session) dispatch(ctx context.Context, req *wire.Request) *wire.Response {
	if s.state == stateAwaitingAuth && req.Command != wire.CmdAuthenticate {
		s.logger.Warn("auth failure", "reason", "command_before_auth", "command", req.Command)
		s.state = stateClosed
		return wire.Errf(wire.KindAuth, nil, "authentication required")
	}

	switch req.Command {
	case wire.CmdAuthenticate:
		return s.handleAuthenticate(req)
	case wire.CmdPing:
		if len(req.Args) != 0 {
			return wire.Errf(wire.KindProtocol, req.Args, "ping expects no arguments, got %d", len(req.Args))
		}
		return wire.OK(wire.PingAck)
	case wire.CmdIdentify:
		if len(req.Args) != 0 {
			return wire.Errf(wire.KindProtocol, req.Args, "identify_database expects no arguments, got %d", len(req.Args))
		}
		return wire.OK(s.broker.identity)
	case wire.CmdExecute:
		return s.handleExecute(ctx, req)
	default:
		return wire.Errf(wire.KindProtocol, req.Args, "unrecognized command %q", req.Command)
	}
}

// handleAuthenticate verifies the presented token. Any failure closes the
// session after the error response is written; a success is idempotent and
// harmless on an already-ready channel.
func (s *session) handleAuthenticate(req *wire.Request) *wire.Response {
	token, ok := singleStringArg(req.Args)
	if !ok {
		s.logger.Warn("auth failure", "reason", "malformed_token")
		s.state = stateClosed
		return wire.Errf(wire.KindAuth, nil, "authenticate expects a single token argument")
	}

	if err := s.broker.guard.Verify(token); err != nil {
		s.logger.Warn("auth failure", "reason", "token_mismatch")
		s.state = stateClosed
		return wire.Errf(wire.KindAuth, nil, "%v", err)
	}

	s.state = stateReady
	return wire.OK(true)
}

// handleExecute validates the (query, params) shape and passes both through
// to the database owner. Engine errors come back as database-kind envelopes
// carrying the original arguments so the caller can reconstruct the failure.
func (s *session) handleExecute(ctx context.Context, req *wire.Request) *wire.Response {
	if len(req.Args) != 2 {
		return wire.Errf(wire.KindProtocol, req.Args, "execute_query expects (text, params), got %d arguments", len(req.Args))
	}
	query, ok := req.Args[0].(string)
	if !ok {
		return wire.Errf(wire.KindProtocol, req.Args, "execute_query text must be a string, got %T", req.Args[0])
	}
	var params []any
	switch p := req.Args[1].(type) {
	case nil:
	case []any:
		params = p
	default:
		return wire.Errf(wire.KindProtocol, req.Args, "execute_query params must be a sequence, got %T", req.Args[1])
	}

	rows, err := s.broker.owner.Execute(ctx, query, params)
	if err != nil {
		s.logger.Debug("query failed", "error", err)
		return wire.Errf(wire.KindDatabase, req.Args, "%v", err)
	}

	result := make([]any, len(rows))
	for i, row := range rows {
		result[i] = row
	}
	return wire.OK(result)
}

func singleStringArg(args []any) (string, bool) {
	if len(args) != 1 {
		return "", false
	}
	s, ok := args[0].(string)
	return s, ok
}
