// ABOUTME: Public error taxonomy for seance clients
// ABOUTME: Sentinels for terminal bootstrap failures plus typed per-request errors

package seance

import (
	"errors"
	"fmt"

	"github.com/2389/seance/internal/wire"
)

// ErrNoBroker reports that bootstrap exhausted the whole endpoint range
// without finding or creating a broker for the requested database.
var ErrNoBroker = errors.New("no broker reachable")

// ErrAuthFailed reports a wrong or missing token. Terminal for the
// connection attempt; never retried automatically.
var ErrAuthFailed = errors.New("authentication failed")

// ErrConnClosed reports use of a Conn after Close, or after a failed round
// trip discarded it.
var ErrConnClosed = errors.New("connection is closed")

// ErrPeerClosed reports that the broker's end of the channel went away.
// Distinct from protocol and database errors so callers can decide whether
// to Reconnect.
var ErrPeerClosed = wire.ErrPeerClosed

// ProtocolError reports a request the broker could not make sense of: an
// unrecognized command or malformed arguments. Per-request; the connection
// remains usable.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Message
}

// QueryError reports a query the database engine rejected. The engine's
// message comes back verbatim, alongside the query and parameters that
// provoked it, so the failure can be reproduced locally. Per-request; the
// connection remains usable.
type QueryError struct {
	Query   string
	Params  []any
	Message string
}

func (e *QueryError) Error() string {
	return e.Message
}

// responseError maps a wire error envelope onto the public taxonomy.
func responseError(we *wire.WireError) error {
	if we == nil {
		return &ProtocolError{Message: "broker reported an error without saying which"}
	}
	switch we.Kind {
	case wire.KindAuth:
		return fmt.Errorf("%w: %s", ErrAuthFailed, we.Message)
	case wire.KindDatabase:
		query, params := splitQueryArgs(we.Args)
		return &QueryError{Query: query, Params: params, Message: we.Message}
	default:
		return &ProtocolError{Message: we.Message}
	}
}

// splitQueryArgs unpacks the [query, params] context a database error
// carries. Anything misshapen degrades to empty fields rather than failing:
// the error itself is the payload.
func splitQueryArgs(args []any) (string, []any) {
	var query string
	var params []any
	if len(args) > 0 {
		if s, ok := args[0].(string); ok {
			query = s
		}
	}
	if len(args) > 1 {
		if seq, ok := args[1].([]any); ok {
			params = seq
		}
	}
	return query, params
}
