// Package seance shares one SQLite database handle between independent
// processes on the same machine.
//
// The first client to ask for a database spawns a broker process that opens
// the database and serves it over loopback TCP; every later client finds
// that broker by scanning a small well-known port range and asking each
// listener which database it serves. All queries funnel through the broker,
// which serializes them onto its single handle, so concurrent processes
// never fight over the database file itself.
//
//	conn, err := seance.Connect(ctx, "/var/lib/app/shared.db")
//	if err != nil {
//		// ...
//	}
//	defer conn.Close()
//
//	rows, err := conn.Query(ctx, "SELECT id, name FROM users WHERE id = ?", 7)
//
// Closing a connection never stops the broker: other clients may be using
// it, and a broker outliving the client that spawned it is expected. A
// client that wants its broker gone calls Stop on the handle returned by
// SpawnedBroker.
//
// # Races
//
// Two processes may decide at the same moment that no broker exists and
// both spawn one. The operating system's exclusive bind picks the winner;
// the losing child exits and the losing client's bootstrap connects to the
// winner. Neither client observes an error.
//
// # Authentication
//
// A broker started with a token (WithToken on the first client, or
// SEANCE_TOKEN for a standalone broker) requires every new channel to
// present that token before anything else. Access is all-or-nothing: a
// channel that authenticates gets full database access. Wrong or missing
// tokens fail the bootstrap with ErrAuthFailed and are never retried.
//
// # Failures
//
// Engine rejections (*QueryError) and malformed requests (*ProtocolError)
// are per-request; the connection stays usable. ErrPeerClosed means the
// broker went away; the caller decides whether to call Reconnect, which
// runs the bootstrap again and spawns a fresh broker if needed. A round
// trip cut short by a timeout or context cancellation discards the
// connection, because the channel's request/response pairing can no longer
// be trusted.
package seance
