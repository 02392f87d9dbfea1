// Package broker implements the server side of seance: the one process that
// owns a database handle and serves framed requests from any number of
// clients on the same machine.
//
// # Lifecycle
//
// A broker binds exactly one endpoint. The bind is what decides bootstrap
// races between concurrently spawned brokers: the operating system lets one
// process bind, the rest fail Listen and exit, and their clients connect to
// the winner.
//
//	b, err := broker.New(broker.Config{Identity: "/data/app.db", Addr: "127.0.0.1:25432"}, logger)
//	if err != nil { ... }
//	err = b.Run(ctx) // Listen + Serve; returns on ctx cancel or idle timeout
//
// # Sessions
//
// Each accepted connection is served by its own goroutine walking a small
// state machine: awaiting-auth (only when a token is configured), then ready,
// then closed. Commands are dispatched by an explicit switch over the closed
// command set; an unknown command or malformed body gets an error response
// and the channel stays open. Every session funnels into the store's lock
// before touching the database, so many concurrent channels never produce
// concurrent queries.
//
// # Errors
//
// Per-request failures (protocol, database) are answered as error envelopes
// and never take the broker down. Only a failed bind is fatal, and only to
// this process.
package broker
