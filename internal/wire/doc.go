// Package wire implements the framed envelope protocol spoken between seance
// clients and brokers.
//
// # Framing
//
// Every message is a 4-byte big-endian length prefix followed by a CBOR body.
// Frames never merge or split at the application layer; a malformed body does
// not desynchronize the stream because the prefix already delimited it.
//
// # Envelopes
//
// A request is [command, args]; a response is [status, result, error]. Commands
// form a closed set:
//
//	authenticate(token)
//	ping()
//	identify_database()
//	execute_query(text, params)
//
// Responses are correlated to requests purely by channel order: one request is
// always answered before the next is sent.
//
// # Value model
//
// Arguments and results are restricted to null, bool, int64, float64, text,
// binary, and sequences of those (rows are sequences of sequences), plus the
// tagged error shape carried in responses. Decoding forbids CBOR tags, converts
// all integers to int64, caps nesting, and then whitelists the decoded shapes —
// arbitrary object graphs from a peer are rejected, never materialized into
// anything richer than plain data.
//
// # Errors
//
// ErrPeerClosed reports the other end closing the transport, distinct from
// *DecodeError (malformed body on an otherwise healthy stream) and from
// application-level WireError payloads.
package wire
