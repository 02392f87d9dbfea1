// Package spawn launches seance-broker child processes during bootstrap.
//
// A client that finds no broker for its database starts one. The child is
// detached into its own session and deliberately outlives the spawning
// process: other clients may still be using it. The spawning client keeps a
// Handle for the optional courtesy of stopping the broker, not because it
// owns it.
//
// The token travels to the child in the SEANCE_TOKEN environment variable,
// never on the command line, so it does not appear in process listings. The
// child's output is discarded unless SEANCE_BROKER_LOG names a file to
// append to. The broker binary is found from, in order: the caller's
// explicit path, the SEANCE_BROKER environment variable, a seance-broker
// next to the running executable, and finally $PATH.
package spawn
