// Package auth verifies the shared secret that gates access to a broker.
//
// The trust model is all-or-nothing: a broker configured with a token requires
// the first request on every channel to present it, and a channel that passes
// receives full database access. There is no per-command authorization. A
// broker configured without a token trusts every channel implicitly.
//
// Tokens are opaque strings known to client and broker out of band. The guard
// compares SHA-256 digests with crypto/subtle so verification time does not
// depend on how much of the token matched.
package auth
