// ABOUTME: Shared-secret guard for broker channels
// ABOUTME: Constant-time token verification over SHA-256 digests

package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
)

// ErrTokenMismatch is returned when a presented token does not match the
// configured secret. A missing token on a guarded broker reports the same
// error so callers cannot distinguish the two cases.
var ErrTokenMismatch = errors.New("authentication failed")

// Guard verifies tokens presented on new channels against the broker's
// configured secret. It is safe for concurrent use.
type Guard struct {
	required bool
	digest   [sha256.Size]byte
}

// NewGuard creates a guard for the given token. An empty token produces a
// guard that requires no authentication and accepts every channel.
func NewGuard(token string) *Guard {
	g := &Guard{}
	if token != "" {
		g.required = true
		g.digest = sha256.Sum256([]byte(token))
	}
	return g
}

// Required reports whether channels must authenticate before issuing any
// other command.
func (g *Guard) Required() bool {
	return g.required
}

// Verify checks a presented token. The comparison runs in constant time over
// fixed-length digests, so neither token length nor matching prefix length
// leaks through timing. On an unguarded broker every token is accepted.
func (g *Guard) Verify(token string) error {
	if !g.required {
		return nil
	}
	presented := sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(presented[:], g.digest[:]) != 1 {
		return ErrTokenMismatch
	}
	return nil
}
