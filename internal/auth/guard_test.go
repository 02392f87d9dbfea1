// ABOUTME: Unit tests for the shared-secret guard
// ABOUTME: Covers required/optional modes and token mismatch handling

package auth

import (
	"errors"
	"testing"
)

func TestGuard_CorrectToken(t *testing.T) {
	guard := NewGuard("s3cret-token")

	if !guard.Required() {
		t.Error("Required() = false, want true for a configured token")
	}
	if err := guard.Verify("s3cret-token"); err != nil {
		t.Errorf("Verify() error = %v, want nil", err)
	}
}

func TestGuard_WrongToken(t *testing.T) {
	guard := NewGuard("s3cret-token")

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"wrong token", "not-the-secret"},
		{"prefix of secret", "s3cret"},
		{"secret plus suffix", "s3cret-token-x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guard.Verify(tt.token)
			if !errors.Is(err, ErrTokenMismatch) {
				t.Errorf("Verify(%q) = %v, want ErrTokenMismatch", tt.token, err)
			}
		})
	}
}

func TestGuard_NoTokenConfigured(t *testing.T) {
	guard := NewGuard("")

	if guard.Required() {
		t.Error("Required() = true, want false for an empty token")
	}

	// An unguarded broker trusts every channel, including ones that
	// volunteer a token anyway.
	if err := guard.Verify(""); err != nil {
		t.Errorf("Verify(\"\") error = %v, want nil", err)
	}
	if err := guard.Verify("anything"); err != nil {
		t.Errorf("Verify(\"anything\") error = %v, want nil", err)
	}
}
