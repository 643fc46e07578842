// Package auth is the boundary to the external authentication collaborator.
// The core never issues or validates credentials beyond this interface: it
// trusts a verified user identifier for the lifetime of one connection.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized means the credential could not be verified. Fatal to the
// connection; never retried.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Verifier resolves a bearer credential to a verified user id.
type Verifier interface {
	Verify(ctx context.Context, credential string) (userID string, err error)
}

// InsecureVerifier treats the credential itself as the user id. Dev-only
// fallback when no HMAC key is configured; the server logs loudly about it.
type InsecureVerifier struct{}

// Verify returns the credential as the user id.
func (InsecureVerifier) Verify(_ context.Context, credential string) (string, error) {
	if credential == "" {
		return "", ErrUnauthorized
	}
	return credential, nil
}
