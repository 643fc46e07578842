package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"strings"
)

const (
	// HMACEnvKey is the env var name for the token HMAC secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "PARLEY_AUTH_HMAC_KEY"

	// MinHMACKeyBytes is the minimum secret length for HMAC-SHA256.
	MinHMACKeyBytes = 32
)

// HMAC key policy errors.
var (
	ErrHMACKeyMissing  = errors.New("auth: HMAC key missing")
	ErrHMACKeyTooShort = errors.New("auth: HMAC key too short")
)

// HMACVerifier verifies tokens of the form "<user_id>.<hex hmac>" where the
// signature is HMAC-SHA256(user_id, key). Token issuance belongs to the
// external collaborator; this side only checks.
type HMACVerifier struct {
	key []byte
}

// NewHMACVerifier constructs a verifier from a raw key, enforcing minimum
// length.
func NewHMACVerifier(key []byte) (*HMACVerifier, error) {
	if len(key) == 0 {
		return nil, ErrHMACKeyMissing
	}
	if len(key) < MinHMACKeyBytes {
		return nil, ErrHMACKeyTooShort
	}
	return &HMACVerifier{key: key}, nil
}

// HMACKeyFromEnv returns the configured HMAC key bytes (trimmed).
// Missing/blank -> ErrHMACKeyMissing; too short -> ErrHMACKeyTooShort.
func HMACKeyFromEnv() ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if raw == "" {
		return nil, ErrHMACKeyMissing
	}
	b := []byte(raw)
	if len(b) < MinHMACKeyBytes {
		return nil, ErrHMACKeyTooShort
	}
	return b, nil
}

// Verify checks the token signature and returns the embedded user id.
func (v *HMACVerifier) Verify(_ context.Context, credential string) (string, error) {
	credential = strings.TrimSpace(credential)

	i := strings.LastIndexByte(credential, '.')
	if i <= 0 || i == len(credential)-1 {
		return "", ErrUnauthorized
	}

	userID, sig := credential[:i], credential[i+1:]

	want := signHex(userID, v.key)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return "", ErrUnauthorized
	}
	return userID, nil
}

// Sign mints a token for a user id. Exists for tests and local tooling; the
// production issuer is the external collaborator holding the same key.
func (v *HMACVerifier) Sign(userID string) string {
	return userID + "." + signHex(userID, v.key)
}

func signHex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}
