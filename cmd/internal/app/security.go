package app

import (
	"errors"

	"parley/cmd/internal/auth"
)

// ValidateSecurityConfig enforces the auth policy at startup.
//
// Fail-fast is intentional: silently falling back to the insecure dev
// verifier in production is unacceptable.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireAuthHMAC {
		return nil
	}

	if _, err := auth.HMACKeyFromEnv(); err != nil {
		switch {
		case errors.Is(err, auth.ErrHMACKeyMissing):
			return errors.New("security policy: PARLEY_REQUIRE_AUTH_HMAC=true but PARLEY_AUTH_HMAC_KEY is missing")
		case errors.Is(err, auth.ErrHMACKeyTooShort):
			return errors.New("security policy: PARLEY_REQUIRE_AUTH_HMAC=true but PARLEY_AUTH_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}

	return nil
}
