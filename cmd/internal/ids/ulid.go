// Package ids provides ID primitives (ULID) used across the server.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable and work well in logs and DB keys.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewULID returns a ULID or an empty string when entropy fails.
// Callers should treat empty as an error-like condition in logs/tests.
func MustNewULID(now time.Time) string {
	s, err := NewULID(now)
	if err != nil {
		return ""
	}
	return s
}
