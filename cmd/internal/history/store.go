// Package history contains the durable conversation log adapter.
//
// A session's transcript is an ordered, append-only message log keyed by
// session id, plus one metadata record. The adapter hides the concrete
// backing store (Postgres in production, in-memory for dev/tests) behind a
// small contract with strict ordering guarantees.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Role identifies who produced a message.
type Role string

// Roles stored in the log.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Session status values persisted in metadata.
const (
	StatusIdle   = "idle"
	StatusClosed = "closed"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrSessionNotFound means no durable state exists for the session id.
	ErrSessionNotFound = errors.New("history: session not found")
	// ErrStoreUnavailable wraps backend failures (connectivity, timeouts).
	ErrStoreUnavailable = errors.New("history: store unavailable")
	// ErrInconsistentLog means a read would return a gapped or duplicated
	// sequence. The adapter fails instead of returning an inconsistent view.
	ErrInconsistentLog = errors.New("history: inconsistent log")
)

// Message is one unit of durable conversation content.
type Message struct {
	TurnSeq   int64
	Role      Role
	Content   string
	Complete  bool
	Timestamp time.Time
}

// Meta is the per-session metadata record.
type Meta struct {
	SessionID    string
	Owner        string
	Status       string
	Title        string
	Preview      string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// Store persists and queries conversation logs.
//
// Requirements:
//   - Append is atomic per message and idempotent per (session_id, turn_seq),
//     so a retried commit is observed exactly once.
//   - Read returns messages in contiguous turn_seq order starting at 0; if
//     the backend cannot guarantee this, Read fails with ErrInconsistentLog.
//   - An assistant message may never be appended with Complete=false.
type Store interface {
	Append(ctx context.Context, sessionID string, msgs ...Message) error
	Read(ctx context.Context, sessionID string) ([]Message, error)
	ReadMeta(ctx context.Context, sessionID string) (Meta, error)
	WriteMeta(ctx context.Context, meta Meta) error
	// List returns metadata for all of an owner's sessions, most recently
	// active first.
	List(ctx context.Context, owner string) ([]Meta, error)
	Close() error
}

const (
	titleMaxRunes   = 32
	previewMaxRunes = 64
)

// TitleFrom derives a session title from the first user message.
func TitleFrom(content string) string {
	return truncateRunes(content, titleMaxRunes)
}

// PreviewFrom derives a session preview from the latest message.
func PreviewFrom(content string) string {
	return truncateRunes(content, previewMaxRunes)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// validateAppend enforces the append-side invariants shared by all stores.
func validateAppend(sessionID string, msgs []Message) error {
	if sessionID == "" {
		return errors.New("history: missing session id")
	}
	if len(msgs) == 0 {
		return errors.New("history: no messages")
	}
	for _, m := range msgs {
		if m.TurnSeq < 0 {
			return fmt.Errorf("history: negative turn_seq %d", m.TurnSeq)
		}
		if m.Role == RoleAssistant && !m.Complete {
			return fmt.Errorf("history: incomplete assistant message at turn_seq %d", m.TurnSeq)
		}
	}
	return nil
}

// checkContiguous verifies the ordered log is gapless from 0.
func checkContiguous(msgs []Message) error {
	for i, m := range msgs {
		if m.TurnSeq != int64(i) {
			return fmt.Errorf("%w: want turn_seq %d, got %d", ErrInconsistentLog, i, m.TurnSeq)
		}
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("history: %s: %w: %w", op, ErrStoreUnavailable, err)
}
