// Package v1 defines the Parley chat protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeMessage submits a new user message for the bound session (client -> server).
	TypeMessage = "message"
	// TypeCancel requests cancellation of the in-flight turn (client -> server).
	TypeCancel = "cancel"

	// TypeSession announces the bound session id (server -> client, once on bind).
	TypeSession = "session"
	// TypeHistory carries the session transcript (server -> client, once on bind/resume).
	TypeHistory = "history"
	// TypeDelta carries one streamed assistant text increment (server -> client).
	TypeDelta = "delta"
	// TypeTurnReset tells the client to discard all deltas received for the
	// in-flight turn; the assistant text restarts from empty (server -> client).
	TypeTurnReset = "turn_reset"
	// TypeTurnComplete marks the end of an assistant turn (server -> client).
	TypeTurnComplete = "turn_complete"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Roles carried on wire messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Error kinds carried by TypeError payloads.
const (
	KindUnauthorized        = "unauthorized"
	KindSessionNotFound     = "session_not_found"
	KindSessionBusy         = "session_busy"
	KindSessionClosed       = "session_closed"
	KindBackendUnavailable  = "backend_unavailable"
	KindBackendTimeout      = "backend_timeout"
	KindBackendError        = "backend_error"
	KindBackendSaturated    = "backend_saturated"
	KindStoreUnavailable    = "store_unavailable"
	KindPersistenceDegraded = "persistence_degraded"
	KindGenerationCancelled = "generation_cancelled"
	KindTurnFailed          = "turn_failed"
	KindBadJSON             = "bad_json"
	KindBadEnvelope         = "bad_envelope"
	KindRateLimited         = "rate_limited"
	KindUnsupported         = "unsupported"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitzero"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeMessage,
		TypeCancel,
		TypeSession,
		TypeHistory,
		TypeDelta,
		TypeTurnReset,
		TypeTurnComplete,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// MessagePayload submits user text into the bound session.
type MessagePayload struct {
	Text string `json:"text"`
}

// CancelPayload requests cancellation of the in-flight turn.
type CancelPayload struct{}

// SessionPayload announces the session id a connection is bound to.
type SessionPayload struct {
	SessionID string `json:"session_id"`
}

// WireMessage is one transcript entry as sent to clients.
// Complete is false only for an assistant message still streaming.
type WireMessage struct {
	TurnSeq  int64     `json:"turn_seq"`
	Role     string    `json:"role"`
	Content  string    `json:"content"`
	Complete bool      `json:"complete"`
	TS       time.Time `json:"ts"`
}

// HistoryPayload carries the full transcript on bind/resume: the committed
// log plus any in-flight partial assistant message.
type HistoryPayload struct {
	SessionID string        `json:"session_id"`
	Messages  []WireMessage `json:"messages"`
}

// DeltaPayload carries one streamed assistant text increment.
type DeltaPayload struct {
	TurnSeq int64  `json:"turn_seq"`
	Text    string `json:"text"`
}

// TurnResetPayload discards the in-flight turn's streamed text client-side.
type TurnResetPayload struct {
	TurnSeq int64 `json:"turn_seq"`
}

// TurnCompletePayload marks an assistant turn as finished.
type TurnCompletePayload struct {
	TurnSeq int64 `json:"turn_seq"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}
