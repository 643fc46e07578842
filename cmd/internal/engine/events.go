package engine

import "sync"

// EventKind discriminates session events delivered to attached connections.
type EventKind int

// Session event kinds.
const (
	// EventDelta carries one streamed assistant text increment.
	EventDelta EventKind = iota
	// EventTurnReset tells attached connections to discard every delta
	// received so far for the in-flight turn; the assistant message restarts
	// from empty (emitted before a generation retry).
	EventTurnReset
	// EventTurnComplete marks the end of a successful assistant turn.
	EventTurnComplete
	// EventTurnCancelled marks a cooperatively cancelled turn (not an error).
	EventTurnCancelled
	// EventTurnFailed marks a turn abandoned after retries; Err is classified.
	EventTurnFailed
	// EventPersistenceDegraded signals that a completed turn could not yet be
	// written durably; it is retried in the background.
	EventPersistenceDegraded
)

// Event is one unit of session output fanned out to attached connections.
type Event struct {
	Kind    EventKind
	TurnSeq int64
	Text    string
	Err     error
}

// Subscriber is one attached connection's bounded event queue.
//
// Design notes (mirrors the connection client):
// - the events channel is never closed by the broadcaster, so fanout stays
//   panic-safe under concurrency; done signals shutdown instead.
// - a subscriber that cannot keep up is closed rather than buffered
//   unboundedly; the gateway then drops the connection, not the session.
type Subscriber struct {
	ID string

	events chan Event

	done      chan struct{}
	closeOnce sync.Once
}

func newSubscriber(id string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{
		ID:     id,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

// Events returns the bounded event queue.
func (s *Subscriber) Events() <-chan Event { return s.events }

// Done returns a channel closed when the subscriber is shut down (detached
// or dropped for falling behind).
func (s *Subscriber) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Close signals shutdown (idempotent). It does NOT close the events channel.
func (s *Subscriber) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// offer enqueues without blocking. A full queue means the consumer fell
// behind increment production: the subscriber is closed so its connection is
// dropped and the client catches up via a fresh resume.
func (s *Subscriber) offer(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.events <- ev:
		return true
	default:
		s.Close()
		return false
	}
}
