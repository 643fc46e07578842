// Package generate contains the streaming client for the external LLM
// backend. A generation is consumed as a lazy, finite sequence of text
// increments over a bounded channel, which makes cancellation and
// backpressure explicit: a slow consumer stalls the producer instead of
// growing a queue.
package generate

import (
	"context"
	"errors"
	"sync"

	"parley/cmd/internal/history"
)

// Backend failure classification. The client never retries internally;
// retry policy belongs to the caller.
var (
	// ErrBackendUnavailable means the backend was unreachable (dial refused,
	// DNS failure, connection reset before any increment).
	ErrBackendUnavailable = errors.New("generate: backend unavailable")
	// ErrBackendTimeout means the deadline expired before the stream finished.
	ErrBackendTimeout = errors.New("generate: backend timeout")
	// ErrBackendError means the backend returned an explicit failure.
	ErrBackendError = errors.New("generate: backend error")
	// ErrGenerationCancelled is the normal outcome of a cooperative cancel.
	ErrGenerationCancelled = errors.New("generate: cancelled")
)

// Increment is one chunk of streamed assistant text. The terminal increment
// carries Done=true and empty (or final) text.
type Increment struct {
	Text string
	Done bool
}

// Client opens streaming generations against the LLM backend.
type Client interface {
	// Generate starts one generation for an ordered prompt context and
	// returns its increment stream. The stream is finite and not
	// restartable. Cancelling ctx terminates the stream within the channel
	// buffer bound without yielding further content increments.
	Generate(ctx context.Context, model string, prompt []history.Message) (*Stream, error)
}

const streamBuffer = 32

// Stream is a finite lazy sequence of increments.
//
// Consumption: range over Increments(); once the channel is closed, Err()
// reports the terminal error (nil for a clean end-marker finish).
type Stream struct {
	inc chan Increment

	mu  sync.Mutex
	err error

	finishOnce sync.Once
}

// NewStream constructs a stream with the standard bounded buffer.
// Producers feed it with Emit and must call Finish exactly once.
func NewStream() *Stream {
	return &Stream{inc: make(chan Increment, streamBuffer)}
}

// Increments returns the increment channel. It is closed when the stream
// terminates (end marker, error, or cancellation).
func (s *Stream) Increments() <-chan Increment { return s.inc }

// Err reports the terminal stream error. Only valid after Increments()
// has been closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Emit delivers one increment, honoring cancellation. It reports false when
// ctx is done, in which case the producer must stop and call Finish.
func (s *Stream) Emit(ctx context.Context, inc Increment) bool {
	select {
	case <-ctx.Done():
		return false
	case s.inc <- inc:
		return true
	}
}

// Finish records the terminal error and closes the stream (idempotent).
func (s *Stream) Finish(err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.inc)
	})
}

// classifyCtxErr maps a context error to the client taxonomy.
func classifyCtxErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrBackendTimeout
	case errors.Is(err, context.Canceled):
		return ErrGenerationCancelled
	default:
		return err
	}
}
