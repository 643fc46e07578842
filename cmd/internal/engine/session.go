// Package engine contains the conversational session engine: per-session
// turn state machines, the process-wide session registry, and the flow
// controller that applies backpressure against the LLM backend.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"parley/cmd/internal/generate"
	"parley/cmd/internal/history"
	"parley/cmd/internal/ids"
	"parley/cmd/internal/metrics"
)

// Sentinel errors surfaced by session operations.
var (
	// ErrSessionBusy means a turn is already generating on this session.
	ErrSessionBusy = errors.New("engine: session busy")
	// ErrSessionClosed means the session is being evicted and accepts no work.
	ErrSessionClosed = errors.New("engine: session closed")
	// ErrNotOwner means the verified user does not own the session.
	ErrNotOwner = errors.New("engine: not session owner")
	// ErrEmptyMessage rejects blank user input.
	ErrEmptyMessage = errors.New("engine: empty message")
)

// Status is the session lifecycle state.
type Status int

// Session states. Within one session, turns are strictly serialized: the
// Generating check is the correctness guarantee, not registry-wide locking.
const (
	StatusIdle Status = iota
	StatusGenerating
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusGenerating:
		return "generating"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Config is the per-session turn policy.
type Config struct {
	// Model is the backend model identifier.
	Model string
	// SystemPrompt, when non-empty, is injected at the head of every prompt
	// context. It is never written to the durable log, so turn sequence
	// numbers start at 0 with the first user message.
	SystemPrompt string
	// WindowTurns bounds the prompt context to the most recent N turns.
	WindowTurns int

	// MaxRetries bounds generation retries per turn (backend errors only).
	MaxRetries int
	// RetryBackoff is the base for exponential retry backoff.
	RetryBackoff time.Duration
	// AttemptTimeout bounds one generation attempt end to end.
	AttemptTimeout time.Duration
	// IncrementTimeout bounds the gap between two increments.
	IncrementTimeout time.Duration
	// TurnWatchdog is the absolute cap for one turn including queue wait and
	// retries; the last-resort guarantee that no session stays Generating.
	TurnWatchdog time.Duration
	// CancelGrace bounds how long Cancel waits for the job to terminate.
	CancelGrace time.Duration

	// FlushBackoff/FlushMaxBackoff shape background persistence retries.
	FlushBackoff    time.Duration
	FlushMaxBackoff time.Duration

	// SubscriberBuffer is the bounded per-connection event queue depth.
	SubscriberBuffer int

	// CancelOnDetach cancels an in-flight turn when the last connection
	// detaches. Default is to let it finish so a later resume observes the
	// completed turn instead of wasting backend work.
	CancelOnDetach bool
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = "llama3"
	}
	if c.WindowTurns <= 0 {
		c.WindowTurns = 20
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 250 * time.Millisecond
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 2 * time.Minute
	}
	if c.IncrementTimeout <= 0 {
		c.IncrementTimeout = 30 * time.Second
	}
	if c.TurnWatchdog <= 0 {
		c.TurnWatchdog = 10 * time.Minute
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 5 * time.Second
	}
	if c.FlushBackoff <= 0 {
		c.FlushBackoff = 500 * time.Millisecond
	}
	if c.FlushMaxBackoff <= 0 {
		c.FlushMaxBackoff = 30 * time.Second
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 256
	}
}

// Job is one in-flight generation for one assistant turn. Owned exclusively
// by the session that spawned it.
type Job struct {
	ID      string
	TurnSeq int64

	cancel context.CancelFunc
	done   chan struct{}
}

// Session is the live in-memory instance of one conversation. Exactly one
// exists per active session id, owned by the Registry.
type Session struct {
	ID    string
	Owner string

	log   *slog.Logger
	store history.Store
	gen   generate.Client
	flow  *FlowController
	cfg   Config
	now   func() time.Time

	mu         sync.Mutex
	status     Status
	createdAt  time.Time
	lastActive time.Time

	nextSeq   int64
	committed []history.Message // durable
	pending   []history.Message // completed, awaiting durable write

	partialUser *history.Message // in-flight turn user message
	partial     *history.Message // in-flight assistant message (Complete=false)

	lastTurnErr error // failed-turn marker, memory only
	job         *Job

	subs map[string]*Subscriber

	// flushMu serializes durable writes so appends happen in turn_seq order.
	flushMu       sync.Mutex
	flushTimer    *time.Timer
	flushAttempts int
	degradedSent  bool
}

func newSession(log *slog.Logger, store history.Store, gen generate.Client, flow *FlowController, cfg Config, id, owner string, committed []history.Message, createdAt time.Time) *Session {
	cfg.applyDefaults()
	now := time.Now().UTC()
	if createdAt.IsZero() {
		createdAt = now
	}
	return &Session{
		ID:         id,
		Owner:      owner,
		log:        log.With("session_id", id),
		store:      store,
		gen:        gen,
		flow:       flow,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		status:     StatusIdle,
		createdAt:  createdAt,
		lastActive: now,
		nextSeq:    int64(len(committed)),
		committed:  committed,
		subs:       make(map[string]*Subscriber),
	}
}

// Status reports the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastActive reports the last activity timestamp.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// LastTurnError reports the in-memory failed-turn marker, if any.
func (s *Session) LastTurnError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTurnErr
}

// SubscriberCount reports how many connections are attached.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Attach registers a connection as an observer of this session's event
// stream and returns the transcript snapshot for its history frame. Any
// number of connections may attach; writes stay serialized by the turn
// state machine itself.
func (s *Session) Attach(connID string) (*Subscriber, []history.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusClosed {
		return nil, nil, ErrSessionClosed
	}

	sub := newSubscriber(connID, s.cfg.SubscriberBuffer)
	s.subs[connID] = sub
	s.lastActive = s.now()

	return sub, s.snapshotLocked(), nil
}

// Detach removes a connection. The session itself is never destroyed here;
// an in-flight generation keeps running unless CancelOnDetach is set and no
// other connection remains attached.
func (s *Session) Detach(connID string) {
	s.mu.Lock()
	sub := s.subs[connID]
	delete(s.subs, connID)
	s.lastActive = s.now()
	cancelTurn := s.cfg.CancelOnDetach && len(s.subs) == 0 && s.status == StatusGenerating
	s.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	if cancelTurn {
		s.log.Info("session.turn.cancel_on_detach")
		s.Cancel()
	}
}

// Snapshot returns the transcript view: committed log, completed turns not
// yet durable, and the in-flight partial assistant message.
func (s *Session) Snapshot() []history.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() []history.Message {
	out := make([]history.Message, 0, len(s.committed)+len(s.pending)+2)
	out = append(out, s.committed...)
	out = append(out, s.pending...)
	if s.partialUser != nil {
		out = append(out, *s.partialUser)
	}
	if s.partial != nil {
		out = append(out, *s.partial)
	}
	return out
}

// Submit accepts one user message and starts the turn. Exactly one turn may
// generate at a time; concurrent submissions fail with ErrSessionBusy.
// Saturation of the backend queue is checked synchronously.
func (s *Session) Submit(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()

	switch s.status {
	case StatusClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case StatusGenerating:
		s.mu.Unlock()
		return ErrSessionBusy
	}

	ticket, err := s.flow.Enqueue()
	if err != nil {
		s.mu.Unlock()
		return err
	}

	now := s.now()
	user := history.Message{
		TurnSeq:   s.nextSeq,
		Role:      history.RoleUser,
		Content:   text,
		Complete:  true,
		Timestamp: now,
	}
	assistant := history.Message{
		TurnSeq:   s.nextSeq + 1,
		Role:      history.RoleAssistant,
		Complete:  false,
		Timestamp: now,
	}

	s.partialUser = &user
	s.partial = &assistant
	s.nextSeq += 2
	s.status = StatusGenerating
	s.lastTurnErr = nil
	s.lastActive = now

	// The job context is detached from any connection: a disconnect must not
	// cancel generation. The watchdog deadline is the last-resort way out of
	// Generating.
	jobCtx, cancel := context.WithTimeout(context.Background(), s.cfg.TurnWatchdog)
	job := &Job{
		ID:      ids.MustNewULID(now),
		TurnSeq: user.TurnSeq,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.job = job

	prompt := s.promptLocked(user)
	s.mu.Unlock()

	s.log.Info("session.turn.start", "job_id", job.ID, "turn_seq", job.TurnSeq)
	go s.runTurn(jobCtx, job, ticket, prompt)
	return nil
}

// Cancel signals the in-flight generation job and waits (bounded) for it to
// terminate. The partial turn is discarded by the runner; nothing is ever
// persisted for a cancelled turn. Returns false when no turn was in flight.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	job := s.job
	s.mu.Unlock()

	if job == nil {
		return false
	}

	job.cancel()

	select {
	case <-job.done:
	case <-time.After(s.cfg.CancelGrace):
		// The runner is still draining; it exits on its own since every
		// blocking point observes the job context.
		s.log.Warn("session.turn.cancel_grace_exceeded", "job_id", job.ID)
	}
	return true
}

// promptLocked builds the generation context: system prompt plus the most
// recent WindowTurns turns, ending with the new user message.
func (s *Session) promptLocked(user history.Message) []history.Message {
	full := make([]history.Message, 0, len(s.committed)+len(s.pending)+1)
	full = append(full, s.committed...)
	full = append(full, s.pending...)

	window := s.cfg.WindowTurns * 2
	if len(full) > window {
		full = full[len(full)-window:]
	}

	prompt := make([]history.Message, 0, len(full)+2)
	if s.cfg.SystemPrompt != "" {
		prompt = append(prompt, history.Message{
			Role:     history.RoleSystem,
			Content:  s.cfg.SystemPrompt,
			Complete: true,
		})
	}
	prompt = append(prompt, full...)
	prompt = append(prompt, user)
	return prompt
}

// runTurn drives one generation job: FIFO slot wait, bounded-retry backend
// calls, increment relay, and the terminal commit/cancel/fail transition.
func (s *Session) runTurn(ctx context.Context, job *Job, ticket *Ticket, prompt []history.Message) {
	defer close(job.done)
	defer ticket.Release()
	defer job.cancel()

	if err := ticket.Wait(ctx); err != nil {
		s.abortTurn(job, classifyTurnErr(ctx, err))
		return
	}

	metrics.GenerationsInFlight.Inc()
	defer metrics.GenerationsInFlight.Dec()

	for attempt := 0; ; attempt++ {
		err := s.attempt(ctx, job, prompt)
		if err == nil {
			s.completeTurn(job)
			return
		}

		err = classifyTurnErr(ctx, err)
		if errors.Is(err, generate.ErrGenerationCancelled) {
			s.abortTurn(job, err)
			return
		}
		if attempt >= s.cfg.MaxRetries {
			s.abortTurn(job, err)
			return
		}

		s.log.Warn("session.turn.retry",
			"job_id", job.ID, "attempt", attempt+1, "err", err)
		s.resetPartial(job)

		select {
		case <-ctx.Done():
			s.abortTurn(job, classifyTurnErr(ctx, ctx.Err()))
			return
		case <-time.After(s.cfg.RetryBackoff << attempt):
		}
	}
}

// attempt runs one generation call and relays its increments.
func (s *Session) attempt(ctx context.Context, job *Job, prompt []history.Message) error {
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()

	stream, err := s.gen.Generate(attemptCtx, s.cfg.Model, prompt)
	if err != nil {
		return err
	}

	idle := time.NewTimer(s.cfg.IncrementTimeout)
	defer idle.Stop()

	for {
		select {
		case inc, ok := <-stream.Increments():
			if !ok {
				return stream.Err()
			}
			if inc.Text != "" {
				s.relayDelta(job, inc.Text)
			}
			if inc.Done {
				// Drain the terminal close; Err() is authoritative.
				continue
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(s.cfg.IncrementTimeout)

		case <-idle.C:
			cancel()
			return fmt.Errorf("%w: no increment within %s", generate.ErrBackendTimeout, s.cfg.IncrementTimeout)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// relayDelta extends the in-flight assistant message and fans the increment
// out to every attached connection in production order.
func (s *Session) relayDelta(job *Job, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.job != job || s.partial == nil {
		return
	}

	s.partial.Content += text
	s.lastActive = s.now()
	s.broadcastLocked(Event{Kind: EventDelta, TurnSeq: s.partial.TurnSeq, Text: text})
}

// resetPartial clears accumulated assistant text before a retry. Attached
// connections that already rendered the aborted attempt's deltas get a reset
// event so their view converges with what the final attempt commits.
func (s *Session) resetPartial(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.job != job || s.partial == nil {
		return
	}
	if s.partial.Content != "" {
		s.broadcastLocked(Event{Kind: EventTurnReset, TurnSeq: s.partial.TurnSeq})
	}
	s.partial.Content = ""
}

// completeTurn finalizes a successful turn: the assistant message becomes
// complete, both messages of the turn move to the durable-write queue, the
// session returns to Idle, and the flusher commits them in seq order.
func (s *Session) completeTurn(job *Job) {
	s.mu.Lock()

	if s.job != job {
		s.mu.Unlock()
		return
	}

	s.partial.Complete = true
	user := *s.partialUser
	assistant := *s.partial
	s.pending = append(s.pending, user, assistant)

	s.partialUser = nil
	s.partial = nil
	s.job = nil
	s.status = StatusIdle
	s.lastActive = s.now()

	s.broadcastLocked(Event{Kind: EventTurnComplete, TurnSeq: assistant.TurnSeq})
	s.mu.Unlock()

	metrics.TurnsTotal.WithLabelValues(metrics.OutcomeCommitted).Inc()
	s.log.Info("session.turn.complete", "job_id", job.ID, "turn_seq", job.TurnSeq)

	s.flush()
}

// abortTurn discards the in-flight turn entirely: nothing is persisted and
// the sequence counter rolls back so the next submission reuses the same
// turn numbers. err==ErrGenerationCancelled is the normal cancel outcome.
func (s *Session) abortTurn(job *Job, err error) {
	s.mu.Lock()

	if s.job != job {
		s.mu.Unlock()
		return
	}

	s.nextSeq = job.TurnSeq
	s.partialUser = nil
	s.partial = nil
	s.job = nil
	s.status = StatusIdle
	s.lastActive = s.now()

	cancelled := errors.Is(err, generate.ErrGenerationCancelled)
	if cancelled {
		s.broadcastLocked(Event{Kind: EventTurnCancelled, TurnSeq: job.TurnSeq})
	} else {
		s.lastTurnErr = err
		s.broadcastLocked(Event{Kind: EventTurnFailed, TurnSeq: job.TurnSeq, Err: err})
	}
	s.mu.Unlock()

	if cancelled {
		metrics.TurnsTotal.WithLabelValues(metrics.OutcomeCancelled).Inc()
		s.log.Info("session.turn.cancelled", "job_id", job.ID, "turn_seq", job.TurnSeq)
		return
	}
	metrics.TurnsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
	s.log.Warn("session.turn.failed", "job_id", job.ID, "turn_seq", job.TurnSeq, "err", err)
}

// broadcastLocked fans an event out to all attached subscribers. A
// subscriber whose queue is full is closed; the gateway drops that
// connection and the client resumes to catch up.
func (s *Session) broadcastLocked(ev Event) {
	for _, sub := range s.subs {
		if !sub.offer(ev) {
			metrics.SlowClientDropsTotal.Inc()
		}
	}
}

// flush writes all pending completed turns durably, in seq order. On store
// failure it surfaces persistence_degraded once, keeps the turns in memory,
// and reschedules itself with capped exponential backoff until the store
// recovers. Idempotent appends make the eventual commit exactly-once.
func (s *Session) flush() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	batch := append([]history.Message(nil), s.pending...)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.store.Append(ctx, s.ID, batch...); err != nil {
		s.persistFailed(err)
		return
	}

	s.writeMeta(ctx, batch)

	s.mu.Lock()
	s.committed = append(s.committed, batch...)
	s.pending = s.pending[len(batch):]
	s.flushAttempts = 0
	s.degradedSent = false
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.mu.Unlock()

	s.log.Info("session.turns.committed", "count", len(batch))
}

func (s *Session) persistFailed(err error) {
	s.mu.Lock()
	s.flushAttempts++
	attempts := s.flushAttempts

	backoff := s.cfg.FlushBackoff << (attempts - 1)
	if backoff > s.cfg.FlushMaxBackoff || backoff <= 0 {
		backoff = s.cfg.FlushMaxBackoff
	}

	notify := !s.degradedSent
	s.degradedSent = true
	if notify {
		s.broadcastLocked(Event{Kind: EventPersistenceDegraded, Err: err})
	}

	if s.status != StatusClosed {
		if s.flushTimer != nil {
			s.flushTimer.Stop()
		}
		s.flushTimer = time.AfterFunc(backoff, func() {
			metrics.StoreRetriesTotal.Inc()
			s.flush()
		})
	}
	s.mu.Unlock()

	s.log.Warn("session.persist.degraded", "attempts", attempts, "retry_in", backoff, "err", err)
}

// writeMeta refreshes the session metadata record after a commit. Best
// effort: the message log is the source of truth, metadata only feeds
// session listings.
func (s *Session) writeMeta(ctx context.Context, batch []history.Message) {
	s.mu.Lock()
	title := ""
	if len(s.committed) == 0 && len(batch) > 0 && batch[0].TurnSeq == 0 {
		title = history.TitleFrom(batch[0].Content)
	}
	preview := history.PreviewFrom(batch[len(batch)-1].Content)
	meta := history.Meta{
		SessionID:    s.ID,
		Owner:        s.Owner,
		Status:       history.StatusIdle,
		Title:        title,
		Preview:      preview,
		CreatedAt:    s.createdAt,
		LastActiveAt: s.lastActive,
	}
	s.mu.Unlock()

	if err := s.store.WriteMeta(ctx, meta); err != nil {
		s.log.Warn("session.meta.write_fail", "err", err)
	}
}

// closeForEvict transitions the session to Closed for registry eviction.
// It refuses while a turn is generating, connections are attached, or a
// completed turn has not yet been flushed durably: a turn is never dropped.
func (s *Session) closeForEvict(ctx context.Context) error {
	s.flush()

	s.mu.Lock()
	if s.status == StatusGenerating || len(s.subs) > 0 {
		s.mu.Unlock()
		return errors.New("engine: session still active")
	}
	if len(s.pending) > 0 {
		s.mu.Unlock()
		return errors.New("engine: pending turns not durable")
	}
	s.status = StatusClosed
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.mu.Unlock()

	meta := history.Meta{
		SessionID:    s.ID,
		Owner:        s.Owner,
		Status:       history.StatusClosed,
		LastActiveAt: s.LastActive(),
		CreatedAt:    s.createdAt,
	}
	if err := s.store.WriteMeta(ctx, meta); err != nil {
		s.log.Warn("session.meta.write_fail", "err", err)
	}

	s.log.Info("session.evicted")
	return nil
}

// classifyTurnErr folds context causes into the generate taxonomy: a
// watchdog deadline is a timeout, an explicit cancel is a cancel.
func classifyTurnErr(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return generate.ErrGenerationCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", generate.ErrBackendTimeout, err)
	}
	return err
}
