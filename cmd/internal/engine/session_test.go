package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"parley/cmd/internal/generate"
	"parley/cmd/internal/history"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		Model:            "test-model",
		WindowTurns:      20,
		MaxRetries:       0,
		RetryBackoff:     5 * time.Millisecond,
		AttemptTimeout:   5 * time.Second,
		IncrementTimeout: 5 * time.Second,
		TurnWatchdog:     10 * time.Second,
		CancelGrace:      2 * time.Second,
		FlushBackoff:     5 * time.Millisecond,
		FlushMaxBackoff:  50 * time.Millisecond,
		SubscriberBuffer: 64,
	}
}

func newTestSession(store history.Store, gen generate.Client, cfg Config) *Session {
	flow := NewFlowController(2, 8)
	return newSession(testLogger(), store, gen, flow, cfg, "sess-1", "user-1", nil, time.Time{})
}

func nextEvent(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func waitIdle(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Status() == StatusIdle }, 5*time.Second, 5*time.Millisecond)
}

func TestSession_TurnLifecycle(t *testing.T) {
	t.Parallel()

	store := history.NewInMemoryStore()
	gen := generate.NewScriptClient(generate.ScriptRun{Increments: []string{"Hi", " there"}})
	s := newTestSession(store, gen, testConfig())

	sub, snapshot, err := s.Attach("conn-1")
	require.NoError(t, err)
	require.Empty(t, snapshot)

	require.NoError(t, s.Submit("hello"))
	require.Equal(t, StatusGenerating, s.Status())

	ev := nextEvent(t, sub)
	require.Equal(t, EventDelta, ev.Kind)
	require.Equal(t, int64(1), ev.TurnSeq)
	require.Equal(t, "Hi", ev.Text)

	ev = nextEvent(t, sub)
	require.Equal(t, EventDelta, ev.Kind)
	require.Equal(t, " there", ev.Text)

	ev = nextEvent(t, sub)
	require.Equal(t, EventTurnComplete, ev.Kind)
	require.Equal(t, int64(1), ev.TurnSeq)

	waitIdle(t, s)

	// The committed turn becomes durable: user at seq 0, assistant at seq 1.
	require.Eventually(t, func() bool {
		msgs, err := store.Read(context.Background(), s.ID)
		return err == nil && len(msgs) == 2
	}, 5*time.Second, 5*time.Millisecond)

	msgs, err := store.Read(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), msgs[0].TurnSeq)
	require.Equal(t, history.RoleUser, msgs[0].Role)
	require.Equal(t, "hello", msgs[0].Content)
	require.Equal(t, int64(1), msgs[1].TurnSeq)
	require.Equal(t, history.RoleAssistant, msgs[1].Role)
	require.Equal(t, "Hi there", msgs[1].Content)
	require.True(t, msgs[1].Complete)

	meta, err := store.ReadMeta(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, "hello", meta.Title)
	require.Equal(t, "Hi there", meta.Preview)
}

func TestSession_SnapshotShowsInFlightTurn(t *testing.T) {
	t.Parallel()

	store := history.NewInMemoryStore()
	gen := generate.NewScriptClient(
		generate.ScriptRun{Increments: []string{"partial"}, Hang: true},
		generate.ScriptRun{Increments: []string{"done"}},
	)
	s := newTestSession(store, gen, testConfig())

	sub, _, err := s.Attach("conn-1")
	require.NoError(t, err)

	require.NoError(t, s.Submit("first question"))
	nextEvent(t, sub) // the "partial" delta has been applied

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "first question", snap[0].Content)
	require.True(t, snap[0].Complete)
	require.Equal(t, "partial", snap[1].Content)
	require.False(t, snap[1].Complete)

	require.True(t, s.Cancel())
	waitIdle(t, s)
}

func TestSession_BusyWhileGenerating(t *testing.T) {
	t.Parallel()

	store := history.NewInMemoryStore()
	gen := generate.NewScriptClient(
		generate.ScriptRun{Hang: true},
		generate.ScriptRun{Increments: []string{"ok"}},
	)
	s := newTestSession(store, gen, testConfig())

	sub, _, err := s.Attach("conn-1")
	require.NoError(t, err)

	require.NoError(t, s.Submit("one"))
	require.ErrorIs(t, s.Submit("two"), ErrSessionBusy)

	require.True(t, s.Cancel())
	ev := nextEvent(t, sub)
	require.Equal(t, EventTurnCancelled, ev.Kind)
	waitIdle(t, s)

	// Idle again: the next submission is accepted.
	require.NoError(t, s.Submit("two"))
	waitIdle(t, s)
}

func TestSession_CancelDiscardsTurnAndReusesSeq(t *testing.T) {
	t.Parallel()

	store := history.NewInMemoryStore()
	gen := generate.NewScriptClient(
		generate.ScriptRun{Increments: []string{"discarded text"}, Hang: true},
		generate.ScriptRun{Increments: []string{"kept"}},
	)
	s := newTestSession(store, gen, testConfig())

	sub, _, err := s.Attach("conn-1")
	require.NoError(t, err)

	require.NoError(t, s.Submit("first try"))
	nextEvent(t, sub) // delta

	require.True(t, s.Cancel())
	ev := nextEvent(t, sub)
	require.Equal(t, EventTurnCancelled, ev.Kind)
	require.Equal(t, int64(0), ev.TurnSeq)
	waitIdle(t, s)

	// Nothing from the cancelled turn was persisted.
	msgs, err := store.Read(context.Background(), s.ID)
	if err != nil {
		require.ErrorIs(t, err, history.ErrSessionNotFound)
	} else {
		require.Empty(t, msgs)
	}
	require.Empty(t, s.Snapshot())

	// The next turn reuses seq 0/1.
	require.NoError(t, s.Submit("second try"))
	ev = nextEvent(t, sub)
	require.Equal(t, EventDelta, ev.Kind)
	require.Equal(t, int64(1), ev.TurnSeq)
	ev = nextEvent(t, sub)
	require.Equal(t, EventTurnComplete, ev.Kind)

	require.Eventually(t, func() bool {
		msgs, err := store.Read(context.Background(), s.ID)
		return err == nil && len(msgs) == 2
	}, 5*time.Second, 5*time.Millisecond)

	msgs, err = store.Read(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, "second try", msgs[0].Content)
	require.Equal(t, "kept", msgs[1].Content)
}

func TestSession_CancelWithNoTurnInFlight(t *testing.T) {
	t.Parallel()

	s := newTestSession(history.NewInMemoryStore(), generate.NewScriptClient(), testConfig())
	require.False(t, s.Cancel())
}

func TestSession_EmptyMessageRejected(t *testing.T) {
	t.Parallel()

	s := newTestSession(history.NewInMemoryStore(), generate.NewScriptClient(), testConfig())
	require.ErrorIs(t, s.Submit("   "), ErrEmptyMessage)
}

func TestSession_RetryAfterBackendError(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxRetries = 1

	store := history.NewInMemoryStore()
	gen := generate.NewScriptClient(
		generate.ScriptRun{Increments: []string{"half-"}, Err: fmt.Errorf("%w: boom", generate.ErrBackendError)},
		generate.ScriptRun{Increments: []string{"complete answer"}},
	)
	s := newTestSession(store, gen, cfg)

	sub, _, err := s.Attach("conn-1")
	require.NoError(t, err)

	require.NoError(t, s.Submit("question"))

	for {
		ev := nextEvent(t, sub)
		if ev.Kind == EventTurnComplete {
			break
		}
		require.Contains(t, []EventKind{EventDelta, EventTurnReset}, ev.Kind)
	}
	waitIdle(t, s)
	require.Equal(t, 2, gen.Calls())

	// Only the final attempt's text survives; the aborted attempt's partial
	// is never visible in the durable log.
	require.Eventually(t, func() bool {
		msgs, err := store.Read(context.Background(), s.ID)
		return err == nil && len(msgs) == 2
	}, 5*time.Second, 5*time.Millisecond)

	msgs, err := store.Read(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, "complete answer", msgs[1].Content)
}

func TestSession_RetryResetsStreamedText(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxRetries = 1

	store := history.NewInMemoryStore()
	gen := generate.NewScriptClient(
		generate.ScriptRun{Increments: []string{"first-attempt "}, Err: fmt.Errorf("%w: reset", generate.ErrBackendError)},
		generate.ScriptRun{Increments: []string{"final"}},
	)
	s := newTestSession(store, gen, cfg)

	sub, _, err := s.Attach("conn-1")
	require.NoError(t, err)

	require.NoError(t, s.Submit("question"))

	// Render the stream the way a connected client would: deltas append,
	// a reset discards everything streamed so far for the turn.
	rendered := ""
	for {
		ev := nextEvent(t, sub)
		if ev.Kind == EventTurnComplete {
			break
		}
		switch ev.Kind {
		case EventDelta:
			rendered += ev.Text
		case EventTurnReset:
			require.Equal(t, int64(1), ev.TurnSeq)
			rendered = ""
		default:
			t.Fatalf("unexpected event kind %v", ev.Kind)
		}
	}
	waitIdle(t, s)

	// The live view converges with the durable log, not the concatenation
	// of both attempts.
	require.Equal(t, "final", rendered)

	require.Eventually(t, func() bool {
		msgs, err := store.Read(context.Background(), s.ID)
		return err == nil && len(msgs) == 2
	}, 5*time.Second, 5*time.Millisecond)

	msgs, err := store.Read(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, "final", msgs[1].Content)
}

func TestSession_FailsAfterRetriesExhausted(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxRetries = 1

	store := history.NewInMemoryStore()
	gen := generate.NewScriptClient(generate.ScriptRun{Err: fmt.Errorf("%w: boom", generate.ErrBackendError)})
	s := newTestSession(store, gen, cfg)

	sub, _, err := s.Attach("conn-1")
	require.NoError(t, err)

	require.NoError(t, s.Submit("question"))

	ev := nextEvent(t, sub)
	require.Equal(t, EventTurnFailed, ev.Kind)
	require.ErrorIs(t, ev.Err, generate.ErrBackendError)

	waitIdle(t, s)
	require.Equal(t, 2, gen.Calls())
	require.ErrorIs(t, s.LastTurnError(), generate.ErrBackendError)

	// The whole turn is discarded; seq rolls back.
	require.Empty(t, s.Snapshot())
}

func TestSession_WatchdogEndsStuckTurn(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.TurnWatchdog = 50 * time.Millisecond

	gen := generate.NewScriptClient(generate.ScriptRun{Hang: true})
	s := newTestSession(history.NewInMemoryStore(), gen, cfg)

	sub, _, err := s.Attach("conn-1")
	require.NoError(t, err)

	require.NoError(t, s.Submit("stuck"))

	ev := nextEvent(t, sub)
	require.Equal(t, EventTurnFailed, ev.Kind)
	require.ErrorIs(t, ev.Err, generate.ErrBackendTimeout)
	waitIdle(t, s)
}

func TestSession_IncrementTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.IncrementTimeout = 30 * time.Millisecond

	gen := generate.NewScriptClient(generate.ScriptRun{Increments: []string{"one"}, Hang: true})
	s := newTestSession(history.NewInMemoryStore(), gen, cfg)

	sub, _, err := s.Attach("conn-1")
	require.NoError(t, err)

	require.NoError(t, s.Submit("slow"))

	nextEvent(t, sub) // delta "one"
	ev := nextEvent(t, sub)
	require.Equal(t, EventTurnFailed, ev.Kind)
	require.ErrorIs(t, ev.Err, generate.ErrBackendTimeout)
	waitIdle(t, s)
}

// flakyStore fails the first N appends, then delegates.
type flakyStore struct {
	history.Store

	mu      sync.Mutex
	fail    int
	appends int
}

func (s *flakyStore) Append(ctx context.Context, sessionID string, msgs ...history.Message) error {
	s.mu.Lock()
	s.appends++
	shouldFail := s.fail > 0
	if shouldFail {
		s.fail--
	}
	s.mu.Unlock()

	if shouldFail {
		return fmt.Errorf("%w: connection refused", history.ErrStoreUnavailable)
	}
	return s.Store.Append(ctx, sessionID, msgs...)
}

func (s *flakyStore) Appends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appends
}

func TestSession_PersistenceDegradedThenRecovers(t *testing.T) {
	t.Parallel()

	inner := history.NewInMemoryStore()
	store := &flakyStore{Store: inner, fail: 2}

	gen := generate.NewScriptClient(generate.ScriptRun{Increments: []string{"answer"}})
	s := newTestSession(store, gen, testConfig())

	sub, _, err := s.Attach("conn-1")
	require.NoError(t, err)

	require.NoError(t, s.Submit("question"))

	sawDegraded := false
	for {
		ev := nextEvent(t, sub)
		if ev.Kind == EventPersistenceDegraded {
			sawDegraded = true
			break
		}
		if ev.Kind == EventTurnComplete {
			// Degraded notice follows the turn completion.
			continue
		}
	}
	require.True(t, sawDegraded)

	// Background retries land the commit exactly once.
	require.Eventually(t, func() bool {
		msgs, err := inner.Read(context.Background(), s.ID)
		return err == nil && len(msgs) == 2
	}, 5*time.Second, 5*time.Millisecond)

	require.GreaterOrEqual(t, store.Appends(), 3)

	// A second turn commits cleanly after recovery without duplicating the
	// first one.
	require.NoError(t, s.Submit("again"))
	require.Eventually(t, func() bool {
		msgs, err := inner.Read(context.Background(), s.ID)
		return err == nil && len(msgs) == 4
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSession_SlowSubscriberDropped(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.SubscriberBuffer = 1

	store := history.NewInMemoryStore()
	gen := generate.NewScriptClient(generate.ScriptRun{
		Increments: []string{"a", "b", "c", "d", "e", "f"},
	})
	s := newTestSession(store, gen, cfg)

	sub, _, err := s.Attach("conn-1")
	require.NoError(t, err)

	// Never consume: the subscriber overflows and is closed; the session
	// itself keeps generating and commits the turn.
	require.NoError(t, s.Submit("flood"))

	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("slow subscriber was not dropped")
	}

	waitIdle(t, s)
	require.Eventually(t, func() bool {
		msgs, err := store.Read(context.Background(), s.ID)
		return err == nil && len(msgs) == 2
	}, 5*time.Second, 5*time.Millisecond)

	msgs, err := store.Read(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, "abcdef", msgs[1].Content)
}

func TestSession_GenerationSurvivesDetach(t *testing.T) {
	t.Parallel()

	store := history.NewInMemoryStore()
	gen := generate.NewScriptClient(generate.ScriptRun{
		Increments: []string{"still ", "running"},
		Delay:      20 * time.Millisecond,
	})
	s := newTestSession(store, gen, testConfig())

	_, _, err := s.Attach("conn-1")
	require.NoError(t, err)

	require.NoError(t, s.Submit("long question"))
	s.Detach("conn-1")
	require.Equal(t, 0, s.SubscriberCount())

	// The turn finishes and commits with nobody attached.
	require.Eventually(t, func() bool {
		msgs, err := store.Read(context.Background(), s.ID)
		return err == nil && len(msgs) == 2
	}, 5*time.Second, 5*time.Millisecond)

	msgs, err := store.Read(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, "still running", msgs[1].Content)

	// A later attach replays the completed turn.
	_, snap, err := s.Attach("conn-2")
	require.NoError(t, err)
	require.Len(t, snap, 2)
}

func TestSession_CancelOnDetach(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.CancelOnDetach = true

	gen := generate.NewScriptClient(generate.ScriptRun{Hang: true})
	s := newTestSession(history.NewInMemoryStore(), gen, cfg)

	_, _, err := s.Attach("conn-1")
	require.NoError(t, err)

	require.NoError(t, s.Submit("doomed"))
	s.Detach("conn-1")

	waitIdle(t, s)
	require.Empty(t, s.Snapshot())
}

func TestSession_SaturationSurfacesSynchronously(t *testing.T) {
	t.Parallel()

	flow := NewFlowController(1, 0)
	gen := generate.NewScriptClient(generate.ScriptRun{Hang: true})

	s1 := newSession(testLogger(), history.NewInMemoryStore(), gen, flow, testConfig(), "sess-a", "user-1", nil, time.Time{})
	s2 := newSession(testLogger(), history.NewInMemoryStore(), gen, flow, testConfig(), "sess-b", "user-1", nil, time.Time{})

	require.NoError(t, s1.Submit("occupies the only slot"))
	require.ErrorIs(t, s2.Submit("rejected"), ErrBackendSaturated)

	// The rejected session stays Idle and usable.
	require.Equal(t, StatusIdle, s2.Status())

	require.True(t, s1.Cancel())
	waitIdle(t, s1)
}

func TestSession_RehydratedContinuesSeq(t *testing.T) {
	t.Parallel()

	committed := []history.Message{
		{TurnSeq: 0, Role: history.RoleUser, Content: "old question", Complete: true},
		{TurnSeq: 1, Role: history.RoleAssistant, Content: "old answer", Complete: true},
	}

	store := history.NewInMemoryStore()
	require.NoError(t, store.Append(context.Background(), "sess-1", committed...))

	gen := generate.NewScriptClient(generate.ScriptRun{Increments: []string{"new answer"}})
	flow := NewFlowController(2, 8)
	s := newSession(testLogger(), store, gen, flow, testConfig(), "sess-1", "user-1", committed, time.Time{})

	sub, snap, err := s.Attach("conn-1")
	require.NoError(t, err)
	require.Len(t, snap, 2)

	require.NoError(t, s.Submit("new question"))

	ev := nextEvent(t, sub)
	require.Equal(t, EventDelta, ev.Kind)
	require.Equal(t, int64(3), ev.TurnSeq)
	ev = nextEvent(t, sub)
	require.Equal(t, EventTurnComplete, ev.Kind)

	require.Eventually(t, func() bool {
		msgs, err := store.Read(context.Background(), s.ID)
		return err == nil && len(msgs) == 4
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSession_PromptWindowAndSystemPrompt(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.SystemPrompt = "be terse"
	cfg.WindowTurns = 1

	committed := []history.Message{
		{TurnSeq: 0, Role: history.RoleUser, Content: "q1", Complete: true},
		{TurnSeq: 1, Role: history.RoleAssistant, Content: "a1", Complete: true},
		{TurnSeq: 2, Role: history.RoleUser, Content: "q2", Complete: true},
		{TurnSeq: 3, Role: history.RoleAssistant, Content: "a2", Complete: true},
	}

	flow := NewFlowController(1, 0)
	s := newSession(testLogger(), history.NewInMemoryStore(), generate.NewScriptClient(), flow, cfg, "sess-1", "user-1", committed, time.Time{})

	user := history.Message{TurnSeq: 4, Role: history.RoleUser, Content: "q3", Complete: true}

	s.mu.Lock()
	prompt := s.promptLocked(user)
	s.mu.Unlock()

	// System prompt, then only the last window turn, then the new message.
	require.Len(t, prompt, 4)
	require.Equal(t, history.RoleSystem, prompt[0].Role)
	require.Equal(t, "be terse", prompt[0].Content)
	require.Equal(t, "q2", prompt[1].Content)
	require.Equal(t, "a2", prompt[2].Content)
	require.Equal(t, "q3", prompt[3].Content)
}

func TestSession_CloseForEvictRefusesWhileActive(t *testing.T) {
	t.Parallel()

	store := history.NewInMemoryStore()
	gen := generate.NewScriptClient(generate.ScriptRun{Hang: true})
	s := newTestSession(store, gen, testConfig())

	_, _, err := s.Attach("conn-1")
	require.NoError(t, err)
	require.Error(t, s.closeForEvict(context.Background()))

	require.NoError(t, s.Submit("busy"))
	s.Detach("conn-1")
	require.Error(t, s.closeForEvict(context.Background()))

	require.True(t, s.Cancel())
	waitIdle(t, s)

	require.NoError(t, s.closeForEvict(context.Background()))
	require.Equal(t, StatusClosed, s.Status())
	require.ErrorIs(t, s.Submit("too late"), ErrSessionClosed)

	meta, err := store.ReadMeta(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, history.StatusClosed, meta.Status)
}

func TestSession_MultipleSubscribersSeeSameStream(t *testing.T) {
	t.Parallel()

	store := history.NewInMemoryStore()
	gen := generate.NewScriptClient(generate.ScriptRun{Increments: []string{"shared"}})
	s := newTestSession(store, gen, testConfig())

	subA, _, err := s.Attach("conn-a")
	require.NoError(t, err)
	subB, _, err := s.Attach("conn-b")
	require.NoError(t, err)

	require.NoError(t, s.Submit("observe"))

	for _, sub := range []*Subscriber{subA, subB} {
		ev := nextEvent(t, sub)
		require.Equal(t, EventDelta, ev.Kind)
		require.Equal(t, "shared", ev.Text)
		ev = nextEvent(t, sub)
		require.Equal(t, EventTurnComplete, ev.Kind)
	}

	// The error classification guard: errors.Is on wrapped cancel/timeout.
	require.ErrorIs(t, classifyTurnErr(context.Background(), context.Canceled), generate.ErrGenerationCancelled)
	require.ErrorIs(t, classifyTurnErr(context.Background(), context.DeadlineExceeded), generate.ErrBackendTimeout)
}
