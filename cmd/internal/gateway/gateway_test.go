package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"parley/cmd/internal/auth"
	"parley/cmd/internal/engine"
	"parley/cmd/internal/generate"
	"parley/cmd/internal/history"
	v1 "parley/shared/contracts/chat/v1"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, store history.Store, gen generate.Client) (*httptest.Server, *engine.Registry) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := engine.Config{
		Model:            "test-model",
		WindowTurns:      20,
		MaxRetries:       0,
		AttemptTimeout:   2 * time.Second,
		IncrementTimeout: 2 * time.Second,
		TurnWatchdog:     5 * time.Second,
		CancelGrace:      time.Second,
		FlushBackoff:     5 * time.Millisecond,
		SubscriberBuffer: 64,
	}
	registry := engine.NewRegistry(log, store, gen, engine.NewFlowController(2, 4), cfg, time.Minute, time.Minute)

	g := NewGateway(log, registry, auth.InsecureVerifier{})
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return srv, registry
}

func wsURL(srv *httptest.Server, sessionID string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if sessionID != "" {
		u += "?session=" + sessionID
	}
	return u
}

func dial(ctx context.Context, t *testing.T, srv *httptest.Server, token, sessionID string) *websocket.Conn {
	t.Helper()

	h := http.Header{}
	h.Set("Origin", "http://127.0.0.1")
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(ctx, wsURL(srv, sessionID), &websocket.DialOptions{
		Subprotocols: []string{"parley.chat.v1"},
		HTTPHeader:   h,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func readFrame(ctx context.Context, t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var env v1.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.NoError(t, env.Validate())
	return env
}

func sendMessage(ctx context.Context, t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()

	p, err := json.Marshal(v1.MessagePayload{Text: text})
	require.NoError(t, err)
	b, err := json.Marshal(v1.Envelope{V: v1.Version, Type: v1.TypeMessage, Payload: p})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, b))
}

func sendCancel(ctx context.Context, t *testing.T, conn *websocket.Conn) {
	t.Helper()

	b, err := json.Marshal(v1.Envelope{V: v1.Version, Type: v1.TypeCancel})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, b))
}

// readBind consumes the session and history frames every binding starts with.
func readBind(ctx context.Context, t *testing.T, conn *websocket.Conn) (string, v1.HistoryPayload) {
	t.Helper()

	env := readFrame(ctx, t, conn)
	require.Equal(t, v1.TypeSession, env.Type)
	var sess v1.SessionPayload
	require.NoError(t, json.Unmarshal(env.Payload, &sess))
	require.NotEmpty(t, sess.SessionID)

	env = readFrame(ctx, t, conn)
	require.Equal(t, v1.TypeHistory, env.Type)
	var hist v1.HistoryPayload
	require.NoError(t, json.Unmarshal(env.Payload, &hist))
	require.Equal(t, sess.SessionID, hist.SessionID)

	return sess.SessionID, hist
}

// collectTurn drains deltas until turn_complete and returns the joined text.
func collectTurn(ctx context.Context, t *testing.T, conn *websocket.Conn, wantSeq int64) string {
	t.Helper()

	var b strings.Builder
	for {
		env := readFrame(ctx, t, conn)
		switch env.Type {
		case v1.TypeDelta:
			var p v1.DeltaPayload
			require.NoError(t, json.Unmarshal(env.Payload, &p))
			require.Equal(t, wantSeq, p.TurnSeq)
			b.WriteString(p.Text)
		case v1.TypeTurnComplete:
			var p v1.TurnCompletePayload
			require.NoError(t, json.Unmarshal(env.Payload, &p))
			require.Equal(t, wantSeq, p.TurnSeq)
			return b.String()
		default:
			t.Fatalf("unexpected frame type %q during turn", env.Type)
		}
	}
}

func readError(ctx context.Context, t *testing.T, conn *websocket.Conn) v1.ErrorPayload {
	t.Helper()

	env := readFrame(ctx, t, conn)
	require.Equal(t, v1.TypeError, env.Type)
	var p v1.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	return p
}

func TestGateway_NewSessionStreamsTurn(t *testing.T) {
	store := history.NewInMemoryStore()
	gen := generate.NewScriptClient(generate.ScriptRun{Increments: []string{"Hi", " there"}})
	srv, _ := newTestServer(t, store, gen)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(ctx, t, srv, "alice", "")
	sessionID, hist := readBind(ctx, t, conn)
	require.Empty(t, hist.Messages)

	sendMessage(ctx, t, conn, "hello")
	require.Equal(t, "Hi there", collectTurn(ctx, t, conn, 1))

	// The committed log matches what was streamed.
	require.Eventually(t, func() bool {
		msgs, err := store.Read(context.Background(), sessionID)
		return err == nil && len(msgs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	msgs, err := store.Read(context.Background(), sessionID)
	require.NoError(t, err)
	require.Equal(t, "hello", msgs[0].Content)
	require.Equal(t, "Hi there", msgs[1].Content)
	require.True(t, msgs[1].Complete)
}

func TestGateway_ResumeReplaysTranscript(t *testing.T) {
	store := history.NewInMemoryStore()
	gen := generate.NewScriptClient(generate.ScriptRun{Increments: []string{"Hi", " there"}})
	srv, _ := newTestServer(t, store, gen)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connA := dial(ctx, t, srv, "alice", "")
	sessionID, _ := readBind(ctx, t, connA)
	sendMessage(ctx, t, connA, "hello")
	streamed := collectTurn(ctx, t, connA, 1)
	require.NoError(t, connA.Close(websocket.StatusNormalClosure, "done"))

	connB := dial(ctx, t, srv, "alice", sessionID)
	resumedID, hist := readBind(ctx, t, connB)
	require.Equal(t, sessionID, resumedID)

	require.Len(t, hist.Messages, 2)
	require.Equal(t, int64(0), hist.Messages[0].TurnSeq)
	require.Equal(t, v1.RoleUser, hist.Messages[0].Role)
	require.Equal(t, "hello", hist.Messages[0].Content)
	require.Equal(t, int64(1), hist.Messages[1].TurnSeq)
	require.Equal(t, v1.RoleAssistant, hist.Messages[1].Role)
	require.Equal(t, streamed, hist.Messages[1].Content)
}

func TestGateway_ResumeUnknownSessionFails(t *testing.T) {
	srv, _ := newTestServer(t, history.NewInMemoryStore(), generate.NewScriptClient())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(ctx, t, srv, "alice", "01TESTNOSUCHSESSION0000000")
	p := readError(ctx, t, conn)
	require.Equal(t, v1.KindSessionNotFound, p.Kind)

	_, _, err := conn.Read(ctx)
	require.Error(t, err)
}

func TestGateway_ResumeOtherUsersSessionFails(t *testing.T) {
	store := history.NewInMemoryStore()
	srv, _ := newTestServer(t, store, generate.NewScriptClient(generate.ScriptRun{Increments: []string{"ok"}}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connA := dial(ctx, t, srv, "alice", "")
	sessionID, _ := readBind(ctx, t, connA)

	connB := dial(ctx, t, srv, "mallory", sessionID)
	p := readError(ctx, t, connB)
	require.Equal(t, v1.KindUnauthorized, p.Kind)
}

func TestGateway_RejectsMissingCredential(t *testing.T) {
	srv, _ := newTestServer(t, history.NewInMemoryStore(), generate.NewScriptClient())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := http.Header{}
	h.Set("Origin", "http://127.0.0.1")
	conn, resp, err := websocket.Dial(ctx, wsURL(srv, ""), &websocket.DialOptions{
		Subprotocols: []string{"parley.chat.v1"},
		HTTPHeader:   h,
	})
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_RejectsMissingOrigin(t *testing.T) {
	srv, _ := newTestServer(t, history.NewInMemoryStore(), generate.NewScriptClient())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer alice")
	conn, resp, err := websocket.Dial(ctx, wsURL(srv, ""), &websocket.DialOptions{
		Subprotocols: []string{"parley.chat.v1"},
		HTTPHeader:   h,
	})
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGateway_RejectsMissingSubprotocol(t *testing.T) {
	srv, _ := newTestServer(t, history.NewInMemoryStore(), generate.NewScriptClient())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := http.Header{}
	h.Set("Origin", "http://127.0.0.1")
	h.Set("Authorization", "Bearer alice")
	conn, _, err := websocket.Dial(ctx, wsURL(srv, ""), &websocket.DialOptions{HTTPHeader: h})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	require.Equal(t, websocket.StatusProtocolError, websocket.CloseStatus(err))
}

func TestGateway_BusyWhileTurnInFlight(t *testing.T) {
	gen := generate.NewScriptClient(generate.ScriptRun{
		Increments: []string{"a", "b", "c", "d"},
		Delay:      50 * time.Millisecond,
	})
	srv, _ := newTestServer(t, history.NewInMemoryStore(), gen)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(ctx, t, srv, "alice", "")
	readBind(ctx, t, conn)

	sendMessage(ctx, t, conn, "first")
	sendMessage(ctx, t, conn, "second")

	// The rejection interleaves with the first turn's deltas.
	sawBusy := false
	var text strings.Builder
	for {
		env := readFrame(ctx, t, conn)
		if env.Type == v1.TypeError {
			var p v1.ErrorPayload
			require.NoError(t, json.Unmarshal(env.Payload, &p))
			require.Equal(t, v1.KindSessionBusy, p.Kind)
			sawBusy = true
			continue
		}
		if env.Type == v1.TypeDelta {
			var p v1.DeltaPayload
			require.NoError(t, json.Unmarshal(env.Payload, &p))
			text.WriteString(p.Text)
			continue
		}
		require.Equal(t, v1.TypeTurnComplete, env.Type)
		break
	}
	require.True(t, sawBusy)
	require.Equal(t, "abcd", text.String())
}

func TestGateway_CancelFrameEndsTurn(t *testing.T) {
	gen := generate.NewScriptClient(generate.ScriptRun{Increments: []string{"partial"}, Hang: true})
	srv, _ := newTestServer(t, history.NewInMemoryStore(), gen)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(ctx, t, srv, "alice", "")
	readBind(ctx, t, conn)

	sendMessage(ctx, t, conn, "hello")

	env := readFrame(ctx, t, conn)
	require.Equal(t, v1.TypeDelta, env.Type)

	sendCancel(ctx, t, conn)
	p := readError(ctx, t, conn)
	require.Equal(t, v1.KindGenerationCancelled, p.Kind)
}

func TestGateway_BadFramesAreNonFatal(t *testing.T) {
	gen := generate.NewScriptClient(generate.ScriptRun{Increments: []string{"ok"}})
	srv, _ := newTestServer(t, history.NewInMemoryStore(), gen)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(ctx, t, srv, "alice", "")
	readBind(ctx, t, conn)

	// Unknown envelope type.
	b, err := json.Marshal(v1.Envelope{V: v1.Version, Type: "subscribe"})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, b))
	p := readError(ctx, t, conn)
	require.Equal(t, v1.KindBadEnvelope, p.Kind)

	// Empty message text.
	sendMessage(ctx, t, conn, "   ")
	p = readError(ctx, t, conn)
	require.Equal(t, v1.KindTurnFailed, p.Kind)

	// The connection still works.
	sendMessage(ctx, t, conn, "hello")
	require.Equal(t, "ok", collectTurn(ctx, t, conn, 1))
}

func TestGateway_ResumeBindFramesPrecedeLiveRelay(t *testing.T) {
	store := history.NewInMemoryStore()
	gen := generate.NewScriptClient(generate.ScriptRun{Increments: []string{"tick"}, Hang: true})
	srv, _ := newTestServer(t, store, gen)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connA := dial(ctx, t, srv, "alice", "")
	sessionID, _ := readBind(ctx, t, connA)
	sendMessage(ctx, t, connA, "hello")

	// The turn is generating and has streamed text when the second
	// connection binds.
	env := readFrame(ctx, t, connA)
	require.Equal(t, v1.TypeDelta, env.Type)

	// readBind fails if anything but session-then-history arrives first;
	// the snapshot must already anchor the streamed partial.
	connB := dial(ctx, t, srv, "alice", sessionID)
	resumedID, hist := readBind(ctx, t, connB)
	require.Equal(t, sessionID, resumedID)
	require.Len(t, hist.Messages, 2)
	require.Equal(t, "hello", hist.Messages[0].Content)
	require.Equal(t, "tick", hist.Messages[1].Content)
	require.False(t, hist.Messages[1].Complete)

	sendCancel(ctx, t, connA)
	p := readError(ctx, t, connA)
	require.Equal(t, v1.KindGenerationCancelled, p.Kind)
}

func TestEventEnvelope_MapsEngineEvents(t *testing.T) {
	g := NewGateway(slog.New(slog.NewTextHandler(io.Discard, nil)), nil, nil)

	cases := []struct {
		ev       engine.Event
		wantType string
	}{
		{engine.Event{Kind: engine.EventDelta, TurnSeq: 3, Text: "hi"}, v1.TypeDelta},
		{engine.Event{Kind: engine.EventTurnReset, TurnSeq: 3}, v1.TypeTurnReset},
		{engine.Event{Kind: engine.EventTurnComplete, TurnSeq: 3}, v1.TypeTurnComplete},
		{engine.Event{Kind: engine.EventTurnCancelled, TurnSeq: 3}, v1.TypeError},
		{engine.Event{Kind: engine.EventTurnFailed, Err: generate.ErrBackendError}, v1.TypeError},
	}
	for _, tc := range cases {
		env := g.eventEnvelope(tc.ev)
		require.Equal(t, tc.wantType, env.Type)
		require.NoError(t, env.Validate())
	}

	// The reset frame carries the turn it applies to.
	env := g.eventEnvelope(engine.Event{Kind: engine.EventTurnReset, TurnSeq: 7})
	var p v1.TurnResetPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	require.Equal(t, int64(7), p.TurnSeq)
}

func TestGateway_DetachKeepsGenerationRunning(t *testing.T) {
	store := history.NewInMemoryStore()
	gen := generate.NewScriptClient(generate.ScriptRun{
		Increments: []string{"slow", " reply"},
		Delay:      100 * time.Millisecond,
	})
	srv, _ := newTestServer(t, store, gen)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connA := dial(ctx, t, srv, "alice", "")
	sessionID, _ := readBind(ctx, t, connA)
	sendMessage(ctx, t, connA, "hello")

	// Drop the connection before the first increment lands.
	require.NoError(t, connA.Close(websocket.StatusNormalClosure, "gone"))

	// The turn commits anyway and a resume observes it.
	require.Eventually(t, func() bool {
		msgs, err := store.Read(context.Background(), sessionID)
		return err == nil && len(msgs) == 2
	}, 3*time.Second, 25*time.Millisecond)

	connB := dial(ctx, t, srv, "alice", sessionID)
	_, hist := readBind(ctx, t, connB)
	require.Len(t, hist.Messages, 2)
	require.Equal(t, "slow reply", hist.Messages[1].Content)
}
