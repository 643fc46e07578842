// Package gateway contains the client-facing WebSocket multiplexer. It
// binds each connection to a session (new or resumed), relays inbound
// frames into the session state machine, and relays the session's increment
// stream back out in strict arrival order.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"parley/cmd/internal/auth"
	"parley/cmd/internal/engine"
	"parley/cmd/internal/generate"
	"parley/cmd/internal/history"
	"parley/cmd/internal/ids"
	"parley/cmd/internal/metrics"
	v1 "parley/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "parley.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 5 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Gateway is the WebSocket entrypoint.
//
// It enforces origin policy, authenticates the upgrade, binds connections to
// sessions through the registry, and runs the per-connection relay loops.
type Gateway struct {
	log      *slog.Logger
	registry *engine.Registry
	verifier auth.Verifier

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewGateway constructs a gateway with secure defaults.
func NewGateway(log *slog.Logger, registry *engine.Registry, verifier auth.Verifier) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if verifier == nil {
		verifier = auth.InsecureVerifier{}
	}

	g := &Gateway{log: log, registry: registry, verifier: verifier}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBool("PARLEY_WS_DEV_INSECURE", false)

	g.originRequired = envBool("PARLEY_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSV("PARLEY_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy: same-host is ok,
	// cross-origin requires OriginPatterns (host patterns). Derive the
	// patterns from the allowlist so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDuration("PARLEY_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDuration("PARLEY_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envInt("PARLEY_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDuration("PARLEY_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDuration("PARLEY_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envInt("PARLEY_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDuration("PARLEY_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the
// per-connection relay loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Authentication happens before the upgrade: Unauthorized is fatal to
	// the connection and never retried.
	userID, err := g.verifier.Verify(r.Context(), bearerCredential(r))
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connID := ids.MustNewULID(time.Now().UTC())
	client := NewClient(connID, userID, g.sendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Resolve the session: an explicit ?session= is a resume (unknown id is
	// fatal to the resume, the client must start fresh); otherwise a new
	// session is created for this user.
	resumeID := strings.TrimSpace(r.URL.Query().Get("session"))
	sessionID := resumeID
	createIfMissing := false
	if sessionID == "" {
		sessionID = ids.MustNewULID(time.Now().UTC())
		createIfMissing = true
	}

	sess, err := g.registry.GetOrCreate(ctx, sessionID, userID, createIfMissing)
	if err != nil {
		g.writeBindError(ctx, conn, err)
		return
	}

	sub, snapshot, err := sess.Attach(connID)
	if err != nil {
		g.writeBindError(ctx, conn, err)
		return
	}

	metrics.ConnectionsLive.Inc()
	g.log.Info("ws.bound", "conn_id", connID, "session_id", sess.ID, "user_id", userID, "resume", resumeID != "")

	var closeOnce sync.Once

	// shutdown is idempotent. It detaches from the session without
	// destroying it: an in-flight generation keeps running so a later
	// resume can observe the completed turn.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			sess.Detach(connID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			metrics.ConnectionsLive.Dec()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	// Announce the binding, then replay the transcript. These two frames are
	// enqueued before the event pump starts so no live event can precede
	// them; anything produced in between waits in the subscriber's queue.
	if !g.enqueue(ctx, client, g.sessionEnvelope(sess.ID)) ||
		!g.enqueue(ctx, client, g.historyEnvelope(sess.ID, snapshot)) {
		shutdown(websocket.StatusAbnormalClosure, "bind backpressure")
	}

	// Event pump: relays the session's event stream to the send queue in
	// strict arrival order. If the subscriber was closed by the engine the
	// connection fell behind; drop it (the session stays intact) and let
	// the client catch up via resume.
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-sub.Done():
				shutdown(websocket.StatusPolicyViolation, "send queue overflow")
				return
			case ev := <-sub.Events():
				if !g.enqueue(ctx, client, g.eventEnvelope(ev)) {
					shutdown(websocket.StatusPolicyViolation, "send queue overflow")
					return
				}
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, v1.KindBadJSON, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, v1.KindRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, v1.KindBadEnvelope, err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeMessage:
			if err := g.onMessage(sess, env); err != nil {
				g.trySendError(ctx, client, errKind(err), err.Error())
				continue readLoop
			}

		case v1.TypeCancel:
			// Idempotent: cancelling with no turn in flight is a no-op.
			sess.Cancel()

		default:
			g.trySendError(ctx, client, v1.KindUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	<-pumpDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *Gateway) onMessage(sess *engine.Session, env v1.Envelope) error {
	var p v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	text := strings.TrimSpace(p.Text)
	if text == "" {
		return errors.New("empty text")
	}
	if len([]rune(text)) > maxMessageChars {
		return fmt.Errorf("message too long: max=%d chars", maxMessageChars)
	}

	return sess.Submit(text)
}

// ---- envelope construction ----

func (g *Gateway) sessionEnvelope(sessionID string) v1.Envelope {
	p, _ := json.Marshal(v1.SessionPayload{SessionID: sessionID})
	return newEnvelope(v1.TypeSession, p, time.Now().UTC())
}

func (g *Gateway) historyEnvelope(sessionID string, msgs []history.Message) v1.Envelope {
	wire := make([]v1.WireMessage, 0, len(msgs))
	for _, m := range msgs {
		wire = append(wire, v1.WireMessage{
			TurnSeq:  m.TurnSeq,
			Role:     string(m.Role),
			Content:  m.Content,
			Complete: m.Complete,
			TS:       m.Timestamp,
		})
	}
	p, _ := json.Marshal(v1.HistoryPayload{SessionID: sessionID, Messages: wire})
	return newEnvelope(v1.TypeHistory, p, time.Now().UTC())
}

func (g *Gateway) eventEnvelope(ev engine.Event) v1.Envelope {
	now := time.Now().UTC()

	switch ev.Kind {
	case engine.EventDelta:
		p, _ := json.Marshal(v1.DeltaPayload{TurnSeq: ev.TurnSeq, Text: ev.Text})
		return newEnvelope(v1.TypeDelta, p, now)

	case engine.EventTurnReset:
		p, _ := json.Marshal(v1.TurnResetPayload{TurnSeq: ev.TurnSeq})
		return newEnvelope(v1.TypeTurnReset, p, now)

	case engine.EventTurnComplete:
		p, _ := json.Marshal(v1.TurnCompletePayload{TurnSeq: ev.TurnSeq})
		return newEnvelope(v1.TypeTurnComplete, p, now)

	case engine.EventTurnCancelled:
		p, _ := json.Marshal(v1.ErrorPayload{Kind: v1.KindGenerationCancelled})
		return newEnvelope(v1.TypeError, p, now)

	case engine.EventPersistenceDegraded:
		p, _ := json.Marshal(v1.ErrorPayload{Kind: v1.KindPersistenceDegraded, Message: errMessage(ev.Err)})
		return newEnvelope(v1.TypeError, p, now)

	default: // EventTurnFailed
		p, _ := json.Marshal(v1.ErrorPayload{Kind: errKind(ev.Err), Message: errMessage(ev.Err)})
		return newEnvelope(v1.TypeError, p, now)
	}
}

// writeBindError reports a bind failure directly (the writer goroutine is
// not running yet) and closes the connection.
func (g *Gateway) writeBindError(ctx context.Context, conn *websocket.Conn, err error) {
	g.log.Info("ws.bind.fail", "kind", errKind(err), "err", err)

	p, _ := json.Marshal(v1.ErrorPayload{Kind: errKind(err), Message: err.Error()})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = writeEnvelope(ctx, conn, env, wsDefaultWriteTimeout)
	_ = conn.Close(websocket.StatusPolicyViolation, "bind failed")
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, client *Client, kind, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Kind: kind, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- error mapping ----

// errKind maps engine/store/backend sentinels onto wire error kinds.
func errKind(err error) string {
	switch {
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, engine.ErrNotOwner):
		return v1.KindUnauthorized
	case errors.Is(err, engine.ErrSessionNotFound), errors.Is(err, history.ErrSessionNotFound):
		return v1.KindSessionNotFound
	case errors.Is(err, engine.ErrSessionBusy):
		return v1.KindSessionBusy
	case errors.Is(err, engine.ErrSessionClosed):
		return v1.KindSessionClosed
	case errors.Is(err, engine.ErrBackendSaturated):
		return v1.KindBackendSaturated
	case errors.Is(err, generate.ErrBackendUnavailable):
		return v1.KindBackendUnavailable
	case errors.Is(err, generate.ErrBackendTimeout):
		return v1.KindBackendTimeout
	case errors.Is(err, generate.ErrBackendError):
		return v1.KindBackendError
	case errors.Is(err, generate.ErrGenerationCancelled):
		return v1.KindGenerationCancelled
	case errors.Is(err, history.ErrStoreUnavailable):
		return v1.KindStoreUnavailable
	default:
		return v1.KindTurnFailed
	}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func bearerCredential(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if strings.HasPrefix(strings.ToLower(h), "bearer ") {
			return strings.TrimSpace(h[len("bearer "):])
		}
	}
	// Browser WebSocket clients cannot set headers.
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustNewULID(ts),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using
	// filepath.Match patterns. Keep this strict: only hosts extracted from
	// the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// ---- env helpers ----

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSV(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
