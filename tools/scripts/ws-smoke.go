// Package main provides a CI-friendly WebSocket smoke test for the parley
// chat gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - session + history frames on bind
//   - message -> ordered delta stream -> turn_complete
//   - resume with ?session= replays the committed transcript
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "parley/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "parley.chat.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		token   = flag.String("token", "smoke-user", "Auth credential passed as ?token=")
		text    = flag.String("text", "hello parley 👋", "Message text to send")
		timeout = flag.Duration("timeout", 30*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *token, "", *timeout)
	defer closeWS(a.conn)

	if *verbose {
		fmt.Printf("connected: session=%s origin=%q\n", a.sessionID, *origin)
	}

	// Fresh session: history frame must be empty.
	hist := a.mustHistory(root, *timeout)
	if len(hist.Messages) != 0 {
		fatalf("fresh session has non-empty history: %d messages", len(hist.Messages))
	}

	mustSend(root, a, *text, *timeout)
	reply := mustCollectTurn(root, a, 1, *timeout)
	if strings.TrimSpace(reply) == "" {
		fatalf("assistant reply empty")
	}
	if *verbose {
		fmt.Printf("turn complete: reply=%q\n", reply)
	}

	// Resume: the replayed transcript must contain the committed turn.
	b := mustConnect(root, "B", *wsURL, *origin, *token, a.sessionID, *timeout)
	defer closeWS(b.conn)

	if b.sessionID != a.sessionID {
		fatalf("resume bound to wrong session: got=%s want=%s", b.sessionID, a.sessionID)
	}

	replay := b.mustHistory(root, *timeout)
	assertTurn(replay.Messages, 0, "user", *text)
	assertAssistant(replay.Messages, 1, reply)

	fmt.Printf("OK: session=%s turns=%d reply_len=%d\n", a.sessionID, len(replay.Messages)/2, len(reply))
}

func assertTurn(msgs []v1.WireMessage, seq int64, role, text string) {
	for _, m := range msgs {
		if m.TurnSeq == seq {
			if m.Role != role {
				fatalf("seq=%d role mismatch: got=%q want=%q", seq, m.Role, role)
			}
			if m.Content != text {
				fatalf("seq=%d content mismatch: got=%q want=%q", seq, m.Content, text)
			}
			if !m.Complete {
				fatalf("seq=%d not complete", seq)
			}
			return
		}
	}
	fatalf("history missing seq=%d", seq)
}

func assertAssistant(msgs []v1.WireMessage, seq int64, text string) {
	for _, m := range msgs {
		if m.TurnSeq == seq {
			if m.Role != "assistant" {
				fatalf("seq=%d role mismatch: got=%q want=assistant", seq, m.Role)
			}
			if m.Content != text {
				fatalf("seq=%d replayed content diverges from streamed deltas", seq)
			}
			return
		}
	}
	fatalf("history missing assistant seq=%d", seq)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, token, resumeID string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	u, err := url.Parse(wsURL)
	if err != nil {
		fatalf("parse url: %v", err)
	}
	q := u.Query()
	q.Set("token", token)
	if resumeID != "" {
		q.Set("session", resumeID)
	}
	u.RawQuery = q.Encode()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	bind := c.mustReadUntilType(parent, v1.TypeSession, stepTimeout, nil)

	var p v1.SessionPayload
	if err := json.Unmarshal(bind.Payload, &p); err != nil {
		fatalf("unmarshal session payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("session frame missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func (c *smokeClient) mustHistory(parent context.Context, stepTimeout time.Duration) v1.HistoryPayload {
	env := c.mustReadUntilType(parent, v1.TypeHistory, stepTimeout, nil)

	var p v1.HistoryPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal history payload (%s): %v", c.name, err)
	}
	return p
}

func mustSend(parent context.Context, c *smokeClient, text string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMessage,
		ID:      fmt.Sprintf("%s-msg-%d", c.name, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.MessagePayload{Text: text}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

// mustCollectTurn reads deltas for the assistant turn until turn_complete
// and returns the concatenated text.
func mustCollectTurn(parent context.Context, c *smokeClient, assistantSeq int64, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for turn_complete (%s): %v", c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error mid-turn (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed mid-turn (%s)", c.name)
			}

			switch env.Type {
			case v1.TypeDelta:
				var p v1.DeltaPayload
				if err := json.Unmarshal(env.Payload, &p); err != nil {
					fatalf("unmarshal delta payload (%s): %v", c.name, err)
				}
				if p.TurnSeq != assistantSeq {
					fatalf("delta seq mismatch (%s): got=%d want=%d", c.name, p.TurnSeq, assistantSeq)
				}
				sb.WriteString(p.Text)

			case v1.TypeTurnReset:
				// The server retried the turn; drop what was streamed so far.
				sb.Reset()

			case v1.TypeTurnComplete:
				var p v1.TurnCompletePayload
				if err := json.Unmarshal(env.Payload, &p); err != nil {
					fatalf("unmarshal turn_complete payload (%s): %v", c.name, err)
				}
				if p.TurnSeq != assistantSeq {
					fatalf("turn_complete seq mismatch (%s): got=%d want=%d", c.name, p.TurnSeq, assistantSeq)
				}
				return sb.String()

			case v1.TypeError:
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error mid-turn (%s): kind=%q msg=%q", c.name, ep.Kind, ep.Message)

			default:
				// Ignore unrelated frames.
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): kind=%q msg=%q", c.name, ep.Kind, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
