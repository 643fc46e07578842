package generate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"parley/cmd/internal/history"
)

// OllamaClient speaks the Ollama /api/chat streaming protocol: one JSON
// object per line, each carrying a message fragment, terminated by a line
// with done=true.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaClient constructs a client for an Ollama-compatible backend.
// The timeout bounds dialing and response headers only: the body is a
// long-lived stream whose lifetime belongs to the request context.
func NewOllamaClient(baseURL string, timeout time.Duration) *OllamaClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OllamaClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
				ResponseHeaderTimeout: timeout,
			},
		},
	}
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChunk struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

// Generate opens a streaming chat request and feeds its stream from a
// producer goroutine. The transport-level dial happens synchronously so an
// unreachable backend fails fast before any stream exists.
func (c *OllamaClient) Generate(ctx context.Context, model string, prompt []history.Message) (*Stream, error) {
	msgs := make([]ollamaMessage, 0, len(prompt))
	for _, m := range prompt {
		msgs = append(msgs, ollamaMessage{Role: string(m.Role), Content: m.Content})
	}

	body, err := json.Marshal(ollamaChatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", ErrBackendError, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	s := NewStream()
	go c.consume(ctx, resp.Body, s)
	return s, nil
}

// consume reads the NDJSON line stream and relays increments until the end
// marker, an error, or cancellation.
func (c *OllamaClient) consume(ctx context.Context, body io.ReadCloser, s *Stream) {
	defer func() { _ = body.Close() }()

	reader := bufio.NewReader(body)

	for {
		select {
		case <-ctx.Done():
			s.Finish(classifyCtxErr(ctx.Err()))
			return
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Stream ended without the done marker.
				s.Finish(fmt.Errorf("%w: stream ended without end marker", ErrBackendError))
				return
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				s.Finish(classifyCtxErr(ctxErr))
				return
			}
			s.Finish(classifyTransportErr(err))
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var chunk ollamaChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			// Skip malformed chunks; the backend occasionally interleaves
			// keep-alive noise.
			continue
		}

		if chunk.Error != "" {
			s.Finish(fmt.Errorf("%w: %s", ErrBackendError, chunk.Error))
			return
		}

		if chunk.Message.Content != "" {
			if !s.Emit(ctx, Increment{Text: chunk.Message.Content}) {
				s.Finish(classifyCtxErr(ctx.Err()))
				return
			}
		}

		if chunk.Done {
			if !s.Emit(ctx, Increment{Done: true}) {
				s.Finish(classifyCtxErr(ctx.Err()))
				return
			}
			s.Finish(nil)
			return
		}
	}
}

// classifyTransportErr maps HTTP transport failures onto the client taxonomy.
func classifyTransportErr(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		if uerr.Timeout() {
			return fmt.Errorf("%w: %v", ErrBackendTimeout, err)
		}
		if errors.Is(uerr.Err, context.Canceled) {
			return ErrGenerationCancelled
		}
		if errors.Is(uerr.Err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrBackendTimeout, err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return ErrGenerationCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrBackendTimeout, err)
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", ErrBackendTimeout, err)
	}

	var operr *net.OpError
	if errors.As(err, &operr) {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	// url.Error wrapping a dial failure lands here too.
	if uerr != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrBackendError, err)
}
