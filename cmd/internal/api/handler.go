// Package api exposes the read-only REST surface: session listings and
// transcript reads for the verified user. All mutation happens over the
// WebSocket gateway.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"parley/cmd/internal/auth"
	"parley/cmd/internal/engine"
	"parley/cmd/internal/history"
	v1 "parley/shared/contracts/chat/v1"
)

const readTimeout = 5 * time.Second

// Handler serves the session listing and history endpoints.
type Handler struct {
	log      *slog.Logger
	store    history.Store
	registry *engine.Registry
	verifier auth.Verifier
}

// NewHandler constructs the REST handler.
func NewHandler(log *slog.Logger, store history.Store, registry *engine.Registry, verifier auth.Verifier) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if verifier == nil {
		verifier = auth.InsecureVerifier{}
	}
	return &Handler{log: log, store: store, registry: registry, verifier: verifier}
}

// Register wires the REST routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/api/sessions", h.handleList)
	mux.HandleFunc("/api/sessions/", h.handleHistory)
}

type sessionSummary struct {
	SessionID    string    `json:"session_id"`
	Title        string    `json:"title,omitempty"`
	Preview      string    `json:"preview,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

type listResponse struct {
	Sessions []sessionSummary `json:"sessions"`
}

type historyResponse struct {
	SessionID string           `json:"session_id"`
	Messages  []v1.WireMessage `json:"messages"`
}

// handleList returns the caller's sessions, most recently active first.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET only")
		return
	}

	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	metas, err := h.store.List(ctx, userID)
	if err != nil {
		h.log.Info("api.sessions.list.fail", "user_id", userID, "err", err)
		writeError(w, http.StatusServiceUnavailable, v1.KindStoreUnavailable, "store unavailable")
		return
	}

	out := listResponse{Sessions: make([]sessionSummary, 0, len(metas))}
	for _, m := range metas {
		out.Sessions = append(out.Sessions, sessionSummary{
			SessionID:    m.SessionID,
			Title:        m.Title,
			Preview:      m.Preview,
			Status:       string(m.Status),
			CreatedAt:    m.CreatedAt,
			LastActiveAt: m.LastActiveAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleHistory returns the full transcript for one session. When the
// session is resident its live snapshot is served, so an in-flight turn's
// user message and streamed-so-far assistant text are visible; otherwise
// the durable log is read directly.
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET only")
		return
	}

	sessionID, ok := historyPathSessionID(r.URL.Path)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown path")
		return
	}

	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	var msgs []history.Message
	if sess := h.registry.Peek(sessionID); sess != nil {
		if sess.Owner != userID {
			writeError(w, http.StatusNotFound, v1.KindSessionNotFound, "unknown session")
			return
		}
		msgs = sess.Snapshot()
	} else {
		meta, err := h.store.ReadMeta(ctx, sessionID)
		switch {
		case errors.Is(err, history.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, v1.KindSessionNotFound, "unknown session")
			return
		case err != nil:
			h.log.Info("api.sessions.history.fail", "session_id", sessionID, "err", err)
			writeError(w, http.StatusServiceUnavailable, v1.KindStoreUnavailable, "store unavailable")
			return
		}
		// Unknown-session and not-owner are indistinguishable on purpose.
		if meta.Owner != userID {
			writeError(w, http.StatusNotFound, v1.KindSessionNotFound, "unknown session")
			return
		}

		msgs, err = h.store.Read(ctx, sessionID)
		if err != nil {
			h.log.Info("api.sessions.history.fail", "session_id", sessionID, "err", err)
			writeError(w, http.StatusServiceUnavailable, v1.KindStoreUnavailable, "store unavailable")
			return
		}
	}

	out := historyResponse{SessionID: sessionID, Messages: make([]v1.WireMessage, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, v1.WireMessage{
			TurnSeq:  m.TurnSeq,
			Role:     string(m.Role),
			Content:  m.Content,
			Complete: m.Complete,
			TS:       m.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	cred := ""
	if v := strings.TrimSpace(r.Header.Get("Authorization")); v != "" {
		if strings.HasPrefix(strings.ToLower(v), "bearer ") {
			cred = strings.TrimSpace(v[len("bearer "):])
		}
	}

	userID, err := h.verifier.Verify(r.Context(), cred)
	if err != nil {
		writeError(w, http.StatusUnauthorized, v1.KindUnauthorized, "unauthorized")
		return "", false
	}
	return userID, true
}

// historyPathSessionID extracts the id from /api/sessions/{id}/history.
func historyPathSessionID(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "/api/sessions/")
	if !ok || rest == "" {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/history")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
