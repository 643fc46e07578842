package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"parley/cmd/internal/generate"
	"parley/cmd/internal/history"
	"parley/cmd/internal/metrics"
)

// ErrSessionNotFound means a resume referenced a session id with no durable
// state. The client must start fresh.
var ErrSessionNotFound = errors.New("engine: session not found")

// Registry owns all live session instances. It is the only place that
// creates or destroys an in-memory Session, and it guarantees that two
// simultaneous lookups of the same unloaded id perform exactly one
// rehydration. The map lock is held only for map mutation; rehydration I/O
// happens outside it so unrelated sessions are never serialized.
type Registry struct {
	log   *slog.Logger
	store history.Store
	gen   generate.Client
	flow  *FlowController
	cfg   Config

	idleTTL    time.Duration
	evictEvery time.Duration

	mu      sync.Mutex // guards entries only, never held across store I/O
	entries map[string]*registryEntry
}

// registryEntry is the per-key singleflight slot: ready is closed once the
// winning rehydration finished (successfully or not); gone is closed when
// the entry leaves the map, waking lookups that lost a race with eviction.
type registryEntry struct {
	ready chan struct{}
	gone  chan struct{}
	sess  *Session
	err   error
}

// NewRegistry constructs the registry.
func NewRegistry(log *slog.Logger, store history.Store, gen generate.Client, flow *FlowController, cfg Config, idleTTL, evictEvery time.Duration) *Registry {
	cfg.applyDefaults()
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}
	if evictEvery <= 0 {
		evictEvery = time.Minute
	}
	return &Registry{
		log:        log,
		store:      store,
		gen:        gen,
		flow:       flow,
		cfg:        cfg,
		idleTTL:    idleTTL,
		evictEvery: evictEvery,
		entries:    make(map[string]*registryEntry),
	}
}

// GetOrCreate resolves a live session handle for sessionID, rehydrating
// from the store when no in-memory instance exists. With createIfMissing
// false (an explicit resume), an unknown id fails with ErrSessionNotFound.
// An owner mismatch fails with ErrNotOwner.
func (r *Registry) GetOrCreate(ctx context.Context, sessionID, owner string, createIfMissing bool) (*Session, error) {
	if sessionID == "" || owner == "" {
		return nil, errors.New("engine: missing session id or owner")
	}

	for {
		r.mu.Lock()
		if e, ok := r.entries[sessionID]; ok {
			r.mu.Unlock()

			select {
			case <-e.ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if e.err != nil {
				return nil, e.err
			}
			if e.sess.Status() == StatusClosed {
				// Lost a race with eviction: the evictor still has store I/O
				// to finish before it removes the entry. Wait for the removal
				// instead of spinning on the map lock.
				select {
				case <-e.gone:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				continue
			}
			if e.sess.Owner != owner {
				return nil, ErrNotOwner
			}
			return e.sess, nil
		}

		e := &registryEntry{ready: make(chan struct{}), gone: make(chan struct{})}
		r.entries[sessionID] = e
		r.mu.Unlock()

		e.sess, e.err = r.load(ctx, sessionID, owner, createIfMissing)
		if e.err != nil {
			r.mu.Lock()
			delete(r.entries, sessionID)
			close(e.gone)
			r.mu.Unlock()
		} else {
			metrics.SessionsLive.Inc()
		}
		close(e.ready)

		return e.sess, e.err
	}
}

// load performs the single rehydration (or fresh creation) for a session id.
func (r *Registry) load(ctx context.Context, sessionID, owner string, createIfMissing bool) (*Session, error) {
	msgs, err := r.store.Read(ctx, sessionID)
	switch {
	case err == nil:
		meta, metaErr := r.store.ReadMeta(ctx, sessionID)
		if metaErr != nil && !errors.Is(metaErr, history.ErrSessionNotFound) {
			return nil, metaErr
		}
		if meta.Owner != "" && meta.Owner != owner {
			return nil, ErrNotOwner
		}
		r.log.Info("session.rehydrated", "session_id", sessionID, "messages", len(msgs))
		return newSession(r.log, r.store, r.gen, r.flow, r.cfg, sessionID, owner, msgs, meta.CreatedAt), nil

	case errors.Is(err, history.ErrSessionNotFound):
		if !createIfMissing {
			return nil, ErrSessionNotFound
		}
		sess := newSession(r.log, r.store, r.gen, r.flow, r.cfg, sessionID, owner, nil, time.Time{})

		// Record the metadata immediately so listings and resumes see the
		// session before its first committed turn.
		meta := history.Meta{
			SessionID:    sessionID,
			Owner:        owner,
			Status:       history.StatusIdle,
			LastActiveAt: sess.LastActive(),
		}
		if err := r.store.WriteMeta(ctx, meta); err != nil {
			return nil, err
		}
		r.log.Info("session.created", "session_id", sessionID, "owner", owner)
		return sess, nil

	default:
		return nil, err
	}
}

// Peek returns the resident session for sessionID, or nil when no live
// instance exists. It never rehydrates.
func (r *Registry) Peek(sessionID string) *Session {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-e.ready:
	default:
		return nil // still loading
	}
	if e.err != nil || e.sess.Status() == StatusClosed {
		return nil
	}
	return e.sess
}

// Release force-evicts a session instance (flushing first). Durable state
// is untouched; a later GetOrCreate rehydrates.
func (r *Registry) Release(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if e.err != nil {
		return nil
	}

	if err := e.sess.closeForEvict(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	if cur, ok := r.entries[sessionID]; ok && cur == e {
		delete(r.entries, sessionID)
		close(e.gone)
		metrics.SessionsLive.Dec()
	}
	r.mu.Unlock()
	return nil
}

// Len reports how many sessions are resident (for tests/introspection).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Run drives the idle-eviction loop until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	t := time.NewTicker(r.evictEvery)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.evictIdle(ctx, time.Now().UTC())
		}
	}
}

// evictIdle removes sessions that are Idle, unattached, and inactive longer
// than the idle TTL. Eviction flushes pending durable writes first; a
// session that cannot flush is skipped and retried next tick.
func (r *Registry) evictIdle(ctx context.Context, now time.Time) {
	r.mu.Lock()
	candidates := make([]string, 0, 8)
	for id, e := range r.entries {
		select {
		case <-e.ready:
		default:
			continue // still loading
		}
		if e.err != nil {
			continue
		}
		s := e.sess
		if s.Status() != StatusIdle || s.SubscriberCount() > 0 {
			continue
		}
		if now.Sub(s.LastActive()) < r.idleTTL {
			continue
		}
		candidates = append(candidates, id)
	}
	r.mu.Unlock()

	for _, id := range candidates {
		if err := r.Release(ctx, id); err != nil {
			r.log.Info("session.evict.skip", "session_id", id, "err", err)
		}
	}
}
