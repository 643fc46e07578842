package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is the dev/test fallback when no database is configured.
// It honors the same idempotency and ordering contract as the Postgres store.
type InMemoryStore struct {
	mu    sync.Mutex
	convs map[string]*memSession
}

type memSession struct {
	meta Meta
	// msgs is kept ordered by TurnSeq; seen dedupes by TurnSeq so a retried
	// commit never double-appends.
	msgs []Message
	seen map[int64]struct{}
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs: make(map[string]*memSession),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Append appends messages idempotently by (session_id, turn_seq).
func (s *InMemoryStore) Append(ctx context.Context, sessionID string, msgs ...Message) error {
	if err := validateAppend(sessionID, msgs); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[sessionID]
	if c == nil {
		c = &memSession{
			meta: Meta{SessionID: sessionID, Status: StatusIdle, CreatedAt: time.Now().UTC()},
			seen: make(map[int64]struct{}),
		}
		s.convs[sessionID] = c
	}

	for _, m := range msgs {
		if _, dup := c.seen[m.TurnSeq]; dup {
			continue
		}
		c.seen[m.TurnSeq] = struct{}{}
		c.msgs = append(c.msgs, m)
	}

	sort.Slice(c.msgs, func(i, j int) bool { return c.msgs[i].TurnSeq < c.msgs[j].TurnSeq })
	return nil
}

// Read returns the full ordered log for a session.
func (s *InMemoryStore) Read(ctx context.Context, sessionID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	c := s.convs[sessionID]
	var snap []Message
	if c != nil {
		snap = append([]Message(nil), c.msgs...)
	}
	s.mu.Unlock()

	if c == nil {
		return nil, ErrSessionNotFound
	}
	if err := checkContiguous(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// ReadMeta returns the metadata record for a session.
func (s *InMemoryStore) ReadMeta(ctx context.Context, sessionID string) (Meta, error) {
	if err := ctx.Err(); err != nil {
		return Meta{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[sessionID]
	if c == nil {
		return Meta{}, ErrSessionNotFound
	}
	return c.meta, nil
}

// WriteMeta upserts the metadata record for a session.
func (s *InMemoryStore) WriteMeta(ctx context.Context, meta Meta) error {
	if meta.SessionID == "" {
		return ErrSessionNotFound
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[meta.SessionID]
	if c == nil {
		c = &memSession{seen: make(map[int64]struct{})}
		s.convs[meta.SessionID] = c
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = c.meta.CreatedAt
	}
	if meta.CreatedAt.IsZero() {
		// First write for this session; stamp it the way the Postgres
		// store's created_at default does.
		meta.CreatedAt = time.Now().UTC()
	}
	if meta.Title == "" {
		meta.Title = c.meta.Title
	}
	c.meta = meta
	return nil
}

// List returns an owner's sessions, most recently active first.
func (s *InMemoryStore) List(ctx context.Context, owner string) ([]Meta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]Meta, 0, 8)
	for _, c := range s.convs {
		if c.meta.Owner == owner {
			out = append(out, c.meta)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastActiveAt.After(out[j].LastActiveAt) })
	return out, nil
}
