package history

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Expected schema (managed externally, not by this code):
//
//	CREATE TABLE parley.sessions (
//	    session_id     text PRIMARY KEY,
//	    owner_id       text NOT NULL,
//	    status         text NOT NULL,
//	    title          text NOT NULL DEFAULT '',
//	    preview        text NOT NULL DEFAULT '',
//	    created_at     timestamptz NOT NULL,
//	    last_active_at timestamptz NOT NULL
//	);
//	CREATE TABLE parley.messages (
//	    session_id text NOT NULL REFERENCES parley.sessions(session_id),
//	    turn_seq   bigint NOT NULL,
//	    role       text NOT NULL,
//	    content    text NOT NULL,
//	    ts         timestamptz NOT NULL,
//	    PRIMARY KEY (session_id, turn_seq)
//	);
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "parley").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("history: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("history: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "parley",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("history: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Append persists messages in one transaction, idempotently per
// (session_id, turn_seq). The per-session advisory lock serializes writers
// so retried commits and the single-flusher discipline cannot interleave.
func (s *PostgresStore) Append(ctx context.Context, sessionID string, msgs ...Message) error {
	if s == nil || s.pool == nil {
		return errors.New("history: nil store")
	}
	if err := validateAppend(sessionID, msgs); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return unavailable("append begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, sessionID); err != nil {
		return unavailable("append lock", err)
	}

	for _, m := range msgs {
		ts := m.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+messages+` (session_id, turn_seq, role, content, ts)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (session_id, turn_seq) DO NOTHING`,
			sessionID, m.TurnSeq, string(m.Role), m.Content, ts,
		); err != nil {
			return unavailable("append insert", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return unavailable("append commit", err)
	}
	return nil
}

// Read returns the full ordered log for a session, verifying contiguity.
func (s *PostgresStore) Read(ctx context.Context, sessionID string) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("history: nil store")
	}
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if _, err := s.ReadMeta(ctx, sessionID); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT turn_seq, role, content, ts
		   FROM `+messages+`
		  WHERE session_id = $1
		  ORDER BY turn_seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, unavailable("read", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, 64)
	for rows.Next() {
		var (
			m    Message
			role string
		)
		if err := rows.Scan(&m.TurnSeq, &role, &m.Content, &m.Timestamp); err != nil {
			return nil, unavailable("read scan", err)
		}
		m.Role = Role(role)
		m.Complete = true
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("read rows", err)
	}

	if err := checkContiguous(msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// ReadMeta returns the metadata record for a session.
func (s *PostgresStore) ReadMeta(ctx context.Context, sessionID string) (Meta, error) {
	if s == nil || s.pool == nil {
		return Meta{}, errors.New("history: nil store")
	}
	if err := ctx.Err(); err != nil {
		return Meta{}, err
	}

	sessions := pgIdent(s.schema, "sessions")

	var m Meta
	err := s.pool.QueryRow(ctx,
		`SELECT session_id, owner_id, status, title, preview, created_at, last_active_at
		   FROM `+sessions+`
		  WHERE session_id = $1`,
		sessionID,
	).Scan(&m.SessionID, &m.Owner, &m.Status, &m.Title, &m.Preview, &m.CreatedAt, &m.LastActiveAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Meta{}, ErrSessionNotFound
	}
	if err != nil {
		return Meta{}, unavailable("read meta", err)
	}
	return m, nil
}

// WriteMeta upserts the metadata record for a session.
func (s *PostgresStore) WriteMeta(ctx context.Context, meta Meta) error {
	if s == nil || s.pool == nil {
		return errors.New("history: nil store")
	}
	if meta.SessionID == "" {
		return ErrSessionNotFound
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	if meta.LastActiveAt.IsZero() {
		meta.LastActiveAt = now
	}

	sessions := pgIdent(s.schema, "sessions")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+sessions+` (session_id, owner_id, status, title, preview, created_at, last_active_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_id) DO UPDATE SET
		     status = EXCLUDED.status,
		     title = CASE WHEN EXCLUDED.title = '' THEN `+sessions+`.title ELSE EXCLUDED.title END,
		     preview = EXCLUDED.preview,
		     last_active_at = EXCLUDED.last_active_at`,
		meta.SessionID, meta.Owner, meta.Status, meta.Title, meta.Preview, meta.CreatedAt, meta.LastActiveAt,
	)
	if err != nil {
		return unavailable("write meta", err)
	}
	return nil
}

// List returns an owner's sessions, most recently active first.
func (s *PostgresStore) List(ctx context.Context, owner string) ([]Meta, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("history: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sessions := pgIdent(s.schema, "sessions")

	rows, err := s.pool.Query(ctx,
		`SELECT session_id, owner_id, status, title, preview, created_at, last_active_at
		   FROM `+sessions+`
		  WHERE owner_id = $1
		  ORDER BY last_active_at DESC`,
		owner,
	)
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer rows.Close()

	out := make([]Meta, 0, 16)
	for rows.Next() {
		var m Meta
		if err := rows.Scan(&m.SessionID, &m.Owner, &m.Status, &m.Title, &m.Preview, &m.CreatedAt, &m.LastActiveAt); err != nil {
			return nil, unavailable("list scan", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list rows", err)
	}
	return out, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
