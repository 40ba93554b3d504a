// Package postgres persists session events in PostgreSQL through a
// [pgxpool.Pool]. It is the shared-deployment counterpart of the SQLite
// store: several relay instances can write to one timeline table.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/novarelay/internal/events"
)

var _ events.Store = (*Store)(nil)

const defaultListLimit = 100

const ddlSessionEvents = `
CREATE TABLE IF NOT EXISTS session_events (
    seq         BIGSERIAL    PRIMARY KEY,
    id          TEXT         NOT NULL UNIQUE,
    kind        TEXT         NOT NULL,
    session_id  TEXT         NOT NULL DEFAULT '',
    caller_id   TEXT         NOT NULL DEFAULT '',
    reason      TEXT         NOT NULL DEFAULT '',
    error       TEXT         NOT NULL DEFAULT '',
    detail      JSONB,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_events_session_seq
    ON session_events (session_id, seq);
`

// Store is a PostgreSQL-backed [events.Store]. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres events: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres events: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres events: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres events: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the event table and its index if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSessionEvents); err != nil {
		return fmt.Errorf("create session_events: %w", err)
	}
	return nil
}

// Name implements [events.Sink].
func (s *Store) Name() string { return "postgres" }

// Write appends ev. Detail is stored as JSONB.
func (s *Store) Write(ctx context.Context, ev events.Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	const q = `
		INSERT INTO session_events (id, kind, session_id, caller_id, reason, error, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`
	var detail any
	if len(ev.Detail) > 0 {
		detail = ev.Detail
	}
	_, err := s.pool.Exec(ctx, q,
		ev.ID, string(ev.Kind), ev.SessionID, ev.CallerID, ev.Reason, ev.Error, detail, ev.At)
	if err != nil {
		return fmt.Errorf("postgres events: insert: %w", err)
	}
	return nil
}

// List returns up to limit events of sessionID in insertion order.
func (s *Store) List(ctx context.Context, sessionID string, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	const q = `
		SELECT id, kind, session_id, caller_id, reason, error, detail, created_at
		FROM   session_events
		WHERE  session_id = $1
		ORDER  BY seq ASC
		LIMIT  $2`
	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres events: list: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (events.Event, error) {
		var (
			ev   events.Event
			kind string
		)
		if err := row.Scan(&ev.ID, &kind, &ev.SessionID, &ev.CallerID, &ev.Reason, &ev.Error, &ev.Detail, &ev.At); err != nil {
			return events.Event{}, err
		}
		ev.Kind = events.Kind(kind)
		ev.At = ev.At.UTC()
		return ev, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres events: scan rows: %w", err)
	}
	return out, nil
}

// Ping checks that a pooled connection can reach the server.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
