// Package sqlite persists session events in a local SQLite database using the
// pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/novarelay/internal/events"
)

var _ events.Store = (*Store)(nil)

// defaultListLimit applies when List is called with a non-positive limit.
const defaultListLimit = 100

// Store is a SQLite-backed [events.Store]. It is safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates the parent directory of path if needed, opens the database in
// WAL mode and creates the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite events: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite events: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite events: ping: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite events: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS session_events (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT NOT NULL UNIQUE,
    kind       TEXT NOT NULL,
    session_id TEXT NOT NULL DEFAULT '',
    caller_id  TEXT NOT NULL DEFAULT '',
    reason     TEXT NOT NULL DEFAULT '',
    error      TEXT NOT NULL DEFAULT '',
    detail     TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, seq);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Name implements [events.Sink].
func (s *Store) Name() string { return "sqlite" }

// Write appends ev.
func (s *Store) Write(ctx context.Context, ev events.Event) error {
	var detail []byte
	if len(ev.Detail) > 0 {
		var err error
		if detail, err = json.Marshal(ev.Detail); err != nil {
			return fmt.Errorf("sqlite events: encode detail: %w", err)
		}
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events(id, kind, session_id, caller_id, reason, error, detail, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Kind), ev.SessionID, ev.CallerID, ev.Reason, ev.Error,
		nullableText(detail), ev.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite events: insert: %w", err)
	}
	return nil
}

// List returns up to limit events of sessionID in insertion order.
func (s *Store) List(ctx context.Context, sessionID string, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, session_id, caller_id, reason, error, detail, created_at
		 FROM session_events
		 WHERE session_id = ?
		 ORDER BY seq ASC
		 LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite events: query: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			ev      events.Event
			kind    string
			detail  sql.NullString
			created string
		)
		if err := rows.Scan(&ev.ID, &kind, &ev.SessionID, &ev.CallerID, &ev.Reason, &ev.Error, &detail, &created); err != nil {
			return nil, fmt.Errorf("sqlite events: scan: %w", err)
		}
		ev.Kind = events.Kind(kind)
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &ev.Detail); err != nil {
				return nil, fmt.Errorf("sqlite events: decode detail: %w", err)
			}
		}
		if ev.At, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("sqlite events: parse time: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullableText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
