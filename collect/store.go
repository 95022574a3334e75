// Package collect is the ingest side of session replay: an HTTP service that
// accepts session initialisation and packed event batches from recording
// agents and persists them to SQLite for later replay.
package collect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tempslabs/replay/dbopen"
	"github.com/tempslabs/replay/event"
)

const schema = `
CREATE TABLE IF NOT EXISTS replay_sessions (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id     TEXT NOT NULL UNIQUE,
	visitor_id     TEXT NOT NULL DEFAULT '',
	user_agent     TEXT NOT NULL DEFAULT '',
	language       TEXT NOT NULL DEFAULT '',
	timezone       TEXT NOT NULL DEFAULT '',
	screen_width   INTEGER NOT NULL DEFAULT 0,
	screen_height  INTEGER NOT NULL DEFAULT 0,
	color_depth    INTEGER NOT NULL DEFAULT 0,
	viewport_width  INTEGER NOT NULL DEFAULT 0,
	viewport_height INTEGER NOT NULL DEFAULT 0,
	url            TEXT NOT NULL DEFAULT '',
	duration_ms    INTEGER,
	created_at     INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE TABLE IF NOT EXISTS replay_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES replay_sessions(session_id) ON DELETE CASCADE,
	kind       TEXT NOT NULL,
	target     TEXT NOT NULL DEFAULT '',
	timestamp  INTEGER NOT NULL,
	data       TEXT
);

CREATE INDEX IF NOT EXISTS idx_replay_events_session
	ON replay_events(session_id, timestamp);
`

// ErrSessionNotFound reports an operation against an unknown session.
var ErrSessionNotFound = errors.New("collect: session not found")

// Session is one stored recording session.
type Session struct {
	ID             int64   `json:"id"`
	SessionID      string  `json:"session_id"`
	VisitorID      string  `json:"visitor_id"`
	UserAgent      string  `json:"user_agent"`
	Language       string  `json:"language"`
	Timezone       string  `json:"timezone"`
	ScreenWidth    int     `json:"screen_width"`
	ScreenHeight   int     `json:"screen_height"`
	ColorDepth     int     `json:"color_depth"`
	ViewportWidth  int     `json:"viewport_width"`
	ViewportHeight int     `json:"viewport_height"`
	URL            string  `json:"url"`
	DurationMs     *int64  `json:"duration_ms"`
	CreatedAt      int64   `json:"created_at"`
	EventCount     int64   `json:"event_count"`
}

// StoredEvent is one persisted replay event.
type StoredEvent struct {
	ID        int64      `json:"id"`
	SessionID string     `json:"session_id"`
	Kind      event.Kind `json:"kind"`
	Target    string     `json:"target,omitempty"`
	Timestamp int64      `json:"timestamp"`
	Data      string     `json:"data,omitempty"`
}

// Store persists sessions and their events.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the collector database at path.
func OpenStore(path string) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(schema))
	if err != nil {
		return nil, fmt.Errorf("collect: open store: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMemoryStore opens an in-memory store for tests.
func OpenMemoryStore(t *testing.T) *Store {
	t.Helper()
	return &Store{db: dbopen.OpenMemory(t, dbopen.WithSchema(schema))}
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// CreateSession inserts a session row. Re-initialising an existing session
// ID is accepted and leaves the original row in place.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	_, err := dbopen.Exec(ctx, s.db, `
		INSERT INTO replay_sessions
			(session_id, visitor_id, user_agent, language, timezone,
			 screen_width, screen_height, color_depth,
			 viewport_width, viewport_height, url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING
	`, sess.SessionID, sess.VisitorID, sess.UserAgent, sess.Language, sess.Timezone,
		sess.ScreenWidth, sess.ScreenHeight, sess.ColorDepth,
		sess.ViewportWidth, sess.ViewportHeight, sess.URL, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("collect: create session: %w", err)
	}
	return nil
}

// SessionExists reports whether session_id is known.
func (s *Store) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM replay_sessions WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("collect: session exists: %w", err)
	}
	return n > 0, nil
}

// AppendEvents stores a batch of events for an existing session.
func (s *Store) AppendEvents(ctx context.Context, sessionID string, events []event.Event) error {
	ok, err := s.SessionExists(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSessionNotFound
	}

	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO replay_events (session_id, kind, target, timestamp, data)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, ev := range events {
			var data any
			if len(ev.Data) > 0 {
				data = string(ev.Data)
			}
			if _, err := stmt.ExecContext(ctx, sessionID, string(ev.Kind), ev.Target, ev.Timestamp, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSession returns one session with its event count.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.session_id, s.visitor_id, s.user_agent, s.language, s.timezone,
		       s.screen_width, s.screen_height, s.color_depth,
		       s.viewport_width, s.viewport_height, s.url, s.duration_ms, s.created_at,
		       (SELECT COUNT(*) FROM replay_events e WHERE e.session_id = s.session_id)
		FROM replay_sessions s WHERE s.session_id = ?
	`, sessionID).Scan(
		&sess.ID, &sess.SessionID, &sess.VisitorID, &sess.UserAgent, &sess.Language,
		&sess.Timezone, &sess.ScreenWidth, &sess.ScreenHeight, &sess.ColorDepth,
		&sess.ViewportWidth, &sess.ViewportHeight, &sess.URL, &sess.DurationMs,
		&sess.CreatedAt, &sess.EventCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("collect: get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns one page of sessions, newest first, with the total
// session count.
func (s *Store) ListSessions(ctx context.Context, page, perPage int64) ([]Session, int64, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}
	if perPage > 100 {
		perPage = 100
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM replay_sessions`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("collect: count sessions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.session_id, s.visitor_id, s.user_agent, s.language, s.timezone,
		       s.screen_width, s.screen_height, s.color_depth,
		       s.viewport_width, s.viewport_height, s.url, s.duration_ms, s.created_at,
		       (SELECT COUNT(*) FROM replay_events e WHERE e.session_id = s.session_id)
		FROM replay_sessions s
		ORDER BY s.created_at DESC, s.id DESC
		LIMIT ? OFFSET ?
	`, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, fmt.Errorf("collect: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(
			&sess.ID, &sess.SessionID, &sess.VisitorID, &sess.UserAgent, &sess.Language,
			&sess.Timezone, &sess.ScreenWidth, &sess.ScreenHeight, &sess.ColorDepth,
			&sess.ViewportWidth, &sess.ViewportHeight, &sess.URL, &sess.DurationMs,
			&sess.CreatedAt, &sess.EventCount); err != nil {
			return nil, 0, fmt.Errorf("collect: scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, total, rows.Err()
}

// GetEvents returns a session's events in timestamp order.
func (s *Store) GetEvents(ctx context.Context, sessionID string) ([]StoredEvent, error) {
	ok, err := s.SessionExists(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kind, target, timestamp, COALESCE(data, '')
		FROM replay_events WHERE session_id = ?
		ORDER BY timestamp, id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("collect: get events: %w", err)
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		var kind string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &kind, &ev.Target, &ev.Timestamp, &ev.Data); err != nil {
			return nil, fmt.Errorf("collect: scan event: %w", err)
		}
		ev.Kind = event.Kind(kind)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// UpdateDuration records the session's total duration in milliseconds.
func (s *Store) UpdateDuration(ctx context.Context, sessionID string, durationMs int64) error {
	res, err := dbopen.Exec(ctx, s.db,
		`UPDATE replay_sessions SET duration_ms = ? WHERE session_id = ?`,
		durationMs, sessionID)
	if err != nil {
		return fmt.Errorf("collect: update duration: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("collect: update duration: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes a session and, via cascade, its events.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := dbopen.Exec(ctx, s.db,
		`DELETE FROM replay_sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("collect: delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("collect: delete session: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// now is the session clock, separated for tests.
var now = func() int64 { return time.Now().Unix() }
