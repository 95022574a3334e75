// Package kv is the agent's durable client-side store — the analog of the
// browser's localStorage. It holds the handful of keys the recorder persists
// across restarts: the current recording session ID and the stable visitor ID.
package kv

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tempslabs/replay/dbopen"
	"github.com/tempslabs/replay/idgen"
)

// Well-known keys. Names match the browser SDK's storage entries so that a
// session can be correlated across both implementations.
const (
	KeySessionID = "currentRecordingSessionId"
	KeyVisitorID = "temps_visitor_id"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("kv: key not found")

const schema = `
CREATE TABLE IF NOT EXISTS replay_kv (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
`

// Store is an SQLite-backed key-value store scoped to one agent instance.
type Store struct {
	db    *sql.DB
	newID idgen.Generator
}

// Option configures a Store.
type Option func(*Store)

// WithVisitorIDGenerator sets the generator used to mint a visitor ID on
// first use. Default: "vis_" + UUIDv7.
func WithVisitorIDGenerator(gen idgen.Generator) Option {
	return func(s *Store) { s.newID = gen }
}

// Open opens (or creates) the store at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(schema))
	if err != nil {
		return nil, fmt.Errorf("kv: open: %w", err)
	}
	return newStore(db, opts...), nil
}

// OpenMemory opens an in-memory store for tests.
func OpenMemory(t testing.TB, opts ...Option) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(schema))
	return newStore(db, opts...)
}

func newStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:    db,
		newID: idgen.Prefixed("vis_", idgen.Default),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the value for key, or ErrNotFound.
func (s *Store) Get(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM replay_kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv: get %s: %w", key, err)
	}
	return v, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO replay_kv (key, value, updated_at) VALUES (?,?,?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("kv: set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM replay_kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kv: delete %s: %w", key, err)
	}
	return nil
}

// VisitorID returns the stable pseudo-anonymous visitor ID, minting and
// persisting one on first use.
func (s *Store) VisitorID() (string, error) {
	id, err := s.Get(KeyVisitorID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	id = s.newID()
	if err := s.Set(KeyVisitorID, id); err != nil {
		return "", err
	}
	return id, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
