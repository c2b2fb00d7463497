package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store persists session and memory snapshots as JSON blobs keyed by
// session id. The blobs carry their own version field; decoding is the
// caller's explicit restore step.
type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			blob TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS memories (
			session_id TEXT PRIMARY KEY,
			blob TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveSession upserts one session snapshot.
func (s *Store) SaveSession(id string, snapshot any) error {
	return s.save("sessions", "id", id, snapshot)
}

// SaveMemory upserts one memory snapshot.
func (s *Store) SaveMemory(sessionID string, snapshot any) error {
	return s.save("memories", "session_id", sessionID, snapshot)
}

func (s *Store) save(table, keyCol, id string, snapshot any) error {
	if id == "" {
		return fmt.Errorf("save %s: empty id", table)
	}
	blob, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("save %s %s: marshal: %w", table, id, err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s, blob, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(%s) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		table, keyCol, keyCol)
	if _, err := s.db.Exec(query, id, string(blob)); err != nil {
		return fmt.Errorf("save %s %s: %w", table, id, err)
	}
	return nil
}

// LoadSession decodes a session blob into out. A missing row returns false;
// a corrupt blob is logged and dropped so the session restarts fresh.
func (s *Store) LoadSession(id string, out any) (bool, error) {
	return s.load("sessions", "id", id, out)
}

// LoadMemory decodes a memory blob into out, with the same corruption
// policy as LoadSession.
func (s *Store) LoadMemory(sessionID string, out any) (bool, error) {
	return s.load("memories", "session_id", sessionID, out)
}

func (s *Store) load(table, keyCol, id string, out any) (bool, error) {
	var blob string
	query := fmt.Sprintf("SELECT blob FROM %s WHERE %s = ?", table, keyCol)
	err := s.db.QueryRow(query, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s %s: %w", table, id, err)
	}
	if err := json.Unmarshal([]byte(blob), out); err != nil {
		log.Printf("[store] %s %s: corrupt blob, recreating fresh: %v", table, id, err)
		if _, delErr := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, keyCol), id); delErr != nil {
			log.Printf("[store] %s %s: drop corrupt blob: %v", table, id, delErr)
		}
		return false, nil
	}
	return true, nil
}

// ListSessions returns the ids of all persisted sessions.
func (s *Store) ListSessions() ([]string, error) {
	rows, err := s.db.Query("SELECT id FROM sessions ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list sessions: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteSession removes a session and its memory blob.
func (s *Store) DeleteSession(id string) error {
	if _, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if _, err := s.db.Exec("DELETE FROM memories WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("delete session memory %s: %w", id, err)
	}
	return nil
}
