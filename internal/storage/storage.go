package storage

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store handles SQLite operations for sessions, participants and messages.
// The realtime layer consumes it through narrow interfaces; this is the one
// durable collaborator of the event-distribution core.
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (or creates) the database at dbPath and migrates the schema.
func NewStore(dbPath string) (*Store, error) {
	if !strings.HasPrefix(dbPath, ":memory:") && !strings.Contains(dbPath, "mode=memory") {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &Store{db: db, dbPath: dbPath}

	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate ensures the database schema is up to date.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS apps (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		name TEXT
	);

	CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		app_id TEXT NOT NULL,
		title TEXT,
		mode TEXT NOT NULL DEFAULT 'ai',
		operator_id TEXT,
		multiplayer BOOLEAN NOT NULL DEFAULT FALSE,
		owner_consumer_id TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		last_activity_at DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (app_id) REFERENCES apps(id)
	);

	CREATE TABLE IF NOT EXISTS participants (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		display_name TEXT NOT NULL,
		avatar_color TEXT,
		is_anonymous BOOLEAN NOT NULL DEFAULT FALSE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		anonymous_token TEXT,
		consumer_id TEXT,
		last_seen_at DATETIME,
		FOREIGN KEY (session_id) REFERENCES chat_sessions(id)
	);

	CREATE TABLE IF NOT EXISTS consumer_sessions (
		id TEXT PRIMARY KEY,
		expires_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		human_authored BOOLEAN NOT NULL DEFAULT FALSE,
		author_id TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (session_id) REFERENCES chat_sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_participants_session ON participants(session_id);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// NewID generates a random identifier.
func NewID() string {
	bytes := make([]byte, 12)
	if _, err := rand.Read(bytes); err != nil {
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	return hex.EncodeToString(bytes)
}
