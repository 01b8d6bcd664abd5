// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens a private
// in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: the pragmas below are per-connection, and every pooled
	// connection to :memory: would get its own database.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
// Timestamps are unix nanoseconds so ordering in SQL matches Go ordering.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id             TEXT PRIMARY KEY,
			participant_a  TEXT NOT NULL,
			participant_b  TEXT NOT NULL,
			last_sender    TEXT,
			last_preview   TEXT,
			last_has_media INTEGER NOT NULL DEFAULT 0,
			last_at        INTEGER,
			created_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL,

			CHECK (participant_a < participant_b)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_pair
			ON conversations(participant_a, participant_b);
		CREATE INDEX IF NOT EXISTS idx_conversations_a ON conversations(participant_a, updated_at);
		CREATE INDEX IF NOT EXISTS idx_conversations_b ON conversations(participant_b, updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			client_id       TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			receiver_id     TEXT NOT NULL,
			content         TEXT NOT NULL DEFAULT '',
			media_urls      TEXT,
			media_type      TEXT NOT NULL DEFAULT 'text',
			sticker_json    TEXT,
			poll_json       TEXT,
			read            INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),

			CHECK (media_type IN ('text', 'image', 'video', 'file', 'sticker', 'poll'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at, id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client_id
			ON messages(conversation_id, client_id) WHERE client_id != '';

		CREATE TABLE IF NOT EXISTS profiles (
			user_id      TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			avatar_url   TEXT,
			updated_at   INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS presence (
			user_id    TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			last_seen  INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,

			CHECK (status IN ('online', 'busy', 'offline'))
		);

		CREATE INDEX IF NOT EXISTS idx_presence_status_seen ON presence(status, last_seen);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isUniqueConstraintError checks if an error is a unique constraint violation.
func isUniqueConstraintError(err error) bool {
	// SQLite returns "UNIQUE constraint failed" in the error message
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "unique constraint"))
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
