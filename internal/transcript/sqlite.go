package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/easybali/concierge/internal/domain"
	"github.com/easybali/concierge/internal/identity"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db            *sql.DB
	participantMu sync.Mutex // serializes first-use participant minting
}

// NewSQLite creates a new SQLite-backed transcript store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS transcripts (
		key TEXT PRIMARY KEY,
		messages_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS participant (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		participant_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Load returns the persisted transcript for key, or an empty sequence if
// nothing is stored. Unreadable state degrades to empty rather than failing.
func (s *SQLiteStore) Load(ctx context.Context, key string) ([]domain.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT messages_json FROM transcripts WHERE key = ?`, key)

	var raw string
	err := row.Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Warn("Failed to read transcript, starting empty", "key", key, "error", err)
		return nil, nil
	}

	var messages []domain.Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		slog.Warn("Corrupt transcript payload, starting empty", "key", key, "error", err)
		return nil, nil
	}
	return messages, nil
}

// Save overwrites the transcript stored under key.
func (s *SQLiteStore) Save(ctx context.Context, key string, messages []domain.Message) error {
	raw, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}

	query := `
	INSERT INTO transcripts (key, messages_json, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		messages_json = excluded.messages_json,
		updated_at = excluded.updated_at`

	if err := s.execRetry(ctx, query, key, string(raw), time.Now().Unix()); err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

// Clear removes the transcript stored under key.
func (s *SQLiteStore) Clear(ctx context.Context, key string) error {
	if err := s.execRetry(ctx, `DELETE FROM transcripts WHERE key = ?`, key); err != nil {
		return fmt.Errorf("clear transcript: %w", err)
	}
	return nil
}

// sqliteConflict reports the two shapes of SQLite concurrency errors that
// warrant a retry: SQLITE_BUSY and "database is locked".
func sqliteConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// execRetry runs one write statement, retrying briefly when the database is
// locked by a concurrent writer.
func (s *SQLiteStore) execRetry(ctx context.Context, query string, args ...any) error {
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		_, err = s.db.ExecContext(ctx, query, args...)
		if !sqliteConflict(err) {
			return err
		}
		time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
	}
	return err
}

// ParticipantID returns the stable per-device participant id, minting one on
// first use. A stored id that fails validation is replaced.
func (s *SQLiteStore) ParticipantID(ctx context.Context) (string, error) {
	s.participantMu.Lock()
	defer s.participantMu.Unlock()

	row := s.db.QueryRowContext(ctx, `SELECT participant_id FROM participant WHERE id = 1`)

	var id string
	err := row.Scan(&id)
	if err == nil && identity.Valid(id) {
		return id, nil
	}
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("read participant id: %w", err)
	}

	id, err = identity.NewParticipantID()
	if err != nil {
		return "", err
	}

	query := `
	INSERT INTO participant (id, participant_id, created_at)
	VALUES (1, ?, ?)
	ON CONFLICT(id) DO UPDATE SET participant_id = excluded.participant_id`

	if _, err := s.db.ExecContext(ctx, query, id, time.Now().Unix()); err != nil {
		return "", fmt.Errorf("persist participant id: %w", err)
	}

	slog.Info("Minted participant id", "participant_id", id)
	return id, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
