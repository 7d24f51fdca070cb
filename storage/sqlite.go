package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the connection pool backing the dead-letter queue
type SQLite struct {
	DB     *sql.DB
	Path   string
	Logger *zap.SugaredLogger
}

// configureSQLiteConnection sets WAL mode and busy timeout and verifies the connection
func configureSQLiteConnection(db *sql.DB, logger *zap.SugaredLogger, dbPath string) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout to prevent immediate SQLITE_BUSY errors
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	// In-memory databases report "memory" instead of "wal"
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got: %s, expected: wal)", journalMode)
	}
	logger.Debugf("SQLite journal mode verified: %s", journalMode)
	return nil
}

// NewSQLite opens (creating if needed) the database at dbPath and applies the schema
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDatabasePath, err)
	}

	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// Single writer: the DLQ writer goroutine is the only producer
	// and in-memory databases exist per connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := configureSQLiteConnection(db, logger, dbPath); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure connection: %w", err)
	}

	s := &SQLite{DB: db, Path: dbPath, Logger: logger}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Infof("SQLite database initialized at %s", dbPath)
	return s, nil
}

// createTables creates the dead-letter schema
func (s *SQLite) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS dead_letter_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		endpoint TEXT NOT NULL,
		reason TEXT NOT NULL,
		payload BLOB,
		size INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_dlq_reason ON dead_letter_queue(reason);
	CREATE INDEX IF NOT EXISTS idx_dlq_status ON dead_letter_queue(status);
	CREATE INDEX IF NOT EXISTS idx_dlq_endpoint ON dead_letter_queue(endpoint);
	`
	if _, err := s.DB.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the database
func (s *SQLite) Close() error {
	if s.DB == nil {
		return ErrDatabaseClosed
	}
	start := time.Now()
	err := s.DB.Close()
	s.Logger.Debugw("SQLite closed", "path", s.Path, "duration", time.Since(start))
	return err
}

// validateDatabasePath rejects empty, oversized, traversal and NUL-containing paths
func validateDatabasePath(dbPath string) error {
	if dbPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if len(dbPath) > 512 {
		return fmt.Errorf("database path exceeds maximum length of 512 characters")
	}
	// SECURITY: ".." can escape the configured data directory
	if strings.Contains(dbPath, "..") {
		return fmt.Errorf("path traversal not allowed (..): %s", dbPath)
	}
	if strings.Contains(dbPath, "\x00") {
		return fmt.Errorf("null bytes not allowed in path")
	}
	return nil
}
