/*
Package storage persists the most recent detection records across restarts.

Two drivers are provided: SQLite (the default, a pure Go modernc.org/sqlite
database at ~/.weapon-watch/detections.db) and Redis (a single list key).
Both degrade gracefully: if the backing database cannot be opened the storage
is disabled and every operation becomes a no-op, so a missing cache never
blocks the client.
*/
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/khanglvm/weapon-watch/internal/detection"
)

// Storage persists an ordered list of detection records. Save replaces
// whatever was stored before.
type Storage interface {
	// Init opens the backing database and prepares its schema.
	Init() error

	// Load returns the stored records, newest first.
	Load(ctx context.Context) ([]detection.Detection, error)

	// Save replaces the stored records.
	Save(ctx context.Context, detections []detection.Detection) error

	// Close releases the backing database.
	Close() error
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db       *sql.DB
	dbPath   string
	enabled  bool
	logger   *slog.Logger
	mu       sync.Mutex
	initOnce sync.Once
}

// DefaultSQLitePath returns ~/.weapon-watch/detections.db.
func DefaultSQLitePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".weapon-watch", "detections.db"), nil
}

// NewSQLiteStorage creates a SQLite storage instance at dbPath. An empty path
// selects DefaultSQLitePath. If no path can be determined the storage is
// disabled but operations will not fail.
func NewSQLiteStorage(dbPath string, logger *slog.Logger) *SQLiteStorage {
	if logger == nil {
		logger = slog.Default()
	}

	if dbPath == "" {
		p, err := DefaultSQLitePath()
		if err != nil {
			logger.Warn("sqlite storage disabled", "error", err)
			return &SQLiteStorage{enabled: false, logger: logger}
		}
		dbPath = p
	}

	return &SQLiteStorage{
		dbPath:  dbPath,
		enabled: true,
		logger:  logger,
	}
}

// Path returns the database file path.
func (s *SQLiteStorage) Path() string {
	return s.dbPath
}

// Enabled reports whether the storage is usable.
func (s *SQLiteStorage) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Init initializes the database and runs migrations.
//
// If initialization fails, storage is disabled and subsequent operations
// become no-ops (graceful degradation).
func (s *SQLiteStorage) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		return nil
	}

	var initErr error
	s.initOnce.Do(func() {
		dbDir := filepath.Dir(s.dbPath)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			initErr = fmt.Errorf("failed to create db directory: %w", err)
			s.disable(initErr)
			return
		}

		db, err := sql.Open("sqlite", s.dbPath)
		if err != nil {
			initErr = fmt.Errorf("failed to open database: %w", err)
			s.disable(initErr)
			return
		}
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		s.db = db

		if err := db.Ping(); err != nil {
			initErr = fmt.Errorf("failed to ping database: %w", err)
			s.disable(initErr)
			return
		}

		if err := s.runMigrations(); err != nil {
			initErr = fmt.Errorf("failed to run migrations: %w", err)
			s.disable(initErr)
			return
		}
	})

	return initErr
}

// disable turns the storage into a no-op after a failure. Caller holds s.mu.
func (s *SQLiteStorage) disable(err error) {
	s.logger.Warn("sqlite storage disabled", "path", s.dbPath, "error", err)
	s.enabled = false
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled || s.db == nil {
		return nil
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.db = nil
	return nil
}
