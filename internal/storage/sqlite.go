/*
Package storage provides SQLite database migrations and record serialization.

Records are stored as their JSON encoding so fields the backend adds later
survive a round trip; id and timestamp are duplicated into columns for
indexing.
*/
package storage

import (
	"encoding/json"
	"fmt"

	"github.com/khanglvm/weapon-watch/internal/detection"
)

// runMigrations executes database schema migrations.
func (s *SQLiteStorage) runMigrations() error {
	if !s.enabled || s.db == nil {
		return nil
	}

	if err := s.createMigrationsTable(); err != nil {
		return err
	}

	version, err := s.getCurrentMigrationVersion()
	if err != nil {
		return err
	}

	migrations := []migration{
		{version: 1, name: "detections", up: s.migration001Detections},
		{version: 2, name: "detections_source_index", up: s.migration002SourceIndex},
	}

	for _, m := range migrations {
		if version < m.version {
			s.logger.Info("running migration", "version", m.version, "name", m.name)
			if err := m.up(); err != nil {
				return fmt.Errorf("migration %d failed: %w", m.version, err)
			}
			if err := s.setMigrationVersion(m.version, m.name); err != nil {
				return err
			}
		}
	}

	return nil
}

// migration represents a single database migration.
type migration struct {
	version int
	name    string
	up      func() error
}

// createMigrationsTable creates the schema_migrations table.
func (s *SQLiteStorage) createMigrationsTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`
	_, err := s.db.Exec(query)
	return err
}

// getCurrentMigrationVersion returns the highest applied migration version.
func (s *SQLiteStorage) getCurrentMigrationVersion() (int, error) {
	query := "SELECT COALESCE(MAX(version), 0) FROM schema_migrations"
	row := s.db.QueryRow(query)

	var version int
	if err := row.Scan(&version); err != nil {
		return 0, err
	}

	return version, nil
}

// setMigrationVersion records a migration as applied.
func (s *SQLiteStorage) setMigrationVersion(version int, name string) error {
	query := "INSERT INTO schema_migrations (version, name) VALUES (?, ?)"
	_, err := s.db.Exec(query, version, name)
	return err
}

// migration001Detections creates the detections table. position 0 is the
// newest record.
func (s *SQLiteStorage) migration001Detections() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS detections (
			position INTEGER PRIMARY KEY,
			id TEXT NOT NULL,
			payload TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create detections table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_detections_timestamp
		ON detections(timestamp DESC)
	`); err != nil {
		return fmt.Errorf("failed to create detections timestamp index: %w", err)
	}

	return nil
}

// migration002SourceIndex adds a source_type column for filtered reads.
func (s *SQLiteStorage) migration002SourceIndex() error {
	if _, err := s.db.Exec(`ALTER TABLE detections ADD COLUMN source_type TEXT NOT NULL DEFAULT ''`); err != nil {
		return fmt.Errorf("failed to add source_type column: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_detections_source
		ON detections(source_type)
	`); err != nil {
		return fmt.Errorf("failed to create detections source index: %w", err)
	}

	return nil
}

// detectionToJSON encodes a record for storage.
func detectionToJSON(d detection.Detection) (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to marshal detection %s: %w", d.ID, err)
	}
	return string(data), nil
}

// jsonToDetection parses a stored record.
func jsonToDetection(payload string) (detection.Detection, error) {
	var d detection.Detection
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return detection.Detection{}, err
	}
	return d, nil
}
