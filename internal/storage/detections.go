package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/khanglvm/weapon-watch/internal/detection"
)

// Save replaces the stored records in one transaction.
func (s *SQLiteStorage) Save(ctx context.Context, detections []detection.Detection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled || s.db == nil {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM detections"); err != nil {
		return fmt.Errorf("failed to clear detections: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO detections (position, id, payload, timestamp, source_type)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, d := range detections {
		payload, err := detectionToJSON(d)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			i,
			d.ID,
			payload,
			d.Time().UTC().Format(time.RFC3339Nano),
			string(d.SourceType),
		); err != nil {
			return fmt.Errorf("failed to insert detection %s: %w", d.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit detections: %w", err)
	}
	return nil
}

// Load returns the stored records in saved order. Rows that fail to decode
// are skipped.
func (s *SQLiteStorage) Load(ctx context.Context) ([]detection.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled || s.db == nil {
		return []detection.Detection{}, nil
	}

	rows, err := s.db.QueryContext(ctx, "SELECT id, payload FROM detections ORDER BY position ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()

	out := []detection.Detection{}
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			s.logger.Warn("failed to scan detection row", "error", err)
			continue
		}
		d, err := jsonToDetection(payload)
		if err != nil {
			s.logger.Warn("skipping unreadable detection", "id", id, "error", err)
			continue
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read detections: %w", err)
	}

	return out, nil
}

// Count returns the number of stored records.
func (s *SQLiteStorage) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled || s.db == nil {
		return 0, nil
	}

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM detections").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count detections: %w", err)
	}
	return n, nil
}
