package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rewired-gh/polysignal/internal/models"
)

// StoredCycle is a persisted cycle record. ID is the row id, which stays unique
// across worker restarts while CycleID restarts at 1.
type StoredCycle struct {
	ID     int64              `json:"id"`
	Record models.CycleRecord `json:"record"`
}

// SaveCycle appends a finished cycle record.
func (s *Storage) SaveCycle(ctx context.Context, rec *models.CycleRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode cycle %d: %w", rec.CycleID, err)
	}

	var end sql.NullInt64
	if rec.EndTime != nil {
		end = sql.NullInt64{Int64: toNanos(*rec.EndTime), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO cycle_metrics
		(cycle_id, query, start_time, end_time, news_new, opportunities_detected, alerts_generated, error_count, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CycleID, rec.Query, toNanos(rec.StartTime), end, rec.NewsNew,
		rec.OpportunitiesDetected, rec.AlertsGenerated, len(rec.Errors), string(data))
	if err != nil {
		return fmt.Errorf("failed to save cycle %d: %w", rec.CycleID, err)
	}
	return nil
}

// GetCycle returns a stored cycle by row id.
func (s *Storage) GetCycle(ctx context.Context, id int64) (*StoredCycle, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, record FROM cycle_metrics WHERE id = ?`, id)
	c, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cycle %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle %d: %w", id, err)
	}
	return c, nil
}

// RecentCycles returns up to limit cycles, newest first.
func (s *Storage) RecentCycles(ctx context.Context, limit int) ([]StoredCycle, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, record FROM cycle_metrics ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}
	return collectCycles(rows)
}

// AllCycles returns every stored cycle, oldest first.
func (s *Storage) AllCycles(ctx context.Context) ([]StoredCycle, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, record FROM cycle_metrics ORDER BY start_time ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}
	return collectCycles(rows)
}

// CountCycles returns the number of stored cycles.
func (s *Storage) CountCycles(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cycle_metrics`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count cycles: %w", err)
	}
	return n, nil
}

func scanCycle(row scanner) (*StoredCycle, error) {
	var c StoredCycle
	var data string
	if err := row.Scan(&c.ID, &data); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &c.Record); err != nil {
		return nil, fmt.Errorf("failed to decode cycle %d: %w", c.ID, err)
	}
	return &c, nil
}

func collectCycles(rows *sql.Rows) ([]StoredCycle, error) {
	defer rows.Close()
	var out []StoredCycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read cycles: %w", err)
	}
	return out, nil
}
