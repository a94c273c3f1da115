package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rewired-gh/polysignal/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// AlertFilter narrows alert queries. Zero values mean "no filter".
type AlertFilter struct {
	Severity      models.Severity
	MarketID      string
	MinConfidence float64
	Since         time.Time
	Limit         int
	Offset        int
}

// AlertStats summarizes stored alerts.
type AlertStats struct {
	Total      int                     `json:"total_alerts"`
	BySeverity map[models.Severity]int `json:"by_severity"`
	Last24h    int                     `json:"last_24h"`
}

const alertColumns = `id, opportunity_id, severity, title, message, news_url, news_title, market_id,
	market_question, reasoning, confidence, current_price, expected_price, discrepancy,
	potential_profit, recommended_action, created_at`

// SaveAlert inserts or replaces an alert.
func (s *Storage) SaveAlert(ctx context.Context, a *models.Alert) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid alert: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OpportunityID, string(a.Severity), a.Title, a.Message, a.NewsURL, a.NewsTitle, a.MarketID,
		a.MarketQuestion, a.Reasoning, a.Confidence, a.CurrentPrice, a.ExpectedPrice, a.Discrepancy,
		a.PotentialProfit, string(a.RecommendedAction), toNanos(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save alert %s: %w", a.ID, err)
	}
	return nil
}

// GetAlert returns one alert by ID.
func (s *Storage) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert %s: %w", id, err)
	}
	return a, nil
}

// ListAlerts returns alerts newest first.
func (s *Storage) ListAlerts(ctx context.Context, f AlertFilter) ([]models.Alert, error) {
	where, args := f.where()
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM alerts`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return collectAlerts(rows)
}

// CountAlerts counts alerts matching the filter; Limit and Offset are ignored.
func (s *Storage) CountAlerts(ctx context.Context, f AlertFilter) (int, error) {
	where, args := f.where()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}

// AlertsSince returns alerts created strictly after t, oldest first.
func (s *Storage) AlertsSince(ctx context.Context, t time.Time) ([]models.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE created_at > ? ORDER BY created_at ASC`, toNanos(t))
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts since %s: %w", t.Format(time.RFC3339), err)
	}
	return collectAlerts(rows)
}

// AlertHistory returns alerts matching f oldest first. Offset is ignored and a
// non-positive Limit means no limit.
func (s *Storage) AlertHistory(ctx context.Context, f AlertFilter) ([]models.Alert, error) {
	where, args := f.where()
	query := `SELECT ` + alertColumns + ` FROM alerts` + where + ` ORDER BY created_at ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert history: %w", err)
	}
	return collectAlerts(rows)
}

// AlertStats returns totals by severity and for the last 24 hours.
func (s *Storage) AlertStats(ctx context.Context, now time.Time) (*AlertStats, error) {
	stats := &AlertStats{BySeverity: map[models.Severity]int{
		models.SeverityInfo:     0,
		models.SeverityWarning:  0,
		models.SeverityCritical: 0,
	}}

	rows, err := s.db.QueryContext(ctx, `SELECT severity, COUNT(*) FROM alerts GROUP BY severity`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate alerts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, fmt.Errorf("failed to scan alert stats: %w", err)
		}
		stats.BySeverity[models.Severity(sev)] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to aggregate alerts: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts WHERE created_at >= ?`,
		toNanos(now.Add(-24*time.Hour))).Scan(&stats.Last24h)
	if err != nil {
		return nil, fmt.Errorf("failed to count recent alerts: %w", err)
	}
	return stats, nil
}

func (f AlertFilter) where() (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if f.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.MarketID != "" {
		clauses = append(clauses, "market_id = ?")
		args = append(args, f.MarketID)
	}
	if f.MinConfidence > 0 {
		clauses = append(clauses, "confidence >= ?")
		args = append(args, f.MinConfidence)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, toNanos(f.Since))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row scanner) (*models.Alert, error) {
	var a models.Alert
	var severity, action string
	var created int64
	err := row.Scan(&a.ID, &a.OpportunityID, &severity, &a.Title, &a.Message, &a.NewsURL, &a.NewsTitle,
		&a.MarketID, &a.MarketQuestion, &a.Reasoning, &a.Confidence, &a.CurrentPrice, &a.ExpectedPrice,
		&a.Discrepancy, &a.PotentialProfit, &action, &created)
	if err != nil {
		return nil, err
	}
	a.Severity = models.Severity(severity)
	a.RecommendedAction = models.Action(action)
	a.CreatedAt = fromNanos(created)
	return &a, nil
}

func collectAlerts(rows *sql.Rows) ([]models.Alert, error) {
	defer rows.Close()
	var out []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read alerts: %w", err)
	}
	return out, nil
}
