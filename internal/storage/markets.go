package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/polysignal/internal/models"
)

// Leaderboard sort fields, all descending.
const (
	SortAlertCount     = "alert_count"
	SortAvgDiscrepancy = "avg_discrepancy"
	SortAvgConfidence  = "avg_confidence"
)

// ErrUnknownSort is returned for a leaderboard sort field that does not exist.
var ErrUnknownSort = errors.New("unknown sort field")

var leaderboardOrder = map[string]string{
	SortAlertCount:     "alert_count DESC, avg_discrepancy DESC",
	SortAvgDiscrepancy: "avg_discrepancy DESC, alert_count DESC",
	SortAvgConfidence:  "avg_confidence DESC, alert_count DESC",
}

// Trend labels compare a market's alerts on its latest alert day with its total.
const (
	TrendUp     = "up"
	TrendStable = "stable"
	TrendDown   = "down"
)

// MarketStats aggregates the alerts raised for one market.
type MarketStats struct {
	Rank           int                     `json:"rank"`
	MarketID       string                  `json:"market_id"`
	Question       string                  `json:"question"`
	AlertCount     int                     `json:"alert_count"`
	AvgDiscrepancy float64                 `json:"avg_discrepancy"`
	AvgConfidence  float64                 `json:"avg_confidence"`
	LastAlertAt    time.Time               `json:"last_alert_timestamp"`
	BySeverity     map[models.Severity]int `json:"severity_breakdown"`
	Trend          string                  `json:"trend"`
}

const dayNanos = int64(24 * time.Hour)

// MarketLeaderboard ranks markets with at least minAlerts alerts by sortBy.
// Averages are rounded to four decimals.
func (s *Storage) MarketLeaderboard(ctx context.Context, sortBy string, minAlerts, limit int) ([]MarketStats, error) {
	if sortBy == "" {
		sortBy = SortAlertCount
	}
	order, ok := leaderboardOrder[sortBy]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSort, sortBy)
	}
	if limit <= 0 {
		limit = 20
	}

	// recent counts alerts from the UTC day of the market's latest alert.
	rows, err := s.db.QueryContext(ctx, `WITH latest AS (
			SELECT market_id, MAX(created_at) AS last_at FROM alerts GROUP BY market_id
		)
		SELECT a.market_id, MAX(a.market_question), COUNT(*) AS alert_count,
			ROUND(AVG(a.discrepancy), 4) AS avg_discrepancy,
			ROUND(AVG(a.confidence), 4) AS avg_confidence,
			l.last_at,
			SUM(CASE WHEN a.severity = 'CRITICAL' THEN 1 ELSE 0 END),
			SUM(CASE WHEN a.severity = 'WARNING' THEN 1 ELSE 0 END),
			SUM(CASE WHEN a.severity = 'INFO' THEN 1 ELSE 0 END),
			SUM(CASE WHEN a.created_at >= l.last_at - (l.last_at % ?) THEN 1 ELSE 0 END)
		FROM alerts a JOIN latest l ON l.market_id = a.market_id
		GROUP BY a.market_id, l.last_at
		HAVING COUNT(*) >= ?
		ORDER BY `+order+`, a.market_id ASC
		LIMIT ?`, dayNanos, max(minAlerts, 1), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to build market leaderboard: %w", err)
	}
	defer rows.Close()

	var out []MarketStats
	for rows.Next() {
		var m MarketStats
		var lastAt int64
		var critical, warning, info, recent int
		if err := rows.Scan(&m.MarketID, &m.Question, &m.AlertCount, &m.AvgDiscrepancy, &m.AvgConfidence,
			&lastAt, &critical, &warning, &info, &recent); err != nil {
			return nil, fmt.Errorf("failed to scan market stats: %w", err)
		}
		m.Rank = len(out) + 1
		m.LastAlertAt = fromNanos(lastAt)
		m.BySeverity = map[models.Severity]int{
			models.SeverityCritical: critical,
			models.SeverityWarning:  warning,
			models.SeverityInfo:     info,
		}
		m.Trend = marketTrend(m.AlertCount, recent)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read market leaderboard: %w", err)
	}
	return out, nil
}

func marketTrend(total, recent int) string {
	switch {
	case total > 0 && recent*2 >= total:
		return TrendUp
	case recent > 0:
		return TrendStable
	default:
		return TrendDown
	}
}
