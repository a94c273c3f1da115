package metrics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rewired-gh/polysignal/internal/models"
)

// Interval is a bucket width for alert time series.
type Interval string

const (
	IntervalHour Interval = "hour"
	IntervalDay  Interval = "day"
	IntervalWeek Interval = "week"
)

// ParseInterval parses hour, day or week. Empty means hour.
func ParseInterval(s string) (Interval, error) {
	switch iv := Interval(strings.ToLower(strings.TrimSpace(s))); iv {
	case "":
		return IntervalHour, nil
	case IntervalHour, IntervalDay, IntervalWeek:
		return iv, nil
	default:
		return "", fmt.Errorf("unknown interval %q", s)
	}
}

// Truncate returns the UTC start of the bucket holding t. Weeks start on Monday.
func (iv Interval) Truncate(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch iv {
	case IntervalDay:
		return day
	case IntervalWeek:
		return day.AddDate(0, 0, -((int(day.Weekday()) + 6) % 7))
	default:
		return t.Truncate(time.Hour)
	}
}

// Label names the bucket starting at start.
func (iv Interval) Label(start time.Time) string {
	switch iv {
	case IntervalDay:
		return start.Format("2006-01-02")
	case IntervalWeek:
		year, week := start.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	default:
		return start.Format("2006-01-02 15:00")
	}
}

// TimelineSamples is how many alerts each timeline group carries.
const TimelineSamples = 3

type TimelineGroup struct {
	Period        string                  `json:"period"`
	Start         time.Time               `json:"period_start"`
	Count         int                     `json:"count"`
	BySeverity    map[models.Severity]int `json:"by_severity"`
	AvgConfidence float64                 `json:"avg_confidence"`
	SampleAlerts  []models.Alert          `json:"sample_alerts"`
}

// Timeline groups alerts by interval, oldest bucket first. Each group keeps its
// newest alerts as samples.
func Timeline(alerts []models.Alert, iv Interval) []TimelineGroup {
	groups := []TimelineGroup{}
	index := make(map[int64]int)
	for _, a := range alerts {
		start := iv.Truncate(a.CreatedAt)
		i, ok := index[start.UnixNano()]
		if !ok {
			i = len(groups)
			index[start.UnixNano()] = i
			groups = append(groups, TimelineGroup{
				Period: iv.Label(start),
				Start:  start,
				BySeverity: map[models.Severity]int{
					models.SeverityCritical: 0,
					models.SeverityWarning:  0,
					models.SeverityInfo:     0,
				},
			})
		}
		g := &groups[i]
		g.Count++
		g.BySeverity[a.Severity]++
		g.AvgConfidence += a.Confidence
		g.SampleAlerts = append(g.SampleAlerts, a)
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].Start.Before(groups[j].Start) })
	for i := range groups {
		g := &groups[i]
		g.AvgConfidence /= float64(g.Count)
		sort.SliceStable(g.SampleAlerts, func(a, b int) bool {
			return g.SampleAlerts[a].CreatedAt.After(g.SampleAlerts[b].CreatedAt)
		})
		if len(g.SampleAlerts) > TimelineSamples {
			g.SampleAlerts = g.SampleAlerts[:TimelineSamples]
		}
	}
	return groups
}

// PricePoint averages the prices quoted by the alerts in one bucket.
type PricePoint struct {
	Period        string    `json:"timestamp"`
	Start         time.Time `json:"period_start"`
	CurrentPrice  float64   `json:"current_price"`
	ExpectedPrice float64   `json:"expected_price"`
	Discrepancy   float64   `json:"discrepancy"`
	AlertCount    int       `json:"alert_count"`
}

// PriceTrend buckets one market's alerts by interval, oldest first.
func PriceTrend(alerts []models.Alert, iv Interval) []PricePoint {
	points := []PricePoint{}
	index := make(map[int64]int)
	for _, a := range alerts {
		start := iv.Truncate(a.CreatedAt)
		i, ok := index[start.UnixNano()]
		if !ok {
			i = len(points)
			index[start.UnixNano()] = i
			points = append(points, PricePoint{Period: iv.Label(start), Start: start})
		}
		p := &points[i]
		p.AlertCount++
		p.CurrentPrice += a.CurrentPrice
		p.ExpectedPrice += a.ExpectedPrice
		p.Discrepancy += a.Discrepancy
	}

	sort.Slice(points, func(i, j int) bool { return points[i].Start.Before(points[j].Start) })
	for i := range points {
		p := &points[i]
		n := float64(p.AlertCount)
		p.CurrentPrice /= n
		p.ExpectedPrice /= n
		p.Discrepancy /= n
	}
	return points
}
