package models

import (
	"fmt"
	"time"
)

// CycleRecord describes one pass of the detection pipeline. It is created when a
// cycle starts, filled in stage by stage and finalized with EndTime when the last
// stage returns, whether or not any stage failed.
type CycleRecord struct {
	CycleID   int64      `json:"cycle_id"`
	Query     string     `json:"query"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	NewsFetched       int `json:"news_articles_fetched"`
	NewsNew           int `json:"news_articles_new"`
	MarketsFetched    int `json:"markets_fetched"`
	MarketsWithPrices int `json:"markets_with_prices"`

	ImpactsAnalyzed     int           `json:"impacts_analyzed"`
	ImpactsSignificant  int           `json:"impacts_significant"`
	FallbackAssessments int           `json:"fallback_assessments"`
	ReasoningTime       time.Duration `json:"reasoning_time_total"`

	OpportunitiesDetected       int `json:"opportunities_detected"`
	OpportunitiesHighConfidence int `json:"opportunities_high_confidence"`

	AlertsGenerated  int              `json:"alerts_generated"`
	AlertsBySeverity map[Severity]int `json:"alerts_by_severity"`

	APICalls map[string]int64 `json:"api_calls"`
	Errors   []string         `json:"errors"`
}

// NewCycleRecord starts a record for cycle id at start.
func NewCycleRecord(id int64, query string, start time.Time) *CycleRecord {
	return &CycleRecord{
		CycleID:          id,
		Query:            query,
		StartTime:        start,
		AlertsBySeverity: make(map[Severity]int),
		APICalls:         make(map[string]int64),
		Errors:           []string{},
	}
}

// AddError appends a formatted, human-readable error to the record.
func (c *CycleRecord) AddError(format string, args ...interface{}) {
	c.Errors = append(c.Errors, fmt.Sprintf(format, args...))
}

// Finish sets the end time.
func (c *CycleRecord) Finish(now time.Time) {
	c.EndTime = &now
}

// Duration is zero until the record is finished.
func (c *CycleRecord) Duration() time.Duration {
	if c.EndTime == nil {
		return 0
	}
	return c.EndTime.Sub(c.StartTime)
}

// NewsToAlertRate is alerts generated per new news item.
func (c *CycleRecord) NewsToAlertRate() float64 {
	if c.NewsNew == 0 {
		return 0
	}
	return float64(c.AlertsGenerated) / float64(c.NewsNew)
}

// OpportunityRate is opportunities detected per impact analyzed.
func (c *CycleRecord) OpportunityRate() float64 {
	if c.ImpactsAnalyzed == 0 {
		return 0
	}
	return float64(c.OpportunitiesDetected) / float64(c.ImpactsAnalyzed)
}

// Clone returns a deep copy so readers never share maps with the writer.
func (c *CycleRecord) Clone() CycleRecord {
	out := *c
	if c.EndTime != nil {
		end := *c.EndTime
		out.EndTime = &end
	}
	out.AlertsBySeverity = make(map[Severity]int, len(c.AlertsBySeverity))
	for k, v := range c.AlertsBySeverity {
		out.AlertsBySeverity[k] = v
	}
	out.APICalls = make(map[string]int64, len(c.APICalls))
	for k, v := range c.APICalls {
		out.APICalls[k] = v
	}
	out.Errors = append([]string(nil), c.Errors...)
	return out
}
