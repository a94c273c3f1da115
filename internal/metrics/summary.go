// Package metrics aggregates persisted cycle records into summary reports.
package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/rewired-gh/polysignal/internal/models"
)

// Report aggregates a run of cycles.
type Report struct {
	Summary       Summary          `json:"summary"`
	Performance   Performance      `json:"performance"`
	Opportunities Opportunities    `json:"opportunities"`
	Alerts        Alerts           `json:"alerts"`
	SuccessRates  SuccessRates     `json:"success_rate"`
	APIUsage      map[string]int64 `json:"api_usage"`
	Errors        Errors           `json:"errors"`
}

type Summary struct {
	TotalCycles int        `json:"total_cycles"`
	Start       *time.Time `json:"start,omitempty"`
	End         *time.Time `json:"end,omitempty"`
	TotalHours  float64    `json:"total_duration_hours"`
}

// Performance holds cycle durations in seconds.
type Performance struct {
	AvgDuration      float64 `json:"avg_duration_seconds"`
	MinDuration      float64 `json:"min_duration_seconds"`
	MaxDuration      float64 `json:"max_duration_seconds"`
	StdDuration      float64 `json:"std_duration_seconds"`
	AvgReasoningTime float64 `json:"avg_reasoning_seconds"`
}

type Opportunities struct {
	Total              int     `json:"total_detected"`
	HighConfidence     int     `json:"high_confidence"`
	AvgPerCycle        float64 `json:"avg_per_cycle"`
	MaxPerCycle        int     `json:"max_per_cycle"`
	CyclesWithAny      int     `json:"cycles_with_opportunities"`
	FallbackAssessed   int     `json:"fallback_assessments"`
	ImpactsAnalyzed    int     `json:"impacts_analyzed"`
	ImpactsSignificant int     `json:"impacts_significant"`
}

type Alerts struct {
	Total       int                     `json:"total_generated"`
	AvgPerCycle float64                 `json:"avg_per_cycle"`
	BySeverity  map[models.Severity]int `json:"by_severity"`
}

type SuccessRates struct {
	OpportunitiesPerNews float64 `json:"opportunities_per_news"`
	AlertsPerImpact      float64 `json:"alerts_per_impact"`
}

type Errors struct {
	Total            int     `json:"total_errors"`
	CyclesWithErrors int     `json:"cycles_with_errors"`
	PerCycle         float64 `json:"error_rate"`
}

// Summarize aggregates records in any order. Unfinished records count toward
// totals but not toward duration statistics.
func Summarize(records []models.CycleRecord) Report {
	r := Report{
		Alerts:   Alerts{BySeverity: make(map[models.Severity]int)},
		APIUsage: make(map[string]int64),
	}
	r.Summary.TotalCycles = len(records)
	if len(records) == 0 {
		return r
	}

	var (
		durations     []float64
		newsFetched   int
		reasoningTime time.Duration
	)
	for i := range records {
		rec := &records[i]

		if r.Summary.Start == nil || rec.StartTime.Before(*r.Summary.Start) {
			start := rec.StartTime
			r.Summary.Start = &start
		}
		if rec.EndTime != nil {
			if r.Summary.End == nil || rec.EndTime.After(*r.Summary.End) {
				end := *rec.EndTime
				r.Summary.End = &end
			}
			durations = append(durations, rec.Duration().Seconds())
		}

		newsFetched += rec.NewsFetched
		reasoningTime += rec.ReasoningTime

		o := &r.Opportunities
		o.Total += rec.OpportunitiesDetected
		o.HighConfidence += rec.OpportunitiesHighConfidence
		o.MaxPerCycle = max(o.MaxPerCycle, rec.OpportunitiesDetected)
		if rec.OpportunitiesDetected > 0 {
			o.CyclesWithAny++
		}
		o.FallbackAssessed += rec.FallbackAssessments
		o.ImpactsAnalyzed += rec.ImpactsAnalyzed
		o.ImpactsSignificant += rec.ImpactsSignificant

		r.Alerts.Total += rec.AlertsGenerated
		for sev, n := range rec.AlertsBySeverity {
			r.Alerts.BySeverity[sev] += n
		}
		for api, n := range rec.APICalls {
			r.APIUsage[api] += n
		}

		r.Errors.Total += len(rec.Errors)
		if len(rec.Errors) > 0 {
			r.Errors.CyclesWithErrors++
		}
	}

	n := float64(len(records))
	r.Opportunities.AvgPerCycle = float64(r.Opportunities.Total) / n
	r.Alerts.AvgPerCycle = float64(r.Alerts.Total) / n
	r.Errors.PerCycle = float64(r.Errors.Total) / n
	r.Performance = durationStats(durations)
	r.Performance.AvgReasoningTime = reasoningTime.Seconds() / n

	var total float64
	for _, d := range durations {
		total += d
	}
	r.Summary.TotalHours = total / 3600

	r.SuccessRates.OpportunitiesPerNews = ratio(r.Opportunities.Total, newsFetched)
	r.SuccessRates.AlertsPerImpact = ratio(r.Alerts.Total, r.Opportunities.ImpactsAnalyzed)
	return r
}

// durationStats uses the sample standard deviation; one sample gives zero.
func durationStats(d []float64) Performance {
	if len(d) == 0 {
		return Performance{}
	}
	sorted := append([]float64(nil), d...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(len(sorted))

	var std float64
	if len(sorted) > 1 {
		var sq float64
		for _, v := range sorted {
			sq += (v - mean) * (v - mean)
		}
		std = math.Sqrt(sq / float64(len(sorted)-1))
	}

	return Performance{
		AvgDuration: mean,
		MinDuration: sorted[0],
		MaxDuration: sorted[len(sorted)-1],
		StdDuration: std,
	}
}

func ratio(num, den int) float64 {
	return float64(num) / float64(max(den, 1))
}

// SortedKeys returns map keys in ascending order for stable output.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
