package metrics

import (
	"testing"
	"time"

	"github.com/rewired-gh/polysignal/internal/models"
	"github.com/stretchr/testify/assert"
)

func record(id int64, start time.Time, dur time.Duration, opps, alerts int) models.CycleRecord {
	rec := models.NewCycleRecord(id, "q", start)
	rec.Finish(start.Add(dur))
	rec.NewsFetched = 10
	rec.ImpactsAnalyzed = 20
	rec.OpportunitiesDetected = opps
	rec.AlertsGenerated = alerts
	rec.ReasoningTime = 2 * time.Second
	if alerts > 0 {
		rec.AlertsBySeverity[models.SeverityWarning] = alerts
	}
	rec.APICalls["brave"] = 1
	rec.APICalls["reasoning"] = int64(rec.ImpactsAnalyzed)
	return *rec
}

func TestSummarize(t *testing.T) {
	t0 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	recs := []models.CycleRecord{
		record(2, t0.Add(time.Minute), 4*time.Second, 0, 0),
		record(1, t0, 2*time.Second, 3, 2),
		record(3, t0.Add(2*time.Minute), 6*time.Second, 1, 1),
	}
	recs[0].AddError("News search failed: boom")
	unfinished := models.NewCycleRecord(4, "q", t0.Add(3*time.Minute))
	recs = append(recs, *unfinished)

	r := Summarize(recs)

	assert.Equal(t, 4, r.Summary.TotalCycles)
	assert.Equal(t, t0, *r.Summary.Start)
	assert.Equal(t, t0.Add(2*time.Minute+6*time.Second), *r.Summary.End)
	assert.InDelta(t, 12.0/3600, r.Summary.TotalHours, 1e-9)

	assert.InDelta(t, 4.0, r.Performance.AvgDuration, 1e-9)
	assert.InDelta(t, 2.0, r.Performance.MinDuration, 1e-9)
	assert.InDelta(t, 6.0, r.Performance.MaxDuration, 1e-9)
	assert.InDelta(t, 2.0, r.Performance.StdDuration, 1e-9)
	assert.InDelta(t, 1.5, r.Performance.AvgReasoningTime, 1e-9)

	assert.Equal(t, 4, r.Opportunities.Total)
	assert.Equal(t, 3, r.Opportunities.MaxPerCycle)
	assert.Equal(t, 2, r.Opportunities.CyclesWithAny)
	assert.InDelta(t, 1.0, r.Opportunities.AvgPerCycle, 1e-9)

	assert.Equal(t, 3, r.Alerts.Total)
	assert.Equal(t, 3, r.Alerts.BySeverity[models.SeverityWarning])

	assert.Equal(t, int64(3), r.APIUsage["brave"])
	assert.Equal(t, int64(60), r.APIUsage["reasoning"])

	assert.InDelta(t, 4.0/30, r.SuccessRates.OpportunitiesPerNews, 1e-9)
	assert.InDelta(t, 3.0/60, r.SuccessRates.AlertsPerImpact, 1e-9)

	assert.Equal(t, 1, r.Errors.Total)
	assert.Equal(t, 1, r.Errors.CyclesWithErrors)
}

func TestSummarizeEmpty(t *testing.T) {
	r := Summarize(nil)
	assert.Zero(t, r.Summary.TotalCycles)
	assert.Nil(t, r.Summary.Start)
	assert.NotNil(t, r.APIUsage)
	assert.Zero(t, r.Performance.AvgDuration)
}

func TestSingleSampleHasNoDeviation(t *testing.T) {
	p := durationStats([]float64{3})
	assert.Equal(t, 3.0, p.AvgDuration)
	assert.Zero(t, p.StdDuration)
}

func TestSortedKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(map[string]int64{"c": 1, "a": 2, "b": 3}))
}
