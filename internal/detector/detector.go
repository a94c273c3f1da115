// Package detector turns impact assessments and live prices into opportunities.
//
// Detection is a pure function of its inputs. For each assessment, in input order:
//
//	skip if relevance <= 0.1
//	skip if confidence < ConfidenceThreshold
//	skip if the market has no price snapshot
//	discrepancy = |expected - current|, profit = discrepancy * confidence
//	classify: investigate, monitor or watch
//	admit only if profit >= MinProfitMargin
//
// Classification and admission are separate gates. A pair can be classified
// before it is rejected by the margin test, and "watch" never survives admission.
package detector

import (
	"fmt"
	"math"
	"time"

	"github.com/rewired-gh/polysignal/internal/logger"
	"github.com/rewired-gh/polysignal/internal/models"
)

// Config holds the detection thresholds.
type Config struct {
	ConfidenceThreshold   float64
	MinProfitMargin       float64
	InvestigateConfidence float64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold:   0.7,
		MinProfitMargin:       0.05,
		InvestigateConfidence: 0.8,
	}
}

// Detector applies the detection rules. It holds no state beyond its thresholds.
type Detector struct {
	cfg Config
	now func() time.Time
}

// New creates a Detector. A zero InvestigateConfidence falls back to 0.8.
func New(cfg Config) *Detector {
	if cfg.InvestigateConfidence <= 0 {
		cfg.InvestigateConfidence = 0.8
	}
	return &Detector{cfg: cfg, now: time.Now}
}

// Config returns the thresholds in use.
func (d *Detector) Config() Config { return d.cfg }

// Skip reasons, counted per Detect call for debug logging.
const (
	skipInsignificant = "insignificant"
	skipLowConfidence = "low_confidence"
	skipNoPrice       = "no_price"
	skipBelowMargin   = "below_margin"
)

// Detect returns admitted opportunities in the order of assessments.
func (d *Detector) Detect(assessments []models.ImpactAssessment, prices map[string]models.MarketSnapshot) []models.Opportunity {
	var out []models.Opportunity
	skipped := make(map[string]int)
	detectedAt := d.now().UTC()

	for i := range assessments {
		a := &assessments[i]

		if !a.IsSignificant() {
			skipped[skipInsignificant]++
			continue
		}
		if a.Confidence < d.cfg.ConfidenceThreshold {
			skipped[skipLowConfidence]++
			continue
		}
		snap, ok := prices[a.MarketID]
		if !ok {
			skipped[skipNoPrice]++
			continue
		}

		current := snap.YesPrice
		discrepancy := math.Abs(a.ExpectedPrice - current)
		profit := discrepancy * a.Confidence
		action := d.Classify(profit, a.Confidence)

		opp := models.Opportunity{
			ID:              "opp-" + a.ID,
			ImpactID:        a.ID,
			MarketID:        a.MarketID,
			MarketQuestion:  snap.Question,
			CurrentPrice:    current,
			ExpectedPrice:   a.ExpectedPrice,
			Discrepancy:     discrepancy,
			PotentialProfit: profit,
			Confidence:      a.Confidence,
			Action:          action,
			DetectedAt:      detectedAt,
		}
		if !opp.IsProfitable(d.cfg.MinProfitMargin) {
			skipped[skipBelowMargin]++
			logger.Debug("Opportunity for market %s classified %s but below margin (profit %.4f < %.4f)",
				a.MarketID, action, profit, d.cfg.MinProfitMargin)
			continue
		}
		out = append(out, opp)
	}

	if len(skipped) > 0 {
		logger.Debug("Detection skipped %s", formatSkips(skipped))
	}
	return out
}

// Classify labels an opportunity by profit and confidence.
func (d *Detector) Classify(profit, confidence float64) models.Action {
	switch {
	case profit >= d.cfg.MinProfitMargin && confidence >= d.cfg.InvestigateConfidence:
		return models.ActionInvestigate
	case profit >= d.cfg.MinProfitMargin/2:
		return models.ActionMonitor
	default:
		return models.ActionWatch
	}
}

// CountHighConfidence returns how many opportunities meet the high confidence bar.
func CountHighConfidence(opps []models.Opportunity) int {
	n := 0
	for _, o := range opps {
		if o.Confidence >= models.HighConfidenceThreshold {
			n++
		}
	}
	return n
}

func formatSkips(skipped map[string]int) string {
	return fmt.Sprintf("insignificant=%d low_confidence=%d no_price=%d below_margin=%d",
		skipped[skipInsignificant], skipped[skipLowConfidence], skipped[skipNoPrice], skipped[skipBelowMargin])
}
