package models

import (
	"errors"
	"math"
	"time"
)

// Action is the recommended follow-up for an opportunity.
type Action string

const (
	ActionWatch       Action = "watch"
	ActionMonitor     Action = "monitor"
	ActionInvestigate Action = "investigate"
)

// Opportunity is a discrepancy between the price an assessment expects and the live price.
type Opportunity struct {
	ID              string    `json:"id"`
	ImpactID        string    `json:"impact_id"`
	MarketID        string    `json:"market_id"`
	MarketQuestion  string    `json:"market_question,omitempty"`
	CurrentPrice    float64   `json:"current_price"`
	ExpectedPrice   float64   `json:"expected_price"`
	Discrepancy     float64   `json:"discrepancy"`
	PotentialProfit float64   `json:"potential_profit"`
	Confidence      float64   `json:"confidence"`
	Action          Action    `json:"action"`
	DetectedAt      time.Time `json:"detected_at"`
}

// IsProfitable reports whether potential profit reaches margin.
func (o *Opportunity) IsProfitable(margin float64) bool {
	return o.PotentialProfit >= margin
}

// Validate checks that all opportunity fields are valid
func (o *Opportunity) Validate() error {
	if o.ID == "" {
		return errors.New("opportunity ID must not be empty")
	}
	if o.ImpactID == "" {
		return errors.New("impact ID must not be empty")
	}
	if o.MarketID == "" {
		return errors.New("market ID must not be empty")
	}

	// Verify discrepancy equals absolute difference
	if math.Abs(o.Discrepancy-math.Abs(o.ExpectedPrice-o.CurrentPrice)) > 1e-9 {
		return errors.New("discrepancy must equal |expected_price - current_price|")
	}
	if math.Abs(o.PotentialProfit-o.Discrepancy*o.Confidence) > 1e-9 {
		return errors.New("potential profit must equal discrepancy * confidence")
	}

	switch o.Action {
	case ActionWatch, ActionMonitor, ActionInvestigate:
	default:
		return errors.New("action must be 'watch', 'monitor' or 'investigate'")
	}
	return nil
}
