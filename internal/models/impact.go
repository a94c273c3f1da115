package models

import (
	"errors"
	"time"
)

// Direction is the expected price move of a market.
type Direction string

const (
	DirectionUp      Direction = "up"
	DirectionDown    Direction = "down"
	DirectionNeutral Direction = "neutral"
)

// ParseDirection accepts only the three known directions.
func ParseDirection(s string) (Direction, bool) {
	switch Direction(s) {
	case DirectionUp, DirectionDown, DirectionNeutral:
		return Direction(s), true
	}
	return "", false
}

// SignificanceThreshold is the relevance an assessment must exceed to be considered.
const SignificanceThreshold = 0.1

// HighConfidenceThreshold marks assessments reported as high confidence in cycle metrics.
const HighConfidenceThreshold = 0.7

// ImpactAssessment is a structured judgment of how one news item should move one market.
type ImpactAssessment struct {
	ID                string    `json:"id"`
	NewsURL           string    `json:"news_url"`
	MarketID          string    `json:"market_id"`
	Relevance         float64   `json:"relevance"`
	Direction         Direction `json:"direction"`
	Confidence        float64   `json:"confidence"`
	ExpectedMagnitude float64   `json:"expected_magnitude"`
	ExpectedPrice     float64   `json:"expected_price"`
	Reasoning         string    `json:"reasoning"`
	Model             string    `json:"model"`
	CreatedAt         time.Time `json:"created_at"`
}

// IsSignificant reports whether relevance clears the significance threshold.
func (a *ImpactAssessment) IsSignificant() bool {
	return a.Relevance > SignificanceThreshold
}

// IsHighConfidence reports whether confidence is at least 0.7.
func (a *ImpactAssessment) IsHighConfidence() bool {
	return a.Confidence >= HighConfidenceThreshold
}

// Validate checks that all assessment fields are valid
func (a *ImpactAssessment) Validate() error {
	if a.ID == "" {
		return errors.New("assessment ID must not be empty")
	}
	if a.NewsURL == "" {
		return errors.New("news URL must not be empty")
	}
	if a.MarketID == "" {
		return errors.New("market ID must not be empty")
	}
	if _, ok := ParseDirection(string(a.Direction)); !ok {
		return errors.New("direction must be 'up', 'down' or 'neutral'")
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"relevance", a.Relevance},
		{"confidence", a.Confidence},
		{"expected magnitude", a.ExpectedMagnitude},
		{"expected price", a.ExpectedPrice},
	} {
		if f.v < 0.0 || f.v > 1.0 {
			return errors.New(f.name + " must be between 0.0 and 1.0")
		}
	}
	return nil
}
