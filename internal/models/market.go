// Package models defines the core domain entities for polysignal.
// These models represent news items, prediction markets and their price snapshots,
// impact assessments, detected opportunities, alerts, and per-cycle records.
// All models include built-in validation to ensure data integrity throughout the application.
//
// Terminology (matching Polymarket's own naming):
//   - Market: a single yes/no question. This is the unit we assess news against.
//   - Snapshot: the live yes/no price of a market at one instant, normalized to sum to 1.
package models

import (
	"errors"
	"fmt"
	"time"
)

// Market represents a single yes/no prediction market listed on Polymarket.
// YesPrice/NoPrice are the indicative outcome prices returned with the listing and
// are only used when the order book cannot be queried.
type Market struct {
	ID          string     `json:"market_id"`
	Question    string     `json:"question"`
	Description string     `json:"description,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	Active      bool       `json:"active"`
	YesTokenID  string     `json:"yes_token_id,omitempty"`
	NoTokenID   string     `json:"no_token_id,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	YesPrice    float64    `json:"yes_price,omitempty"`
	NoPrice     float64    `json:"no_price,omitempty"`
}

// Validate checks that all market fields are valid.
func (m *Market) Validate() error {
	if m.ID == "" {
		return errors.New("market ID must not be empty")
	}
	if m.Question == "" {
		return errors.New("market question must not be empty")
	}
	if m.YesPrice < 0.0 || m.YesPrice > 1.0 {
		return errors.New("yes price must be between 0.0 and 1.0")
	}
	if m.NoPrice < 0.0 || m.NoPrice > 1.0 {
		return errors.New("no price must be between 0.0 and 1.0")
	}
	return nil
}

// MarketSnapshot is a point-in-time price reading for a market.
type MarketSnapshot struct {
	MarketID   string    `json:"market_id"`
	Question   string    `json:"question"`
	YesPrice   float64   `json:"yes_price"`
	NoPrice    float64   `json:"no_price"`
	ObservedAt time.Time `json:"observed_at"`
	Source     string    `json:"source"`
}

// Normalize rescales yes/no prices so they sum to 1.
func (s *MarketSnapshot) Normalize() error {
	if s.YesPrice < 0 || s.NoPrice < 0 {
		return fmt.Errorf("negative price for market %s", s.MarketID)
	}
	sum := s.YesPrice + s.NoPrice
	if sum == 0 {
		return fmt.Errorf("no price data for market %s", s.MarketID)
	}
	s.YesPrice /= sum
	s.NoPrice /= sum
	return nil
}

// Validate checks that all snapshot fields are valid
func (s *MarketSnapshot) Validate() error {
	if s.MarketID == "" {
		return errors.New("market ID must not be empty")
	}
	if s.YesPrice < 0.0 || s.YesPrice > 1.0 {
		return errors.New("yes price must be between 0.0 and 1.0")
	}
	if s.NoPrice < 0.0 || s.NoPrice > 1.0 {
		return errors.New("no price must be between 0.0 and 1.0")
	}
	// Allow small tolerance for sum != 1.0 due to floating point precision
	sum := s.YesPrice + s.NoPrice
	if sum < 0.99 || sum > 1.01 {
		return errors.New("yes + no price should approximately equal 1.0")
	}
	if s.Source == "" {
		return errors.New("source must not be empty")
	}
	return nil
}
