package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Severity orders alerts for notification filtering.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Severity cut-offs on potential profit.
const (
	criticalProfit = 0.15
	warningProfit  = 0.05
)

// Rank orders severities: INFO < WARNING < CRITICAL. Unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// ParseSeverity parses a case-insensitive severity name.
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToUpper(strings.TrimSpace(s))); sev {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return sev, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// SeverityForProfit maps a potential profit to an alert severity.
func SeverityForProfit(profit float64) Severity {
	switch {
	case profit >= criticalProfit:
		return SeverityCritical
	case profit >= warningProfit:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Alert is the human-facing record of an opportunity, consumed by persistence,
// the dashboard and notification fan-out.
type Alert struct {
	ID                string    `json:"id"`
	OpportunityID     string    `json:"opportunity_id"`
	Severity          Severity  `json:"severity"`
	Title             string    `json:"title"`
	Message           string    `json:"message"`
	NewsURL           string    `json:"news_url"`
	NewsTitle         string    `json:"news_title"`
	MarketID          string    `json:"market_id"`
	MarketQuestion    string    `json:"market_question"`
	Reasoning         string    `json:"reasoning"`
	Confidence        float64   `json:"confidence"`
	CurrentPrice      float64   `json:"current_price"`
	ExpectedPrice     float64   `json:"expected_price"`
	Discrepancy       float64   `json:"discrepancy"`
	PotentialProfit   float64   `json:"potential_profit"`
	RecommendedAction Action    `json:"recommended_action"`
	CreatedAt         time.Time `json:"created_at"`
}

const maxTitleQuestion = 80

// NewAlert builds an alert for opp from the news item and market that produced it.
func NewAlert(opp Opportunity, news NewsItem, market Market, reasoning string) Alert {
	direction := DirectionDown
	if opp.ExpectedPrice > opp.CurrentPrice {
		direction = DirectionUp
	}

	return Alert{
		ID:            "alert-" + uuid.New().String(),
		OpportunityID: opp.ID,
		Severity:      SeverityForProfit(opp.PotentialProfit),
		Title:         fmt.Sprintf("Arbitrage opportunity: %s...", truncateRunes(market.Question, maxTitleQuestion)),
		Message: fmt.Sprintf("News '%s' suggests price should move %s from %.2f to %.2f (discrepancy: %.2f%%)",
			news.Title, direction, opp.CurrentPrice, opp.ExpectedPrice, opp.Discrepancy*100),
		NewsURL:           news.URL,
		NewsTitle:         news.Title,
		MarketID:          market.ID,
		MarketQuestion:    market.Question,
		Reasoning:         reasoning,
		Confidence:        opp.Confidence,
		CurrentPrice:      opp.CurrentPrice,
		ExpectedPrice:     opp.ExpectedPrice,
		Discrepancy:       opp.Discrepancy,
		PotentialProfit:   opp.PotentialProfit,
		RecommendedAction: opp.Action,
		CreatedAt:         time.Now().UTC(),
	}
}

// Validate checks that all alert fields are valid
func (a *Alert) Validate() error {
	if a.ID == "" {
		return errors.New("alert ID must not be empty")
	}
	if a.OpportunityID == "" {
		return errors.New("opportunity ID must not be empty")
	}
	if _, err := ParseSeverity(string(a.Severity)); err != nil {
		return err
	}
	if n := utf8.RuneCountInString(a.Title); n == 0 || n > 200 {
		return errors.New("title must be 1-200 characters")
	}
	if n := utf8.RuneCountInString(a.Message); n == 0 || n > 2000 {
		return errors.New("message must be 1-2000 characters")
	}
	if a.Confidence < 0.0 || a.Confidence > 1.0 {
		return errors.New("confidence must be between 0.0 and 1.0")
	}
	if a.Discrepancy < 0.0 || a.Discrepancy > 1.0 {
		return errors.New("discrepancy must be between 0.0 and 1.0")
	}
	return nil
}

// TruncateRunes shortens s to at most n runes.
func TruncateRunes(s string, n int) string {
	return truncateRunes(s, n)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
