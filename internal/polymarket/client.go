// Package polymarket lists Polymarket markets from the Gamma API and reads live
// prices from the CLOB API.
package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/polysignal/internal/httpclient"
	"github.com/rewired-gh/polysignal/internal/logger"
	"github.com/rewired-gh/polysignal/internal/models"
)

// Snapshot sources.
const (
	SourceCLOB  = "clob"
	SourceGamma = "gamma"
)

// Config configures both API clients. RateLimit is requests per second shared
// by each API.
type Config struct {
	GammaURL    string
	ClobURL     string
	RateLimit   int
	Timeout     time.Duration
	MaxAttempts int
	UserAgent   string
}

// Client provides access to Polymarket API
type Client struct {
	gamma *httpclient.Client
	clob  *httpclient.Client
}

// GammaMarket is a market as returned by the Gamma API.
// Note: outcomes, outcomePrices and clobTokenIds are JSON strings, not arrays.
type GammaMarket struct {
	ID            string     `json:"id"`
	ConditionID   string     `json:"conditionId"`
	Question      string     `json:"question"`
	Description   string     `json:"description"`
	EndDate       string     `json:"endDate"`
	Active        bool       `json:"active"`
	Closed        bool       `json:"closed"`
	Outcomes      string     `json:"outcomes"`
	OutcomePrices string     `json:"outcomePrices"`
	ClobTokenIds  string     `json:"clobTokenIds"`
	Tags          []GammaTag `json:"tags,omitempty"`
}

// GammaTag is a market tag.
type GammaTag struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Slug  string `json:"slug"`
}

// NewClient creates a new Polymarket client
func NewClient(cfg Config) *Client {
	base := httpclient.Config{
		RateLimit:   cfg.RateLimit,
		Timeout:     cfg.Timeout,
		MaxAttempts: cfg.MaxAttempts,
		UserAgent:   cfg.UserAgent,
		Retryable:   httpclient.RetryTransientStatus,
	}
	gamma, clob := base, base
	gamma.Name = "polymarket-gamma"
	clob.Name = "polymarket-clob"

	return &Client{
		gamma: httpclient.New(cfg.GammaURL, gamma),
		clob:  httpclient.New(cfg.ClobURL, clob),
	}
}

// Name identifies the client in per-cycle API call counts.
func (c *Client) Name() string { return "polymarket" }

// Calls returns the number of requests issued to either API.
func (c *Client) Calls() int64 { return c.gamma.Calls() + c.clob.Calls() }

// ListMarkets fetches open markets. Markets that are not yes/no or fail
// validation are skipped.
func (c *Client) ListMarkets(ctx context.Context, active bool, limit int) ([]models.Market, error) {
	params := url.Values{}
	params.Set("active", strconv.FormatBool(active))
	params.Set("closed", "false")
	params.Set("limit", strconv.Itoa(limit))

	var raw json.RawMessage
	if err := c.gamma.GetJSON(ctx, "/markets", params, &raw); err != nil {
		return nil, fmt.Errorf("failed to fetch markets: %w", err)
	}
	gms, err := decodeMarkets(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode markets: %w", err)
	}

	markets := make([]models.Market, 0, len(gms))
	for _, gm := range gms {
		m, err := gm.toMarket()
		if err != nil {
			logger.Debug("Skipping market %s: %v", gm.ID, err)
			continue
		}
		markets = append(markets, m)
	}
	logger.Debug("Fetched %d markets (%d usable)", len(gms), len(markets))
	return markets, nil
}

// decodeMarkets accepts either a bare array or an object wrapping it in "data".
func decodeMarkets(raw json.RawMessage) ([]GammaMarket, error) {
	var gms []GammaMarket
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped struct {
			Data []GammaMarket `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, err
		}
		return wrapped.Data, nil
	}
	if err := json.Unmarshal(raw, &gms); err != nil {
		return nil, err
	}
	return gms, nil
}

func (gm GammaMarket) toMarket() (models.Market, error) {
	m := models.Market{
		ID:          gm.ID,
		Question:    gm.Question,
		Description: gm.Description,
		Active:      gm.Active && !gm.Closed,
	}
	if gm.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, gm.EndDate); err == nil {
			m.EndDate = &t
		}
	}
	for _, tag := range gm.Tags {
		if tag.Slug != "" {
			m.Tags = append(m.Tags, tag.Slug)
		}
	}

	outcomes, err := decodeStringArray(gm.Outcomes)
	if err != nil {
		return m, fmt.Errorf("bad outcomes: %w", err)
	}
	if len(outcomes) != 2 {
		return m, fmt.Errorf("not a yes/no market (%d outcomes)", len(outcomes))
	}
	yes, no := 0, 1
	if strings.EqualFold(outcomes[1], "yes") {
		yes, no = 1, 0
	}

	// Prices and token ids are optional; a market without them can still be
	// assessed once a price is found elsewhere.
	if prices, err := decodeStringArray(gm.OutcomePrices); err == nil && len(prices) == 2 {
		m.YesPrice = parseUnitPrice(prices[yes])
		m.NoPrice = parseUnitPrice(prices[no])
	}
	if tokens, err := decodeStringArray(gm.ClobTokenIds); err == nil && len(tokens) == 2 {
		m.YesTokenID = tokens[yes]
		m.NoTokenID = tokens[no]
	}

	return m, m.Validate()
}

func decodeStringArray(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// parseUnitPrice returns 0 for anything that is not a price in [0,1].
func parseUnitPrice(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 || v > 1 {
		return 0
	}
	return v
}

// GetPriceData returns a normalized snapshot for market. It reads the CLOB
// buy price of both tokens and falls back to the listing's outcome prices when
// the order book cannot be read.
func (c *Client) GetPriceData(ctx context.Context, market models.Market) (models.MarketSnapshot, error) {
	snap := models.MarketSnapshot{
		MarketID:   market.ID,
		Question:   market.Question,
		ObservedAt: time.Now().UTC(),
	}

	var clobErr error
	if market.YesTokenID != "" && market.NoTokenID != "" {
		yes, err := c.tokenPrice(ctx, market.YesTokenID)
		if err == nil {
			var no float64
			if no, err = c.tokenPrice(ctx, market.NoTokenID); err == nil {
				snap.YesPrice, snap.NoPrice, snap.Source = yes, no, SourceCLOB
			}
		}
		clobErr = err
	}

	if snap.Source == "" {
		if market.YesPrice+market.NoPrice == 0 {
			if clobErr != nil {
				return snap, fmt.Errorf("failed to fetch price for market %s: %w", market.ID, clobErr)
			}
			return snap, fmt.Errorf("no price data for market %s", market.ID)
		}
		if clobErr != nil {
			logger.Debug("CLOB price for market %s unavailable, using listing prices: %v", market.ID, clobErr)
		}
		snap.YesPrice, snap.NoPrice, snap.Source = market.YesPrice, market.NoPrice, SourceGamma
	}

	if err := snap.Normalize(); err != nil {
		return snap, err
	}
	if err := snap.Validate(); err != nil {
		return snap, fmt.Errorf("invalid snapshot for market %s: %w", market.ID, err)
	}
	return snap, nil
}

// flexFloat decodes a number sent either bare or as a string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid price %s", b)
	}
	*f = flexFloat(v)
	return nil
}

func (c *Client) tokenPrice(ctx context.Context, tokenID string) (float64, error) {
	params := url.Values{}
	params.Set("token_id", tokenID)
	params.Set("side", "buy")

	var resp struct {
		Price *flexFloat `json:"price"`
	}
	if err := c.clob.GetJSON(ctx, "/price", params, &resp); err != nil {
		return 0, err
	}
	if resp.Price == nil {
		return 0, fmt.Errorf("no price for token %s", tokenID)
	}
	v := float64(*resp.Price)
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("price %v for token %s out of range", v, tokenID)
	}
	return v, nil
}
