// Package pipeline drives detection cycles: fetch news, fetch markets, assess
// each news item against each market, detect price discrepancies and publish
// alerts.
//
// A stage failure never aborts a cycle. The failing stage contributes an empty
// result and a human-readable entry in the cycle's error list, and later stages
// run on whatever input they receive. A panic anywhere in a cycle ends that cycle
// only; the loop carries on with the next one.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rewired-gh/polysignal/internal/detector"
	"github.com/rewired-gh/polysignal/internal/impact"
	"github.com/rewired-gh/polysignal/internal/models"
	"github.com/rewired-gh/polysignal/internal/state"
)

// NewsSource finds news items for a query.
type NewsSource interface {
	Search(ctx context.Context, query string, count int, freshness string) ([]models.NewsItem, error)
}

// MarketSource lists markets and prices them.
type MarketSource interface {
	ListMarkets(ctx context.Context, active bool, limit int) ([]models.Market, error)
	GetPriceData(ctx context.Context, market models.Market) (models.MarketSnapshot, error)
}

// Assessor judges one news item against one market. It never fails.
type Assessor interface {
	Assess(ctx context.Context, news models.NewsItem, market models.Market) impact.Result
}

// Enricher fills in short news summaries.
type Enricher interface {
	Enrich(ctx context.Context, items []models.NewsItem) []models.NewsItem
}

// Persister stores alerts and cycle records.
type Persister interface {
	SaveAlert(ctx context.Context, a *models.Alert) error
	SaveCycle(ctx context.Context, rec *models.CycleRecord) error
}

// Notifier delivers an alert to its destinations.
type Notifier interface {
	Notify(ctx context.Context, alert models.Alert)
}

// CallCounter reports requests issued to an upstream API.
type CallCounter interface {
	Name() string
	Calls() int64
}

// Deps are the orchestrator's collaborators. Enricher, Persister, Notifier and
// Counters are optional.
type Deps struct {
	News      NewsSource
	Markets   MarketSource
	Assessor  Assessor
	Detector  *detector.Detector
	State     *state.Shared
	Enricher  Enricher
	Persister Persister
	Notifier  Notifier
	Counters  []CallCounter
}

// Config bounds the work done per cycle and paces the loop.
type Config struct {
	Interval  time.Duration
	MaxCycles int

	SearchQueries []string
	NewsCount     int
	Freshness     string

	MarketListLimit    int
	MaxPriceFetches    int
	PriceConcurrency   int
	PriceMaxAge        time.Duration
	MaxNewsPerCycle    int
	MaxMarketsPerCycle int

	HeartbeatInterval time.Duration

	// OnCycle is called with every finished cycle that was not interrupted.
	OnCycle func(rec *models.CycleRecord)
}

const defaultQuery = "breaking news politics"

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if len(c.SearchQueries) == 0 {
		c.SearchQueries = []string{defaultQuery}
	}
	if c.NewsCount <= 0 {
		c.NewsCount = 10
	}
	if c.MarketListLimit <= 0 {
		c.MarketListLimit = 100
	}
	if c.MaxPriceFetches <= 0 {
		c.MaxPriceFetches = 50
	}
	if c.PriceConcurrency <= 0 {
		c.PriceConcurrency = 10
	}
	if c.PriceMaxAge <= 0 {
		c.PriceMaxAge = 5 * time.Minute
	}
	if c.MaxNewsPerCycle <= 0 {
		c.MaxNewsPerCycle = 5
	}
	if c.MaxMarketsPerCycle <= 0 {
		c.MaxMarketsPerCycle = 10
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
}

// StageError is a failure confined to one stage of a cycle.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Stage names as they appear in cycle errors.
const (
	StageNews    = "News search"
	StageMarkets = "Market fetch"
	StageAssess  = "Impact assessment"
	StageDetect  = "Opportunity detection"
	StageAlerts  = "Alert generation"
)

// Orchestrator runs detection cycles. RunCycle and Run must not be called
// concurrently; the seen-set and price cache have a single writer.
type Orchestrator struct {
	deps Deps
	cfg  Config

	cycleID int64
	seen    map[string]struct{}
	prices  map[string]models.MarketSnapshot

	notifyWG sync.WaitGroup
	now      func() time.Time
}

// New creates an orchestrator. News, Markets, Assessor, Detector and State are required.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.News == nil:
		return nil, fmt.Errorf("pipeline: news source is required")
	case deps.Markets == nil:
		return nil, fmt.Errorf("pipeline: market source is required")
	case deps.Assessor == nil:
		return nil, fmt.Errorf("pipeline: assessor is required")
	case deps.Detector == nil:
		return nil, fmt.Errorf("pipeline: detector is required")
	case deps.State == nil:
		return nil, fmt.Errorf("pipeline: shared state is required")
	}
	cfg.applyDefaults()
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		seen:   make(map[string]struct{}),
		prices: make(map[string]models.MarketSnapshot),
		now:    time.Now,
	}, nil
}

// SeenCount returns how many distinct news URLs have been seen.
func (o *Orchestrator) SeenCount() int { return len(o.seen) }
