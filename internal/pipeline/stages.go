package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/rewired-gh/polysignal/internal/detector"
	"github.com/rewired-gh/polysignal/internal/impact"
	"github.com/rewired-gh/polysignal/internal/logger"
	"github.com/rewired-gh/polysignal/internal/models"
	"golang.org/x/sync/errgroup"
)

// fetchNews returns news items not seen in any earlier cycle.
func (o *Orchestrator) fetchNews(ctx context.Context, rec *models.CycleRecord) ([]models.NewsItem, error) {
	logger.Info("Cycle %d: searching news for %q", rec.CycleID, rec.Query)

	items, err := o.deps.News.Search(ctx, rec.Query, o.cfg.NewsCount, o.cfg.Freshness)
	if err != nil {
		return nil, err
	}
	rec.NewsFetched = len(items)

	fresh := make([]models.NewsItem, 0, len(items))
	for _, item := range items {
		if item.URL == "" {
			continue
		}
		if _, ok := o.seen[item.URL]; ok {
			continue
		}
		o.seen[item.URL] = struct{}{}
		fresh = append(fresh, item)
	}
	rec.NewsNew = len(fresh)

	if o.deps.Enricher != nil && len(fresh) > 0 {
		n := min(len(fresh), o.cfg.MaxNewsPerCycle)
		enriched := o.deps.Enricher.Enrich(ctx, fresh[:n])
		copy(fresh, enriched)
	}

	logger.Info("Cycle %d: found %d articles, %d new", rec.CycleID, len(items), len(fresh))
	return fresh, nil
}

// fetchMarkets lists markets and prices the first MaxPriceFetches of them
// concurrently. A market whose price cannot be read is skipped unless a recent
// cached snapshot exists.
func (o *Orchestrator) fetchMarkets(ctx context.Context, rec *models.CycleRecord) ([]models.Market, map[string]models.MarketSnapshot, error) {
	markets, err := o.deps.Markets.ListMarkets(ctx, true, o.cfg.MarketListLimit)
	if err != nil {
		return nil, map[string]models.MarketSnapshot{}, err
	}
	rec.MarketsFetched = len(markets)

	toPrice := markets[:min(len(markets), o.cfg.MaxPriceFetches)]
	snaps := make([]*models.MarketSnapshot, len(toPrice))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.PriceConcurrency)
	for i, m := range toPrice {
		g.Go(func() error {
			snap, err := o.deps.Markets.GetPriceData(gctx, m)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logger.Warn("Failed to fetch price for market %s: %v", m.ID, err)
				return nil
			}
			snaps[i] = &snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return markets, map[string]models.MarketSnapshot{}, err
	}

	// Single writer: the cache is only touched here, after all fetches returned.
	now := o.now()
	prices := make(map[string]models.MarketSnapshot, len(toPrice))
	for i, m := range toPrice {
		if snaps[i] != nil {
			prices[m.ID] = *snaps[i]
			o.prices[m.ID] = *snaps[i]
			continue
		}
		if cached, ok := o.prices[m.ID]; ok && now.Sub(cached.ObservedAt) <= o.cfg.PriceMaxAge {
			prices[m.ID] = cached
		}
	}
	rec.MarketsWithPrices = len(prices)

	logger.Info("Cycle %d: fetched %d markets, %d with prices", rec.CycleID, len(markets), len(prices))
	return markets, prices, nil
}

// assess runs the assessor over the bounded cross product of news and markets.
// Every assessment is kept; the detector applies the significance filter.
func (o *Orchestrator) assess(ctx context.Context, rec *models.CycleRecord, news []models.NewsItem, markets []models.Market) ([]models.ImpactAssessment, error) {
	news = news[:min(len(news), o.cfg.MaxNewsPerCycle)]
	markets = markets[:min(len(markets), o.cfg.MaxMarketsPerCycle)]

	assessments := make([]models.ImpactAssessment, 0, len(news)*len(markets))
	var modelCalls int64
	for _, n := range news {
		for _, m := range markets {
			if err := ctx.Err(); err != nil {
				return assessments, err
			}
			res := o.deps.Assessor.Assess(ctx, n, m)
			assessments = append(assessments, res.Assessment)

			rec.ImpactsAnalyzed++
			rec.ReasoningTime += res.Elapsed
			if res.Assessment.IsSignificant() {
				rec.ImpactsSignificant++
			}
			switch {
			case res.Outcome == impact.OutcomeModel:
				modelCalls++
			case res.Outcome == impact.OutcomeFallback:
				rec.FallbackAssessments++
				if res.Err != nil {
					modelCalls++
				}
			}
		}
	}
	if modelCalls > 0 {
		rec.APICalls["reasoning"] += modelCalls
	}

	logger.Info("Cycle %d: analyzed %d pairs, %d significant, %d via fallback",
		rec.CycleID, rec.ImpactsAnalyzed, rec.ImpactsSignificant, rec.FallbackAssessments)
	return assessments, nil
}

// detect is pure, so the only failure it can have is a panic on malformed input.
func (o *Orchestrator) detect(rec *models.CycleRecord, assessments []models.ImpactAssessment, prices map[string]models.MarketSnapshot) (opps []models.Opportunity, err error) {
	defer func() {
		if r := recover(); r != nil {
			opps, err = nil, fmt.Errorf("%v", r)
		}
	}()

	opps = o.deps.Detector.Detect(assessments, prices)
	rec.OpportunitiesDetected = len(opps)
	rec.OpportunitiesHighConfidence = detector.CountHighConfidence(opps)
	logger.Info("Cycle %d: detected %d opportunities", rec.CycleID, len(opps))
	return opps, nil
}

// publishAlerts builds an alert for every opportunity and hands it to shared
// state, persistence and notification. Nothing is published once ctx is done.
func (o *Orchestrator) publishAlerts(
	ctx context.Context,
	rec *models.CycleRecord,
	opps []models.Opportunity,
	assessments []models.ImpactAssessment,
	news []models.NewsItem,
	markets []models.Market,
) ([]models.Alert, error) {
	impacts := make(map[string]models.ImpactAssessment, len(assessments))
	for _, a := range assessments {
		impacts[a.ID] = a
	}
	newsByURL := make(map[string]models.NewsItem, len(news))
	for _, n := range news {
		newsByURL[n.URL] = n
	}
	marketsByID := make(map[string]models.Market, len(markets))
	for _, m := range markets {
		marketsByID[m.ID] = m
	}

	var (
		alerts []models.Alert
		errs   []error
	)
	for _, opp := range opps {
		if err := ctx.Err(); err != nil {
			return alerts, err
		}

		imp, ok := impacts[opp.ImpactID]
		if !ok {
			errs = append(errs, fmt.Errorf("opportunity %s: unknown impact %s", opp.ID, opp.ImpactID))
			continue
		}
		item, ok := newsByURL[imp.NewsURL]
		if !ok {
			errs = append(errs, fmt.Errorf("opportunity %s: unknown news %s", opp.ID, imp.NewsURL))
			continue
		}
		market, ok := marketsByID[opp.MarketID]
		if !ok {
			errs = append(errs, fmt.Errorf("opportunity %s: unknown market %s", opp.ID, opp.MarketID))
			continue
		}

		alert := models.NewAlert(opp, item, market, imp.Reasoning)
		if err := alert.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("opportunity %s: %w", opp.ID, err))
			continue
		}

		o.deps.State.AddAlert(alert)
		if o.deps.Persister != nil {
			if err := o.deps.Persister.SaveAlert(ctx, &alert); err != nil {
				logger.Warn("Failed to persist alert %s: %v", alert.ID, err)
			}
		}
		o.notify(ctx, alert)

		alerts = append(alerts, alert)
		rec.AlertsGenerated++
		rec.AlertsBySeverity[alert.Severity]++
		logger.Info("Alert %s [%s]: %s", alert.ID, alert.Severity, alert.Message)
	}

	return alerts, errors.Join(errs...)
}

// notify delivers in the background so slow destinations never hold up a cycle.
func (o *Orchestrator) notify(ctx context.Context, alert models.Alert) {
	if o.deps.Notifier == nil {
		return
	}
	o.notifyWG.Add(1)
	go func() {
		defer o.notifyWG.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Notification for alert %s panicked: %v\n%s", alert.ID, r, debug.Stack())
			}
		}()
		o.deps.Notifier.Notify(ctx, alert)
	}()
}
