package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rewired-gh/polysignal/internal/detector"
	"github.com/rewired-gh/polysignal/internal/impact"
	"github.com/rewired-gh/polysignal/internal/models"
	"github.com/rewired-gh/polysignal/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNews struct {
	mu      sync.Mutex
	items   []models.NewsItem
	err     error
	queries []string
	onCall  func()
}

func (f *fakeNews) Search(_ context.Context, query string, _ int, _ string) ([]models.NewsItem, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

type fakeMarkets struct {
	markets   []models.Market
	listErr   error
	priceErrs map[string]error
	prices    map[string]float64
	calls     atomic.Int64
}

func (f *fakeMarkets) ListMarkets(context.Context, bool, int) ([]models.Market, error) {
	f.calls.Add(1)
	return f.markets, f.listErr
}

func (f *fakeMarkets) GetPriceData(_ context.Context, m models.Market) (models.MarketSnapshot, error) {
	f.calls.Add(1)
	if err := f.priceErrs[m.ID]; err != nil {
		return models.MarketSnapshot{}, err
	}
	yes, ok := f.prices[m.ID]
	if !ok {
		yes = 0.5
	}
	return models.MarketSnapshot{
		MarketID:   m.ID,
		Question:   m.Question,
		YesPrice:   yes,
		NoPrice:    1 - yes,
		ObservedAt: time.Now().UTC(),
		Source:     "test",
	}, nil
}

func (f *fakeMarkets) Name() string  { return "polymarket" }
func (f *fakeMarkets) Calls() int64 { return f.calls.Load() }

// fakeAssessor returns a fixed judgment for every pair unless fn is set.
type fakeAssessor struct {
	mu    sync.Mutex
	pairs int
	fn    func(n models.NewsItem, m models.Market) impact.Result
}

func (f *fakeAssessor) Assess(_ context.Context, n models.NewsItem, m models.Market) impact.Result {
	f.mu.Lock()
	f.pairs++
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(n, m)
	}
	return impact.Result{Outcome: impact.OutcomeModel, Assessment: assessment(n, m, 0.8, 0.75, 0.70)}
}

func assessment(n models.NewsItem, m models.Market, relevance, confidence, expected float64) models.ImpactAssessment {
	return models.ImpactAssessment{
		ID:                fmt.Sprintf("impact-%s-%s", n.URL, m.ID),
		NewsURL:           n.URL,
		MarketID:          m.ID,
		Relevance:         relevance,
		Direction:         models.DirectionUp,
		Confidence:        confidence,
		ExpectedMagnitude: 0.15,
		ExpectedPrice:     expected,
		Reasoning:         "test reasoning",
		Model:             "test",
		CreatedAt:         time.Now(),
	}
}

type fakePersister struct {
	mu          sync.Mutex
	alerts      []models.Alert
	cycles      []models.CycleRecord
	err         error
	cyclePanics string
}

func (f *fakePersister) SaveAlert(_ context.Context, a *models.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, *a)
	return f.err
}

func (f *fakePersister) SaveCycle(_ context.Context, rec *models.CycleRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cyclePanics != "" {
		panic(f.cyclePanics)
	}
	f.cycles = append(f.cycles, rec.Clone())
	return f.err
}

type fakeNotifier struct {
	mu     sync.Mutex
	sent   []models.Alert
	panics string
}

func (f *fakeNotifier) Notify(_ context.Context, a models.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, a)
	if f.panics != "" {
		panic(f.panics)
	}
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newsItems(n int) []models.NewsItem {
	out := make([]models.NewsItem, n)
	for i := range out {
		out[i] = models.NewsItem{URL: fmt.Sprintf("https://news.example/%d", i), Title: fmt.Sprintf("Story %d", i)}
	}
	return out
}

func marketList(n int) []models.Market {
	out := make([]models.Market, n)
	for i := range out {
		out[i] = models.Market{ID: fmt.Sprintf("m-%d", i), Question: fmt.Sprintf("Will event %d happen?", i), Active: true}
	}
	return out
}

type harness struct {
	orch      *Orchestrator
	news      *fakeNews
	markets   *fakeMarkets
	assessor  *fakeAssessor
	persister *fakePersister
	notifier  *fakeNotifier
	state     *state.Shared
	hbPath    string
	cycles    []*models.CycleRecord
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		news:      &fakeNews{items: newsItems(1)},
		markets:   &fakeMarkets{markets: marketList(1), prices: map[string]float64{"m-0": 0.55}},
		assessor:  &fakeAssessor{},
		persister: &fakePersister{},
		notifier:  &fakeNotifier{},
		hbPath:    filepath.Join(t.TempDir(), "worker_heartbeat.json"),
	}
	h.state = state.New(state.Config{HeartbeatPath: h.hbPath})
	cfg.OnCycle = func(rec *models.CycleRecord) { h.cycles = append(h.cycles, rec) }

	orch, err := New(Deps{
		News:      h.news,
		Markets:   h.markets,
		Assessor:  h.assessor,
		Detector:  detector.New(detector.DefaultConfig()),
		State:     h.state,
		Persister: h.persister,
		Notifier:  h.notifier,
		Counters:  []CallCounter{h.markets},
	}, cfg)
	require.NoError(t, err)
	h.orch = orch
	return h
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Config{})
	assert.Error(t, err)
}

func TestRunCycle_ProducesAlert(t *testing.T) {
	h := newHarness(t, Config{})

	rec := h.orch.RunCycle(context.Background())
	h.orch.notifyWG.Wait()

	require.NotNil(t, rec.EndTime)
	assert.Empty(t, rec.Errors)
	assert.EqualValues(t, 1, rec.CycleID)
	assert.Equal(t, 1, rec.NewsFetched)
	assert.Equal(t, 1, rec.NewsNew)
	assert.Equal(t, 1, rec.MarketsFetched)
	assert.Equal(t, 1, rec.MarketsWithPrices)
	assert.Equal(t, 1, rec.ImpactsAnalyzed)
	assert.Equal(t, 1, rec.ImpactsSignificant)
	assert.Equal(t, 1, rec.OpportunitiesDetected)
	assert.Equal(t, 1, rec.OpportunitiesHighConfidence)
	assert.Equal(t, 1, rec.AlertsGenerated)
	assert.Equal(t, 1, rec.AlertsBySeverity[models.SeverityWarning])
	assert.EqualValues(t, 2, rec.APICalls["polymarket"])
	assert.EqualValues(t, 1, rec.APICalls["reasoning"])

	alerts := h.state.Alerts.GetRecent(0)
	require.Len(t, alerts, 1)
	a := alerts[0]
	assert.Equal(t, "https://news.example/0", a.NewsURL)
	assert.InDelta(t, 0.55, a.CurrentPrice, 1e-9)
	assert.InDelta(t, 0.15, a.Discrepancy, 1e-9)
	assert.InDelta(t, 0.1125, a.PotentialProfit, 1e-9)
	assert.Equal(t, "test reasoning", a.Reasoning)

	assert.Len(t, h.persister.alerts, 1)
	require.Len(t, h.persister.cycles, 1)
	assert.NotNil(t, h.persister.cycles[0].EndTime)
	assert.Equal(t, 1, h.notifier.count())
	assert.Equal(t, 1, h.state.Cycles.Len())
	assert.Len(t, h.cycles, 1)
	assert.EqualValues(t, 1, h.state.Status().CurrentCycle)
}

func TestRunCycle_StageFailuresDoNotAbort(t *testing.T) {
	boom := errors.New("boom")

	t.Run("news search", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.news.err = boom

		rec := h.orch.RunCycle(context.Background())

		require.NotNil(t, rec.EndTime)
		assert.Equal(t, []string{"News search failed: boom"}, rec.Errors)
		assert.Equal(t, 1, rec.MarketsFetched, "later stages still run")
		assert.Zero(t, rec.ImpactsAnalyzed)
		assert.Zero(t, rec.OpportunitiesDetected)
		assert.Zero(t, rec.AlertsGenerated)
		assert.Equal(t, 1, h.state.Cycles.Len(), "failed cycles are still recorded")
		assert.Len(t, h.persister.cycles, 1)
	})

	t.Run("market fetch", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.markets.listErr = boom

		rec := h.orch.RunCycle(context.Background())

		assert.Equal(t, []string{"Market fetch failed: boom"}, rec.Errors)
		assert.Equal(t, 1, rec.NewsNew)
		assert.Zero(t, rec.ImpactsAnalyzed)
		assert.Zero(t, rec.AlertsGenerated)
	})

	t.Run("single price", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.markets.markets = marketList(2)
		h.markets.priceErrs = map[string]error{"m-1": boom}

		rec := h.orch.RunCycle(context.Background())

		assert.Empty(t, rec.Errors, "per-market price failures are not stage errors")
		assert.Equal(t, 2, rec.MarketsFetched)
		assert.Equal(t, 1, rec.MarketsWithPrices)
		assert.Equal(t, 2, rec.ImpactsAnalyzed)
		assert.Equal(t, 1, rec.OpportunitiesDetected, "unpriced market yields no opportunity")
	})

	t.Run("persistence", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.persister.err = boom

		rec := h.orch.RunCycle(context.Background())

		assert.Empty(t, rec.Errors)
		assert.Equal(t, 1, rec.AlertsGenerated)
		assert.Equal(t, 1, h.state.Alerts.Len())
	})
}

func TestRunCycle_PanicIsContained(t *testing.T) {
	h := newHarness(t, Config{})
	h.assessor.fn = func(models.NewsItem, models.Market) impact.Result { panic("nil map") }

	rec := h.orch.RunCycle(context.Background())
	require.NotNil(t, rec.EndTime)
	assert.Equal(t, []string{"Cycle panicked: nil map"}, rec.Errors)
	assert.Equal(t, 1, h.state.Cycles.Len())

	h.assessor.fn = nil
	h.news.items = newsItems(2)
	rec = h.orch.RunCycle(context.Background())
	assert.Empty(t, rec.Errors)
	assert.EqualValues(t, 2, rec.CycleID)
}

func TestRunCycle_DedupAcrossCycles(t *testing.T) {
	h := newHarness(t, Config{})
	h.news.items = newsItems(3)

	rec := h.orch.RunCycle(context.Background())
	assert.Equal(t, 3, rec.NewsNew)

	h.news.items = append(newsItems(3), models.NewsItem{URL: "https://news.example/new", Title: "New"})
	rec = h.orch.RunCycle(context.Background())
	assert.Equal(t, 4, rec.NewsFetched)
	assert.Equal(t, 1, rec.NewsNew)
	assert.Equal(t, 1, rec.ImpactsAnalyzed)

	rec = h.orch.RunCycle(context.Background())
	assert.Zero(t, rec.NewsNew)
	assert.Zero(t, rec.ImpactsAnalyzed)
	assert.Equal(t, 4, h.orch.SeenCount())
}

func TestRunCycle_BoundedCrossProduct(t *testing.T) {
	h := newHarness(t, Config{MaxNewsPerCycle: 5, MaxMarketsPerCycle: 10, MaxPriceFetches: 50})
	h.news.items = newsItems(7)
	h.markets.markets = marketList(60)

	rec := h.orch.RunCycle(context.Background())
	assert.Equal(t, 50, rec.ImpactsAnalyzed)
	assert.Equal(t, 50, h.assessor.pairs)
	assert.Equal(t, 60, rec.MarketsFetched)
	assert.Equal(t, 50, rec.MarketsWithPrices)
}

func TestRunCycle_CountsFallbacks(t *testing.T) {
	h := newHarness(t, Config{})
	h.news.items = newsItems(2)
	h.assessor.fn = func(n models.NewsItem, m models.Market) impact.Result {
		if n.URL == "https://news.example/0" {
			return impact.Result{
				Outcome:    impact.OutcomeFallback,
				Err:        errors.New("quota"),
				Elapsed:    time.Second,
				Assessment: assessment(n, m, 0.05, 0.4, 0.6),
			}
		}
		return impact.Result{Outcome: impact.OutcomeModel, Elapsed: 2 * time.Second, Assessment: assessment(n, m, 0.3, 0.5, 0.5)}
	}

	rec := h.orch.RunCycle(context.Background())
	assert.Equal(t, 2, rec.ImpactsAnalyzed)
	assert.Equal(t, 1, rec.ImpactsSignificant)
	assert.Equal(t, 1, rec.FallbackAssessments)
	assert.Equal(t, 3*time.Second, rec.ReasoningTime)
	assert.EqualValues(t, 2, rec.APICalls["reasoning"])
	assert.Zero(t, rec.OpportunitiesDetected)
}

func TestRunCycle_UsesCachedPriceWhenFetchFails(t *testing.T) {
	h := newHarness(t, Config{})
	h.orch.RunCycle(context.Background())

	h.markets.priceErrs = map[string]error{"m-0": errors.New("timeout")}
	h.news.items = []models.NewsItem{{URL: "https://news.example/next", Title: "Next"}}
	rec := h.orch.RunCycle(context.Background())
	assert.Equal(t, 1, rec.MarketsWithPrices)
	assert.Equal(t, 1, rec.OpportunitiesDetected)

	// Stale cache entries are not used.
	h.orch.now = func() time.Time { return time.Now().Add(time.Hour) }
	h.news.items = []models.NewsItem{{URL: "https://news.example/later", Title: "Later"}}
	rec = h.orch.RunCycle(context.Background())
	assert.Zero(t, rec.MarketsWithPrices)
}

func TestRunCycle_RotatesQueries(t *testing.T) {
	h := newHarness(t, Config{SearchQueries: []string{"election", "fed rates"}})
	for i := 0; i < 3; i++ {
		h.orch.RunCycle(context.Background())
	}
	assert.Equal(t, []string{"election", "fed rates", "election"}, h.news.queries)
	assert.Equal(t, "fed rates", h.state.Cycles.GetRecent(2)[1].Query)
}

func TestRunCycle_CancelledCycleIsDiscarded(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	h.news.onCall = cancel

	rec := h.orch.RunCycle(ctx)
	h.orch.notifyWG.Wait()

	require.NotNil(t, rec.EndTime)
	assert.Zero(t, rec.AlertsGenerated)
	assert.Zero(t, h.state.Cycles.Len())
	assert.Zero(t, h.state.Alerts.Len())
	assert.Empty(t, h.persister.cycles)
	assert.Empty(t, h.persister.alerts)
	assert.Zero(t, h.notifier.count())
	assert.Empty(t, h.cycles, "OnCycle is not called for interrupted cycles")
}

func TestRun_StopsAfterMaxCycles(t *testing.T) {
	h := newHarness(t, Config{MaxCycles: 3, Interval: time.Millisecond})

	require.NoError(t, h.orch.Run(context.Background()))

	assert.Len(t, h.cycles, 3)
	assert.Equal(t, 3, h.state.Cycles.Len())
	assert.Equal(t, 1, h.notifier.count())

	hb, err := state.ReadHeartbeat(h.hbPath)
	require.NoError(t, err)
	assert.False(t, hb.WorkerRunning)
	assert.EqualValues(t, 3, hb.CurrentCycle)
	assert.NotNil(t, hb.LastCycleTime)
	assert.False(t, h.state.Status().WorkerRunning)
}

func TestRun_SurvivesPanicOutsideStages(t *testing.T) {
	t.Run("persistence and notifier", func(t *testing.T) {
		h := newHarness(t, Config{MaxCycles: 3, Interval: time.Millisecond})
		h.persister.cyclePanics = "persistence bug"
		h.notifier.panics = "notifier bug"

		require.NotPanics(t, func() {
			require.NoError(t, h.orch.Run(context.Background()))
		})

		assert.EqualValues(t, 3, h.orch.cycleID)
		assert.Equal(t, 3, h.state.Cycles.Len())
		assert.Equal(t, 1, h.notifier.count())
		assert.False(t, h.state.Status().WorkerRunning)
	})

	t.Run("cycle hook", func(t *testing.T) {
		h := newHarness(t, Config{MaxCycles: 2, Interval: time.Millisecond})
		calls := 0
		h.orch.cfg.OnCycle = func(*models.CycleRecord) {
			calls++
			panic("hook bug")
		}

		require.NotPanics(t, func() {
			require.NoError(t, h.orch.Run(context.Background()))
		})
		assert.Equal(t, 2, calls)
		assert.Len(t, h.persister.cycles, 2)
	})
}

func TestRun_CancelInterruptsSleep(t *testing.T) {
	h := newHarness(t, Config{Interval: time.Hour, HeartbeatInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	running := make(chan bool, 1)
	h.orch.cfg.OnCycle = func(*models.CycleRecord) {
		running <- h.state.Status().WorkerRunning
	}

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()

	select {
	case r := <-running:
		assert.True(t, r)
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle did not finish")
	}

	// The heartbeat keeps being refreshed while the loop sleeps.
	first, err := state.ReadHeartbeat(h.hbPath)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		hb, err := state.ReadHeartbeat(h.hbPath)
		return err == nil && hb.LastHeartbeat.After(first.LastHeartbeat)
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, h.state.Status().WorkerRunning)
}

func TestStageError(t *testing.T) {
	cause := errors.New("timeout")
	err := &StageError{Stage: StageMarkets, Err: cause}
	assert.Equal(t, "Market fetch failed: timeout", err.Error())
	assert.ErrorIs(t, err, cause)
}
