// Package impact assesses how a news item should move a prediction market.
//
// Each (news, market) pair moves through a fixed sequence:
//
//	rate-limit wait -> model call -> parse -> model result
//
// Any failure along the way (no credential, limiter wait aborted, model error,
// unparsable or out-of-range output) resolves to a deterministic keyword
// fallback. Invalid inputs and recovered panics resolve to a neutral assessment.
// Assess never returns an error; Result.Err only explains a degraded outcome.
package impact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/polysignal/internal/jsonrepair"
	"github.com/rewired-gh/polysignal/internal/llm"
	"github.com/rewired-gh/polysignal/internal/logger"
	"github.com/rewired-gh/polysignal/internal/models"
	"github.com/rewired-gh/polysignal/internal/ratelimit"
)

// Outcome records which path produced an assessment.
type Outcome string

const (
	OutcomeModel    Outcome = "model"
	OutcomeFallback Outcome = "fallback"
	OutcomeNeutral  Outcome = "neutral"
)

// Model names recorded on non-model assessments.
const (
	FallbackModel = "keyword-fallback"
	NeutralModel  = "none"
)

// Defaults applied when the model omits a field.
const (
	defaultRelevance     = 0.5
	defaultConfidence    = 0.5
	defaultMagnitude     = 0.1
	defaultExpectedPrice = 0.5
	defaultReasoning     = "No reasoning provided"
)

var errUnparsable = errors.New("model output contained no recoverable JSON object")

// Result is the outcome of assessing one pair.
type Result struct {
	Assessment models.ImpactAssessment
	Outcome    Outcome
	Err        error
	Elapsed    time.Duration
}

// Config tunes the model path.
type Config struct {
	Timeout        time.Duration
	CallsPerWindow int
	Window         time.Duration
}

// Assessor produces impact assessments. A nil generator is valid and means
// every pair is assessed by the keyword fallback.
type Assessor struct {
	gen     llm.Generator
	limiter *ratelimit.Window
	timeout time.Duration
}

// New creates an Assessor. The limiter is separate from any HTTP client limiter
// because the model API has its own quota.
func New(gen llm.Generator, cfg Config) *Assessor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if gen == nil {
		logger.Info("No reasoning API key configured, impact assessment will use keyword fallback")
	}
	return &Assessor{
		gen:     gen,
		limiter: ratelimit.NewWindow(cfg.CallsPerWindow, cfg.Window),
		timeout: cfg.Timeout,
	}
}

// HasModel reports whether a generator is configured.
func (a *Assessor) HasModel() bool { return a.gen != nil }

// Assess evaluates one news item against one market.
func (a *Assessor) Assess(ctx context.Context, news models.NewsItem, market models.Market) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Impact assessment panicked for market %s: %v", market.ID, r)
			res = neutral(news, market, fmt.Errorf("panic: %v", r))
		}
		res.Elapsed = time.Since(start)
	}()

	if err := news.Validate(); err != nil {
		return neutral(news, market, err)
	}
	if err := market.Validate(); err != nil {
		return neutral(news, market, err)
	}

	if a.gen == nil {
		return Result{Assessment: fallback(news, market), Outcome: OutcomeFallback}
	}

	assessment, err := a.viaModel(ctx, news, market)
	if err != nil {
		if llm.IsRateLimitError(err) {
			logger.Warn("Reasoning quota exhausted for market %s, using fallback: %v", market.ID, err)
		} else {
			logger.Debug("Model assessment unavailable for market %s, using fallback: %v", market.ID, err)
		}
		return Result{Assessment: fallback(news, market), Outcome: OutcomeFallback, Err: err}
	}
	return Result{Assessment: assessment, Outcome: OutcomeModel}
}

func (a *Assessor) viaModel(ctx context.Context, news models.NewsItem, market models.Market) (models.ImpactAssessment, error) {
	if err := a.limiter.Acquire(ctx); err != nil {
		return models.ImpactAssessment{}, fmt.Errorf("rate limit wait aborted: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	text, err := a.gen.Generate(callCtx, buildPrompt(news, market))
	if err != nil {
		return models.ImpactAssessment{}, err
	}

	obj := jsonrepair.Repair(text)
	if obj == nil {
		return models.ImpactAssessment{}, errUnparsable
	}

	assessment, err := coerce(obj)
	if err != nil {
		return models.ImpactAssessment{}, err
	}
	assessment.ID = newID()
	assessment.NewsURL = news.URL
	assessment.MarketID = market.ID
	assessment.Model = a.gen.Name()
	assessment.CreatedAt = time.Now().UTC()

	if err := assessment.Validate(); err != nil {
		return models.ImpactAssessment{}, err
	}
	return assessment, nil
}

// coerce maps a parsed object to assessment fields. Missing fields take defaults;
// present but invalid values are rejected.
func coerce(obj map[string]interface{}) (models.ImpactAssessment, error) {
	var out models.ImpactAssessment
	var err error

	if out.Relevance, err = unitField(obj, "relevance", defaultRelevance); err != nil {
		return out, err
	}
	if out.Confidence, err = unitField(obj, "confidence", defaultConfidence); err != nil {
		return out, err
	}
	if out.ExpectedMagnitude, err = unitField(obj, "expected_magnitude", defaultMagnitude); err != nil {
		return out, err
	}
	if out.ExpectedPrice, err = unitField(obj, "expected_price", defaultExpectedPrice); err != nil {
		return out, err
	}

	out.Direction = models.DirectionNeutral
	if raw, exists := obj["direction"]; exists && raw != nil {
		s, ok := raw.(string)
		if !ok {
			return out, fmt.Errorf("direction is not a string: %v", raw)
		}
		d, ok := models.ParseDirection(strings.ToLower(strings.TrimSpace(s)))
		if !ok {
			return out, fmt.Errorf("unknown direction %q", s)
		}
		out.Direction = d
	}

	out.Reasoning = defaultReasoning
	if s, ok := jsonrepair.String(obj, "reasoning"); ok && strings.TrimSpace(s) != "" {
		out.Reasoning = s
	}
	return out, nil
}

func unitField(obj map[string]interface{}, key string, def float64) (float64, error) {
	v, present, ok := jsonrepair.Float(obj, key)
	if !present {
		return def, nil
	}
	if !ok {
		return 0, fmt.Errorf("%s is not a number", key)
	}
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("%s %.3f outside [0, 1]", key, v)
	}
	return v, nil
}

func neutral(news models.NewsItem, market models.Market, cause error) Result {
	return Result{
		Assessment: models.ImpactAssessment{
			ID:            newID(),
			NewsURL:       news.URL,
			MarketID:      market.ID,
			Direction:     models.DirectionNeutral,
			ExpectedPrice: 0.5,
			Reasoning:     fmt.Sprintf("Failed to analyze: %v", cause),
			Model:         NeutralModel,
			CreatedAt:     time.Now().UTC(),
		},
		Outcome: OutcomeNeutral,
		Err:     cause,
	}
}

func newID() string {
	return "impact-" + uuid.New().String()
}
