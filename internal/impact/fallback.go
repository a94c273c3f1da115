package impact

import (
	"fmt"
	"strings"
	"time"

	"github.com/rewired-gh/polysignal/internal/models"
)

// Sentiment keywords are matched as substrings of the lowercased article text,
// so "wins" counts for "win" and "downturn" for "down".
var (
	positiveKeywords = []string{"win", "gain", "success", "approve", "pass", "yes", "up"}
	negativeKeywords = []string{"lose", "fail", "reject", "down", "no", "fall", "drop"}
)

const (
	fallbackConfidence = 0.4
	fallbackMagnitude  = 0.1
)

// fallback scores a pair by word overlap and sentiment keyword counts.
func fallback(news models.NewsItem, market models.Market) models.ImpactAssessment {
	title := strings.ToLower(news.Title)
	summary := strings.ToLower(news.Summary)

	questionWords := wordSet(strings.ToLower(market.Question))
	newsWords := wordSet(title)
	for w := range wordSet(summary) {
		newsWords[w] = struct{}{}
	}

	overlap := 0
	for w := range questionWords {
		if _, ok := newsWords[w]; ok {
			overlap++
		}
	}
	relevance := float64(overlap) / float64(max(len(questionWords), 1))
	relevance = min(relevance, 1.0)

	text := title + " " + summary
	direction := models.DirectionNeutral
	switch pos, neg := countKeywords(text, positiveKeywords), countKeywords(text, negativeKeywords); {
	case pos > neg:
		direction = models.DirectionUp
	case neg > pos:
		direction = models.DirectionDown
	}

	expected := 0.5
	switch direction {
	case models.DirectionUp:
		expected = 0.6
	case models.DirectionDown:
		expected = 0.4
	}

	return models.ImpactAssessment{
		ID:                newID(),
		NewsURL:           news.URL,
		MarketID:          market.ID,
		Relevance:         relevance,
		Direction:         direction,
		Confidence:        fallbackConfidence,
		ExpectedMagnitude: fallbackMagnitude,
		ExpectedPrice:     expected,
		Reasoning: fmt.Sprintf("Keyword-based analysis: %s direction based on article content. Relevance: %.2f based on word overlap.",
			direction, relevance),
		Model:     FallbackModel,
		CreatedAt: time.Now().UTC(),
	}
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		set[w] = struct{}{}
	}
	return set
}

func countKeywords(text string, keywords []string) int {
	n := 0
	for _, k := range keywords {
		if strings.Contains(text, k) {
			n++
		}
	}
	return n
}
