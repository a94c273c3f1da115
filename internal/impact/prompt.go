package impact

import (
	"fmt"
	"strings"
	"time"

	"github.com/rewired-gh/polysignal/internal/models"
)

const responseFormat = `Respond with ONLY one JSON object, no markdown and no text outside it:
{
    "relevance": 0.75,
    "direction": "up",
    "confidence": 0.8,
    "expected_magnitude": 0.15,
    "expected_price": 0.65,
    "reasoning": "One or two sentences"
}
The values above are placeholders. Replace them with your own analysis.`

func buildPrompt(news models.NewsItem, market models.Market) string {
	published := "Unknown"
	if news.PublishedAt != nil {
		published = news.PublishedAt.UTC().Format(time.RFC3339)
	}
	source := orDefault(news.Source, "Unknown")
	endDate := "Open-ended"
	if market.EndDate != nil {
		endDate = market.EndDate.UTC().Format("2006-01-02")
	}

	var b strings.Builder
	b.WriteString("You analyze how news moves prediction market prices.\n\n")
	fmt.Fprintf(&b, "NEWS ARTICLE:\nTitle: %s\nSummary: %s\nPublished: %s\nSource: %s\n\n",
		news.Title, news.Summary, published, source)
	fmt.Fprintf(&b, "PREDICTION MARKET:\nQuestion: %s\nDescription: %s\nEnd Date: %s\n",
		market.Question, orDefault(market.Description, "None"), endDate)
	if market.YesPrice > 0 {
		fmt.Fprintf(&b, "Listed YES price: %.2f\n", market.YesPrice)
	}
	b.WriteString(`
TASK:
Judge how this article should move the market's YES price:
- relevance: how directly the article bears on how the market resolves (0.0-1.0)
- direction: up, down or neutral
- confidence: how sure you are of this judgment (0.0-1.0)
- expected_magnitude: size of the expected price move (0.0-1.0)
- expected_price: the YES price you expect after the market absorbs the news (0.0-1.0)

`)
	b.WriteString(responseFormat)
	return b.String()
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
