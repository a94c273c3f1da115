package news

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	readability "github.com/go-shiori/go-readability"
	"github.com/rewired-gh/polysignal/internal/logger"
	"github.com/rewired-gh/polysignal/internal/models"
	"golang.org/x/sync/errgroup"
)

const (
	maxEnrichedSummary = 1000
	enrichConcurrency  = 4
)

// Enricher replaces short summaries with the article's extracted text.
type Enricher struct {
	minSummary int
	fetch      func(ctx context.Context, pageURL string) (string, error)
}

// NewEnricher extracts article text with readability. Summaries shorter than
// minSummary characters are replaced.
func NewEnricher(timeout time.Duration, minSummary int, userAgent string) *Enricher {
	client := &http.Client{Timeout: timeout}
	return &Enricher{
		minSummary: minSummary,
		fetch: func(ctx context.Context, pageURL string) (string, error) {
			return fetchArticleText(ctx, client, pageURL, userAgent)
		},
	}
}

// Enrich returns a copy of items with short summaries filled in. Items whose
// page cannot be read keep their summary.
func (e *Enricher) Enrich(ctx context.Context, items []models.NewsItem) []models.NewsItem {
	out := make([]models.NewsItem, len(items))
	copy(out, items)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichConcurrency)
	for i := range out {
		if utf8.RuneCountInString(out[i].Summary) >= e.minSummary {
			continue
		}
		g.Go(func() error {
			text, err := e.fetch(ctx, out[i].URL)
			if err != nil {
				logger.Debug("Could not enrich %s: %v", out[i].URL, err)
				return nil
			}
			text = strings.Join(strings.Fields(text), " ")
			if utf8.RuneCountInString(text) <= utf8.RuneCountInString(out[i].Summary) {
				return nil
			}
			out[i].Summary = models.TruncateRunes(text, maxEnrichedSummary)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func fetchArticleText(ctx context.Context, client *http.Client, pageURL, userAgent string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	article, err := readability.FromReader(resp.Body, u)
	if err != nil {
		return "", fmt.Errorf("failed to extract article: %w", err)
	}
	return article.TextContent, nil
}
