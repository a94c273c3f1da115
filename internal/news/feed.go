package news

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rewired-gh/polysignal/internal/logger"
	"github.com/rewired-gh/polysignal/internal/models"
)

// FeedSource filters items from a fixed list of RSS/Atom feeds.
type FeedSource struct {
	urls   []string
	parser *gofeed.Parser
	calls  atomic.Int64
	now    func() time.Time
}

// NewFeedSource reads the given feed URLs.
func NewFeedSource(urls []string, timeout time.Duration, userAgent string) *FeedSource {
	fp := gofeed.NewParser()
	fp.Client = &http.Client{Timeout: timeout}
	if userAgent != "" {
		fp.UserAgent = userAgent
	}
	return &FeedSource{urls: urls, parser: fp, now: time.Now}
}

// Name implements Source.
func (f *FeedSource) Name() string { return "feeds" }

// Calls returns the number of feed fetches.
func (f *FeedSource) Calls() int64 { return f.calls.Load() }

// Search returns items mentioning any query term published inside the
// freshness window, newest first.
func (f *FeedSource) Search(ctx context.Context, query string, count int, freshness string) ([]models.NewsItem, error) {
	terms := strings.Fields(strings.ToLower(query))
	window := FreshnessWindow(freshness)
	now := f.now()

	var (
		items  []models.NewsItem
		failed []error
	)
	for _, u := range f.urls {
		f.calls.Add(1)
		feed, err := f.parser.ParseURLWithContext(u, ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("Failed to parse feed %s: %v", u, err)
			failed = append(failed, fmt.Errorf("%s: %w", u, err))
			continue
		}
		items = append(items, feedItems(feed, terms, window, now)...)
	}
	if len(f.urls) > 0 && len(failed) == len(f.urls) {
		return nil, errors.Join(failed...)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].PublishedAt.After(*items[j].PublishedAt)
	})
	if count > 0 && len(items) > count {
		items = items[:count]
	}
	return items, nil
}

func feedItems(feed *gofeed.Feed, terms []string, window time.Duration, now time.Time) []models.NewsItem {
	var out []models.NewsItem
	for _, it := range feed.Items {
		if it == nil || it.Link == "" || it.Title == "" {
			continue
		}
		published := it.PublishedParsed
		if published == nil {
			published = it.UpdatedParsed
		}
		// Undated items cannot be checked for freshness.
		if published == nil {
			continue
		}
		if window > 0 && now.Sub(*published) > window {
			continue
		}
		if !matchesAny(it.Title+" "+it.Description, terms) {
			continue
		}
		t := published.UTC()
		out = append(out, models.NewsItem{
			URL:         it.Link,
			Title:       strings.TrimSpace(it.Title),
			Summary:     strings.TrimSpace(it.Description),
			PublishedAt: &t,
			Source:      feed.Title,
		})
	}
	return out
}
