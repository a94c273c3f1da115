package news

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/polysignal/internal/httpclient"
	"github.com/rewired-gh/polysignal/internal/logger"
	"github.com/rewired-gh/polysignal/internal/models"
)

const maxBraveCount = 50

// BraveConfig configures the Brave news search client.
type BraveConfig struct {
	APIKey     string
	BaseURL    string
	RateLimit  int
	Timeout    time.Duration
	MaxAgeDays int
	UserAgent  string
}

// BraveClient searches the Brave News Search API.
type BraveClient struct {
	http   *httpclient.Client
	maxAge time.Duration
	now    func() time.Time
}

type braveResponse struct {
	Results []braveResult `json:"results"`
}

type braveResult struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Age         string `json:"age"`
	PageAge     string `json:"page_age"`
	MetaURL     struct {
		Hostname string `json:"hostname"`
	} `json:"meta_url"`
}

// NewBraveClient creates a Brave client.
func NewBraveClient(cfg BraveConfig) *BraveClient {
	var maxAge time.Duration
	if cfg.MaxAgeDays > 0 {
		maxAge = time.Duration(cfg.MaxAgeDays) * 24 * time.Hour
	}
	return &BraveClient{
		http: httpclient.New(cfg.BaseURL, httpclient.Config{
			Name:      "brave",
			RateLimit: cfg.RateLimit,
			Timeout:   cfg.Timeout,
			UserAgent: cfg.UserAgent,
			Headers:   map[string]string{"X-Subscription-Token": cfg.APIKey},
			Retryable: httpclient.RetryTransientStatus,
		}),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Name implements Source.
func (b *BraveClient) Name() string { return "brave" }

// Calls returns the number of requests issued.
func (b *BraveClient) Calls() int64 { return b.http.Calls() }

// Search returns dated news items for query. Items without a usable date or
// older than the configured maximum age are dropped.
func (b *BraveClient) Search(ctx context.Context, query string, count int, freshness string) ([]models.NewsItem, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("count", strconv.Itoa(min(max(count, 1), maxBraveCount)))
	params.Set("search_lang", "en")
	if freshness != "" {
		params.Set("freshness", freshness)
	}

	var resp braveResponse
	if err := b.http.GetJSON(ctx, "/news/search", params, &resp); err != nil {
		return nil, fmt.Errorf("brave search %q: %w", query, err)
	}

	now := b.now()
	items := make([]models.NewsItem, 0, len(resp.Results))
	var undated, stale int
	for _, r := range resp.Results {
		if r.URL == "" || r.Title == "" {
			continue
		}
		published := parsePageAge(r.PageAge)
		if published == nil {
			published = parseRelativeAge(r.Age, now)
		}
		if published == nil {
			undated++
			continue
		}
		if b.maxAge > 0 && now.Sub(*published) > b.maxAge {
			stale++
			continue
		}

		source := r.MetaURL.Hostname
		if source == "" {
			if u, err := url.Parse(r.URL); err == nil {
				source = u.Hostname()
			}
		}
		items = append(items, models.NewsItem{
			URL:         r.URL,
			Title:       r.Title,
			Summary:     r.Description,
			PublishedAt: published,
			Source:      source,
		})
	}

	logger.Debug("Brave search %q: %d results, %d kept, %d undated, %d stale",
		query, len(resp.Results), len(items), undated, stale)
	return items, nil
}

var pageAgeLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

func parsePageAge(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range pageAgeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

var relativeAgeRe = regexp.MustCompile(`^(\d+)\s*([a-z]+)$`)

// parseRelativeAge reads ages like "2 hours ago", "3d" or "1w".
func parseRelativeAge(s string, now time.Time) *time.Time {
	s = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "ago")
	m := relativeAgeRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}

	var unit time.Duration
	switch m[2] {
	case "m", "min", "mins", "minute", "minutes":
		unit = time.Minute
	case "h", "hr", "hrs", "hour", "hours":
		unit = time.Hour
	case "d", "day", "days":
		unit = 24 * time.Hour
	case "w", "week", "weeks":
		unit = 7 * 24 * time.Hour
	case "mo", "month", "months":
		unit = 30 * 24 * time.Hour
	case "y", "year", "years":
		unit = 365 * 24 * time.Hour
	default:
		return nil
	}
	t := now.Add(-time.Duration(n) * unit).UTC()
	return &t
}
