// Package news fetches candidate news items from Brave Search and RSS/Atom
// feeds, and optionally fills in short summaries from the article page.
package news

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rewired-gh/polysignal/internal/logger"
	"github.com/rewired-gh/polysignal/internal/models"
)

// Source returns news items matching query.
type Source interface {
	Name() string
	Search(ctx context.Context, query string, count int, freshness string) ([]models.NewsItem, error)
}

// FreshnessWindow maps a freshness code (pd, pw, pm, py) to a duration.
// Unknown codes mean no limit.
func FreshnessWindow(freshness string) time.Duration {
	switch strings.ToLower(freshness) {
	case "pd":
		return 24 * time.Hour
	case "pw":
		return 7 * 24 * time.Hour
	case "pm":
		return 31 * 24 * time.Hour
	case "py":
		return 365 * 24 * time.Hour
	default:
		return 0
	}
}

// MultiSource queries several sources in order and merges their results.
type MultiSource struct {
	sources []Source
}

// NewMultiSource combines sources.
func NewMultiSource(sources ...Source) *MultiSource {
	return &MultiSource{sources: sources}
}

// Name lists the combined sources.
func (m *MultiSource) Name() string {
	names := make([]string, len(m.sources))
	for i, s := range m.sources {
		names[i] = s.Name()
	}
	return strings.Join(names, "+")
}

// Search merges results from every source, first occurrence of a URL wins.
// It fails only when every source fails.
func (m *MultiSource) Search(ctx context.Context, query string, count int, freshness string) ([]models.NewsItem, error) {
	if len(m.sources) == 0 {
		return nil, errors.New("no news sources configured")
	}

	var (
		items []models.NewsItem
		errs  []error
		seen  = make(map[string]bool)
	)
	for _, src := range m.sources {
		got, err := src.Search(ctx, query, count, freshness)
		if err != nil {
			logger.Warn("News source %s failed: %v", src.Name(), err)
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		for _, item := range got {
			if seen[item.URL] {
				continue
			}
			seen[item.URL] = true
			items = append(items, item)
		}
	}

	if len(errs) == len(m.sources) {
		return nil, errors.Join(errs...)
	}
	return items, nil
}

// matchesAny reports whether text contains any of terms, case-insensitively.
// Terms are expected lowercased.
func matchesAny(text string, terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	text = strings.ToLower(text)
	for _, term := range terms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}
