package models

import (
	"errors"
	"time"
)

// NewsItem is a fetched news article. The URL is its identity.
type NewsItem struct {
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Summary     string     `json:"summary"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Source      string     `json:"source,omitempty"`
}

// Validate checks that the item can be assessed
func (n *NewsItem) Validate() error {
	if n.URL == "" {
		return errors.New("news URL must not be empty")
	}
	if n.Title == "" {
		return errors.New("news title must not be empty")
	}
	return nil
}
