package models

import (
	"errors"
	"time"
)

// Subscriber is a Telegram chat that receives alerts.
type Subscriber struct {
	ChatID       int64     `json:"chat_id"`
	Username     string    `json:"username,omitempty"`
	FirstName    string    `json:"first_name,omitempty"`
	LastName     string    `json:"last_name,omitempty"`
	Active       bool      `json:"is_active"`
	SubscribedAt time.Time `json:"subscribed_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks that all subscriber fields are valid
func (s *Subscriber) Validate() error {
	if s.ChatID == 0 {
		return errors.New("chat ID must not be zero")
	}
	return nil
}
