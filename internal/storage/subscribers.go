package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rewired-gh/polysignal/internal/models"
)

// AddSubscriber subscribes a chat, reactivating it if it unsubscribed earlier.
// The original subscription time is kept on reactivation.
func (s *Storage) AddSubscriber(ctx context.Context, sub *models.Subscriber) error {
	if err := sub.Validate(); err != nil {
		return fmt.Errorf("invalid subscriber: %w", err)
	}
	now := toNanos(time.Now())

	_, err := s.db.ExecContext(ctx, `INSERT INTO telegram_subscribers
		(chat_id, username, first_name, last_name, is_active, subscribed_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			username = excluded.username,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			is_active = 1,
			updated_at = excluded.updated_at`,
		sub.ChatID, sub.Username, sub.FirstName, sub.LastName, now, now)
	if err != nil {
		return fmt.Errorf("failed to add subscriber %d: %w", sub.ChatID, err)
	}
	return nil
}

// DeactivateSubscriber unsubscribes a chat. It reports whether the chat was subscribed.
func (s *Storage) DeactivateSubscriber(ctx context.Context, chatID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE telegram_subscribers SET is_active = 0, updated_at = ? WHERE chat_id = ? AND is_active = 1`,
		toNanos(time.Now()), chatID)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate subscriber %d: %w", chatID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to deactivate subscriber %d: %w", chatID, err)
	}
	return n > 0, nil
}

// ActiveSubscribers returns subscribed chats in subscription order.
func (s *Storage) ActiveSubscribers(ctx context.Context) ([]models.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id, username, first_name, last_name, is_active, subscribed_at, updated_at
		FROM telegram_subscribers WHERE is_active = 1 ORDER BY subscribed_at ASC, chat_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscribers: %w", err)
	}
	defer rows.Close()

	var out []models.Subscriber
	for rows.Next() {
		var sub models.Subscriber
		var active int
		var subscribed, updated int64
		if err := rows.Scan(&sub.ChatID, &sub.Username, &sub.FirstName, &sub.LastName, &active, &subscribed, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan subscriber: %w", err)
		}
		sub.Active = active == 1
		sub.SubscribedAt = fromNanos(subscribed)
		sub.UpdatedAt = fromNanos(updated)
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read subscribers: %w", err)
	}
	return out, nil
}

// CountActiveSubscribers returns the number of subscribed chats.
func (s *Storage) CountActiveSubscribers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM telegram_subscribers WHERE is_active = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count subscribers: %w", err)
	}
	return n, nil
}
