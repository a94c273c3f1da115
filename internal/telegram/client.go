// Package telegram delivers alerts to subscribed Telegram chats and handles
// the bot's subscription commands.
//
// Delivery to each chat is independent: one chat failing after its retries does
// not affect the others, and a partially failed broadcast is not an error for the
// caller. Sends are paced by a shared token bucket to stay under Telegram's
// global bot limit.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/polysignal/internal/logger"
	"github.com/rewired-gh/polysignal/internal/models"
	"golang.org/x/time/rate"
)

// Sender is the part of tgbotapi.BotAPI used for outgoing messages.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Updater is the part of tgbotapi.BotAPI used for incoming commands.
type Updater interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// SubscriberStore persists chat subscriptions.
type SubscriberStore interface {
	AddSubscriber(ctx context.Context, sub *models.Subscriber) error
	DeactivateSubscriber(ctx context.Context, chatID int64) (bool, error)
	ActiveSubscribers(ctx context.Context) ([]models.Subscriber, error)
}

// Config holds Telegram delivery settings.
type Config struct {
	BotToken          string
	AdminChatID       string
	MinSeverity       models.Severity
	MaxRetries        int
	RetryDelayBase    time.Duration
	MessagesPerSecond float64
}

// BroadcastResult summarizes one alert broadcast.
type BroadcastResult struct {
	Total  int
	Sent   int
	Failed int
	// Reason explains a skipped broadcast.
	Reason string
}

// Client handles Telegram notifications
type Client struct {
	bot            Sender
	updates        Updater
	store          SubscriberStore
	adminChatID    int64
	minSeverity    models.Severity
	maxRetries     int
	retryDelayBase time.Duration
	limiter        *rate.Limiter
	status         func() string
}

// NewClient connects to the Bot API.
func NewClient(cfg Config, store SubscriberStore) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newClient(bot, bot, store, cfg)
}

func newClient(bot Sender, updates Updater, store SubscriberStore, cfg Config) (*Client, error) {
	var adminChatID int64
	if cfg.AdminChatID != "" {
		id, err := strconv.ParseInt(cfg.AdminChatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid admin chat ID: %w", err)
		}
		adminChatID = id
	}

	if cfg.MinSeverity == "" {
		cfg.MinSeverity = models.SeverityWarning
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 25
	}

	return &Client{
		bot:            bot,
		updates:        updates,
		store:          store,
		adminChatID:    adminChatID,
		minSeverity:    cfg.MinSeverity,
		maxRetries:     cfg.MaxRetries,
		retryDelayBase: cfg.RetryDelayBase,
		limiter:        rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), 1),
		status:         func() string { return "Status unavailable" },
	}, nil
}

// SetStatusFunc sets the text source for the /status command.
func (c *Client) SetStatusFunc(fn func() string) {
	if fn != nil {
		c.status = fn
	}
}

// Broadcast sends alert to every active subscriber at or above the minimum severity.
func (c *Client) Broadcast(ctx context.Context, alert models.Alert) BroadcastResult {
	if alert.Severity.Rank() < c.minSeverity.Rank() {
		return BroadcastResult{Reason: fmt.Sprintf("severity %s below %s", alert.Severity, c.minSeverity)}
	}

	subscribers, err := c.store.ActiveSubscribers(ctx)
	if err != nil {
		return BroadcastResult{Reason: fmt.Sprintf("failed to load subscribers: %v", err)}
	}
	if len(subscribers) == 0 {
		return BroadcastResult{Reason: "no active subscribers"}
	}

	text := formatAlert(alert)
	res := BroadcastResult{Total: len(subscribers)}
	for _, sub := range subscribers {
		if err := c.send(ctx, sub.ChatID, text); err != nil {
			res.Failed++
			logger.Warn("Failed to deliver alert %s to chat %d: %v", alert.ID, sub.ChatID, err)
			continue
		}
		res.Sent++
	}
	return res
}

// Notify broadcasts alert and logs the outcome. It never fails the caller.
func (c *Client) Notify(ctx context.Context, alert models.Alert) {
	res := c.Broadcast(ctx, alert)
	if res.Reason != "" {
		logger.Debug("Telegram broadcast of %s skipped: %s", alert.ID, res.Reason)
		return
	}
	logger.Info("Telegram broadcast of %s: %d/%d delivered, %d failed", alert.ID, res.Sent, res.Total, res.Failed)
}

// SendError tells the admin chat that cycles have started failing.
func (c *Client) SendError(err error) error {
	if c.adminChatID == 0 {
		return nil
	}
	text := fmt.Sprintf("⚠️ *Detection cycle failing*\n\n`%s`", escapeCode(err.Error()))
	return c.send(context.Background(), c.adminChatID, text)
}

// SendRecovery tells the admin chat that cycles succeed again.
func (c *Client) SendRecovery(failures int) error {
	if c.adminChatID == 0 {
		return nil
	}
	text := fmt.Sprintf("✅ *Detection recovered* after %d failed %s", failures, plural(failures, "cycle", "cycles"))
	return c.send(context.Background(), c.adminChatID, text)
}

// send delivers one MarkdownV2 message with linear backoff between attempts.
func (c *Client) send(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.DisableWebPagePreview = true

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if i == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed to send message after %d retries: %w", c.maxRetries, lastErr)
}

// ListenForCommands handles /start, /stop and /status until ctx is done.
func (c *Client) ListenForCommands(ctx context.Context) {
	if c.updates == nil {
		return
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.updates.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.updates.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				c.handleUpdate(ctx, update)
			}
		}
	}()
	logger.Info("Telegram command listener started")
}

func (c *Client) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil || !msg.IsCommand() {
		return
	}
	chatID := msg.Chat.ID

	var reply string
	switch msg.Command() {
	case "start":
		sub := &models.Subscriber{ChatID: chatID, Active: true}
		if msg.From != nil {
			sub.Username = msg.From.UserName
			sub.FirstName = msg.From.FirstName
			sub.LastName = msg.From.LastName
		}
		if err := c.store.AddSubscriber(ctx, sub); err != nil {
			logger.Error("Failed to subscribe chat %d: %v", chatID, err)
			reply = "Subscription failed, please try again later\\."
		} else {
			logger.Info("Chat %d subscribed", chatID)
			reply = "🔔 *Subscribed*\n\nYou will receive alerts when news suggests a market is mispriced\\. Send /stop to unsubscribe\\."
		}
	case "stop":
		ok, err := c.store.DeactivateSubscriber(ctx, chatID)
		switch {
		case err != nil:
			logger.Error("Failed to unsubscribe chat %d: %v", chatID, err)
			reply = "Unsubscribe failed, please try again later\\."
		case ok:
			logger.Info("Chat %d unsubscribed", chatID)
			reply = "🔕 Unsubscribed\\. Send /start to subscribe again\\."
		default:
			reply = "This chat is not subscribed\\."
		}
	case "status":
		reply = escapeMarkdownV2(c.status())
	default:
		reply = "Commands: /start to subscribe, /stop to unsubscribe, /status for worker health\\."
	}

	if err := c.send(ctx, chatID, reply); err != nil {
		logger.Warn("Failed to reply to chat %d: %v", chatID, err)
	}
}

var severityEmoji = map[models.Severity]string{
	models.SeverityCritical: "🔴",
	models.SeverityWarning:  "🟡",
	models.SeverityInfo:     "🔵",
}

const maxReasoning = 300

// formatAlert renders an alert as MarkdownV2.
func formatAlert(a models.Alert) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s *%s*\n\n", severityEmoji[a.Severity], escapeMarkdownV2(a.Title))
	fmt.Fprintf(&b, "*Severity:* %s\n", escapeMarkdownV2(string(a.Severity)))
	fmt.Fprintf(&b, "*Confidence:* %s\n", escapeMarkdownV2(fmt.Sprintf("%.1f%%", a.Confidence*100)))
	fmt.Fprintf(&b, "*Market:* %s\n\n", escapeMarkdownV2(a.MarketQuestion))

	fmt.Fprintf(&b, "*Current:* %s\n", escapeMarkdownV2(fmt.Sprintf("%.2f", a.CurrentPrice)))
	fmt.Fprintf(&b, "*Expected:* %s\n", escapeMarkdownV2(fmt.Sprintf("%.2f", a.ExpectedPrice)))
	fmt.Fprintf(&b, "*Discrepancy:* %s\n\n", escapeMarkdownV2(fmt.Sprintf("%.2f%%", a.Discrepancy*100)))

	if a.NewsURL != "" {
		title := a.NewsTitle
		if title == "" {
			title = a.NewsURL
		}
		fmt.Fprintf(&b, "📰 [%s](%s)\n\n", escapeMarkdownV2(title), escapeURL(a.NewsURL))
	}

	if a.Reasoning != "" {
		reasoning := models.TruncateRunes(a.Reasoning, maxReasoning)
		if reasoning != a.Reasoning {
			reasoning += "..."
		}
		fmt.Fprintf(&b, "*Reasoning:* %s\n\n", escapeMarkdownV2(reasoning))
	}

	fmt.Fprintf(&b, "*Recommended Action:* %s\n", escapeMarkdownV2(strings.ToUpper(string(a.RecommendedAction))))
	fmt.Fprintf(&b, "_Alert ID: %s_", escapeMarkdownV2(a.ID))
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// escapeURL escapes the two characters MarkdownV2 reserves inside (...) links.
func escapeURL(u string) string {
	return strings.NewReplacer(`\`, `\\`, `)`, `\)`).Replace(u)
}

// escapeCode escapes the characters MarkdownV2 reserves inside code spans.
func escapeCode(s string) string {
	return strings.NewReplacer("\\", "\\\\", "`", "\\`").Replace(s)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
