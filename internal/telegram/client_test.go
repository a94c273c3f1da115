package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/polysignal/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	chatID int64
	text   string
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []sentMessage
	attempts map[int64]int
	failures map[int64]int // remaining failures per chat; -1 fails forever
}

func newFakeSender() *fakeSender {
	return &fakeSender{attempts: map[int64]int{}, failures: map[int64]int{}}
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg, ok := c.(tgbotapi.MessageConfig)
	if !ok {
		return tgbotapi.Message{}, errors.New("unexpected chattable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[msg.ChatID]++
	if n := f.failures[msg.ChatID]; n != 0 {
		if n > 0 {
			f.failures[msg.ChatID] = n - 1
		}
		return tgbotapi.Message{}, errors.New("Too Many Requests: retry after 1")
	}
	f.sent = append(f.sent, sentMessage{chatID: msg.ChatID, text: msg.Text})
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeSender) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type fakeStore struct {
	mu   sync.Mutex
	subs map[int64]*models.Subscriber
	err  error
}

func newFakeStore(chatIDs ...int64) *fakeStore {
	s := &fakeStore{subs: map[int64]*models.Subscriber{}}
	for _, id := range chatIDs {
		s.subs[id] = &models.Subscriber{ChatID: id, Active: true}
	}
	return s
}

func (s *fakeStore) AddSubscriber(_ context.Context, sub *models.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sub
	cp.Active = true
	s.subs[sub.ChatID] = &cp
	return nil
}

func (s *fakeStore) DeactivateSubscriber(_ context.Context, chatID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[chatID]
	if !ok || !sub.Active {
		return false, nil
	}
	sub.Active = false
	return true, nil
}

func (s *fakeStore) ActiveSubscribers(context.Context) ([]models.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []models.Subscriber
	for _, sub := range s.subs {
		if sub.Active {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (s *fakeStore) get(chatID int64) (models.Subscriber, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[chatID]
	if !ok {
		return models.Subscriber{}, false
	}
	return *sub, true
}

func testConfig() Config {
	return Config{
		MinSeverity:       models.SeverityWarning,
		MaxRetries:        3,
		RetryDelayBase:    time.Millisecond,
		MessagesPerSecond: 1000,
	}
}

func newTestClient(t *testing.T, sender Sender, store SubscriberStore, cfg Config) *Client {
	t.Helper()
	c, err := newClient(sender, nil, store, cfg)
	require.NoError(t, err)
	return c
}

func testAlert(sev models.Severity) models.Alert {
	return models.Alert{
		ID:                "alert-1",
		OpportunityID:     "opp-impact-1",
		Severity:          sev,
		Title:             "Arbitrage opportunity: Will the bill pass?...",
		Message:           "News 'Bill passes' suggests price should move up from 0.55 to 0.70 (discrepancy: 15.00%)",
		NewsURL:           "https://example.com/news_(1)",
		NewsTitle:         "Bill passes the Senate!",
		MarketID:          "m-1",
		MarketQuestion:    "Will the bill pass?",
		Reasoning:         "The vote count (51-49) makes passage likely.",
		Confidence:        0.75,
		CurrentPrice:      0.55,
		ExpectedPrice:     0.70,
		Discrepancy:       0.15,
		PotentialProfit:   0.1125,
		RecommendedAction: models.ActionMonitor,
	}
}

func TestNewClient_InvalidAdminChat(t *testing.T) {
	cfg := testConfig()
	cfg.AdminChatID = "not-a-number"
	_, err := newClient(newFakeSender(), nil, newFakeStore(), cfg)
	assert.Error(t, err)
}

func TestBroadcast(t *testing.T) {
	tests := []struct {
		name       string
		severity   models.Severity
		chats      []int64
		failures   map[int64]int
		storeErr   error
		wantSent   int
		wantFailed int
		wantReason bool
	}{
		{name: "below minimum severity", severity: models.SeverityInfo, chats: []int64{1}, wantReason: true},
		{name: "no subscribers", severity: models.SeverityWarning, wantReason: true},
		{name: "store failure", severity: models.SeverityWarning, chats: []int64{1}, storeErr: errors.New("db locked"), wantReason: true},
		{name: "all delivered", severity: models.SeverityCritical, chats: []int64{1, 2, 3}, wantSent: 3},
		{name: "transient failure retried", severity: models.SeverityWarning, chats: []int64{1, 2}, failures: map[int64]int{2: 2}, wantSent: 2},
		{name: "one chat fails independently", severity: models.SeverityWarning, chats: []int64{1, 2, 3}, failures: map[int64]int{2: -1}, wantSent: 2, wantFailed: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := newFakeSender()
			for id, n := range tt.failures {
				sender.failures[id] = n
			}
			store := newFakeStore(tt.chats...)
			store.err = tt.storeErr
			c := newTestClient(t, sender, store, testConfig())

			res := c.Broadcast(context.Background(), testAlert(tt.severity))

			assert.Equal(t, tt.wantReason, res.Reason != "", "reason: %q", res.Reason)
			assert.Equal(t, tt.wantSent, res.Sent)
			assert.Equal(t, tt.wantFailed, res.Failed)
			if !tt.wantReason {
				assert.Equal(t, len(tt.chats), res.Total)
			}
			assert.Len(t, sender.messages(), tt.wantSent)
		})
	}
}

func TestBroadcast_RetriesUpToMax(t *testing.T) {
	sender := newFakeSender()
	sender.failures[7] = -1
	c := newTestClient(t, sender, newFakeStore(7), testConfig())

	res := c.Broadcast(context.Background(), testAlert(models.SeverityCritical))
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 3, sender.attempts[7])
}

func TestBroadcast_CancelledContextStopsRetries(t *testing.T) {
	sender := newFakeSender()
	sender.failures[7] = -1
	cfg := testConfig()
	cfg.RetryDelayBase = time.Hour
	c := newTestClient(t, sender, newFakeStore(7), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := c.Broadcast(ctx, testAlert(models.SeverityCritical))
	assert.Equal(t, 1, res.Failed)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSendErrorAndRecovery(t *testing.T) {
	sender := newFakeSender()
	c := newTestClient(t, sender, newFakeStore(), testConfig())

	// No admin chat configured: nothing to send.
	require.NoError(t, c.SendError(errors.New("boom")))
	require.NoError(t, c.SendRecovery(2))
	assert.Empty(t, sender.messages())

	cfg := testConfig()
	cfg.AdminChatID = "-100123"
	c = newTestClient(t, sender, newFakeStore(), cfg)
	require.NoError(t, c.SendError(errors.New("News search failed: timeout")))
	require.NoError(t, c.SendRecovery(1))

	msgs := sender.messages()
	require.Len(t, msgs, 2)
	assert.EqualValues(t, -100123, msgs[0].chatID)
	assert.Contains(t, msgs[0].text, "News search failed: timeout")
	assert.Contains(t, msgs[1].text, "after 1 failed cycle")
}

func command(chatID int64, text string) tgbotapi.Update {
	name := strings.Fields(text)[0]
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}},
		Chat:     &tgbotapi.Chat{ID: chatID},
		From:     &tgbotapi.User{UserName: "alice", FirstName: "Alice"},
	}}
}

func TestHandleUpdate_Commands(t *testing.T) {
	sender := newFakeSender()
	store := newFakeStore()
	c := newTestClient(t, sender, store, testConfig())
	c.SetStatusFunc(func() string { return "Worker running. Cycle 4." })
	ctx := context.Background()

	c.handleUpdate(ctx, command(42, "/start"))
	sub, ok := store.get(42)
	require.True(t, ok)
	assert.True(t, sub.Active)
	assert.Equal(t, "alice", sub.Username)
	assert.Equal(t, "Alice", sub.FirstName)

	c.handleUpdate(ctx, command(42, "/status"))
	c.handleUpdate(ctx, command(42, "/stop"))
	sub, _ = store.get(42)
	assert.False(t, sub.Active)

	c.handleUpdate(ctx, command(42, "/stop"))
	c.handleUpdate(ctx, command(42, "/help"))

	// Plain text is ignored.
	c.handleUpdate(ctx, tgbotapi.Update{Message: &tgbotapi.Message{Text: "hi", Chat: &tgbotapi.Chat{ID: 42}}})
	c.handleUpdate(ctx, tgbotapi.Update{})

	msgs := sender.messages()
	require.Len(t, msgs, 5)
	assert.Contains(t, msgs[0].text, "Subscribed")
	assert.Equal(t, `Worker running\. Cycle 4\.`, msgs[1].text)
	assert.Contains(t, msgs[2].text, "Unsubscribed")
	assert.Contains(t, msgs[3].text, "not subscribed")
	assert.Contains(t, msgs[4].text, "/start")
}

type fakeUpdater struct {
	ch      chan tgbotapi.Update
	stopped chan struct{}
}

func (u *fakeUpdater) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel { return u.ch }
func (u *fakeUpdater) StopReceivingUpdates()                                       { close(u.stopped) }

func TestListenForCommands(t *testing.T) {
	sender := newFakeSender()
	store := newFakeStore()
	updater := &fakeUpdater{ch: make(chan tgbotapi.Update, 1), stopped: make(chan struct{})}
	c, err := newClient(sender, updater, store, testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	c.ListenForCommands(ctx)
	updater.ch <- command(9, "/start")

	assert.Eventually(t, func() bool {
		_, ok := store.get(9)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-updater.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop receiving updates")
	}
}

func TestFormatAlert(t *testing.T) {
	msg := formatAlert(testAlert(models.SeverityCritical))

	assert.True(t, strings.HasPrefix(msg, "🔴 *Arbitrage opportunity: Will the bill pass?\\.\\.\\.*"))
	assert.Contains(t, msg, "*Severity:* CRITICAL")
	assert.Contains(t, msg, "*Confidence:* 75\\.0%")
	assert.Contains(t, msg, "*Current:* 0\\.55")
	assert.Contains(t, msg, "*Expected:* 0\\.70")
	assert.Contains(t, msg, "*Discrepancy:* 15\\.00%")
	assert.Contains(t, msg, "[Bill passes the Senate\\!](https://example.com/news_(1\\))")
	assert.Contains(t, msg, "The vote count \\(51\\-49\\)")
	assert.Contains(t, msg, "*Recommended Action:* MONITOR")
	assert.Contains(t, msg, "_Alert ID: alert\\-1_")
}

func TestFormatAlert_TruncatesReasoning(t *testing.T) {
	a := testAlert(models.SeverityWarning)
	a.Reasoning = strings.Repeat("a", 500)
	msg := formatAlert(a)
	assert.Contains(t, msg, strings.Repeat("a", 300)+"\\.\\.\\.")
	assert.NotContains(t, msg, strings.Repeat("a", 301))
	assert.True(t, strings.HasPrefix(msg, "🟡"))
}

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"1.5", "1\\.5"},
		{"a_b*c", "a\\_b\\*c"},
		{"[x](y)", "\\[x\\]\\(y\\)"},
		{"~`>#+-=|{}!", "\\~\\`\\>\\#\\+\\-\\=\\|\\{\\}\\!"},
		{`back\slash`, `back\\slash`},
		{"héllo.", "héllo\\."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, escapeMarkdownV2(tt.in), tt.in)
	}
}
