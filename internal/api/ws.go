package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rewired-gh/polysignal/internal/logger"
	"github.com/rewired-gh/polysignal/internal/models"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // read-only feed, any dashboard origin may connect
	},
}

const writeWait = 10 * time.Second

// AlertFeed yields alerts created after a point in time, oldest first.
type AlertFeed interface {
	AlertsSince(ctx context.Context, t time.Time) ([]models.Alert, error)
}

// WSMessage is the envelope for every websocket push.
type WSMessage struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

type statusPayload struct {
	InstanceID string `json:"instance_id"`
	Worker     any    `json:"worker"`
}

// Hub tracks websocket clients and pushes newly persisted alerts to them.
// Writes to one connection are serialized by its own mutex.
type Hub struct {
	feed       AlertFeed
	interval   time.Duration
	status     func() any
	instanceID string
	limiter    *rate.Limiter

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex

	since time.Time
	now   func() time.Time
}

// NewHub creates a hub that polls feed every interval. status reports the
// worker state sent to clients on connect.
func NewHub(feed AlertFeed, interval time.Duration, status func() any) *Hub {
	h := &Hub{
		feed:       feed,
		interval:   interval,
		status:     status,
		instanceID: uuid.New().String(),
		limiter:    rate.NewLimiter(rate.Limit(20), 20),
		clients:    make(map[*websocket.Conn]*sync.Mutex),
		now:        time.Now,
	}
	h.since = h.now().UTC()
	logger.Debug("WebSocket hub initialized (instance %s)", h.instanceID)
	return h
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and keeps the connection registered until the
// client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Failed to upgrade WebSocket connection: %v", err)
		return
	}

	mu := &sync.Mutex{}
	h.mu.Lock()
	h.clients[conn] = mu
	total := len(h.clients)
	h.mu.Unlock()
	logger.Debug("WebSocket client connected (total: %d)", total)

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		remaining := len(h.clients)
		h.mu.Unlock()
		conn.Close()
		logger.Debug("WebSocket client disconnected (remaining: %d)", remaining)
	}()

	var worker any
	if h.status != nil {
		worker = h.status()
	}
	if err := h.write(conn, mu, WSMessage{
		Type:      "status",
		Data:      statusPayload{InstanceID: h.instanceID, Worker: worker},
		Timestamp: h.now().UTC(),
	}); err != nil {
		return
	}

	// Clients only listen; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("WebSocket error: %v", err)
			}
			return
		}
	}
}

// Run polls for new alerts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Poll(ctx)
		}
	}
}

// Poll broadcasts every alert created since the last poll and returns how many
// were sent. The cursor only advances past alerts that were sent.
func (h *Hub) Poll(ctx context.Context) int {
	alerts, err := h.feed.AlertsSince(ctx, h.since)
	if err != nil {
		logger.Warn("WebSocket poll failed: %v", err)
		return 0
	}
	sent := 0
	for _, a := range alerts {
		if err := h.limiter.Wait(ctx); err != nil {
			return sent
		}
		h.Broadcast(WSMessage{Type: "alert", Data: a, Timestamp: h.now().UTC()})
		if a.CreatedAt.After(h.since) {
			h.since = a.CreatedAt
		}
		sent++
	}
	return sent
}

// Broadcast sends msg to every connected client. A failed write is logged and
// the client is left for its reader to clean up.
func (h *Hub) Broadcast(msg WSMessage) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn, mu := range h.clients {
		conns = append(conns, conn)
		mutexes = append(mutexes, mu)
	}
	h.mu.RUnlock()

	for i, conn := range conns {
		if err := h.write(conn, mutexes[i], msg); err != nil {
			logger.Warn("Failed to send %s to WebSocket client: %v", msg.Type, err)
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, mu *sync.Mutex, msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// CloseAll sends a close frame to every client.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn, mu := range h.clients {
		mu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		mu.Unlock()
	}
}
