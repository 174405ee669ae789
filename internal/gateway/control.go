package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Control message vocabulary. Client-to-gateway messages request an
// action; gateway-to-client messages announce a state change.
const (
	MsgSkipWaiting         = "SKIP_WAITING"
	MsgClearCache          = "CLEAR_CACHE"
	MsgOnlineStatusChanged = "ONLINE_STATUS_CHANGED"
	MsgCacheUpdated        = "CACHE_UPDATED"
	MsgCacheCleared        = "CACHE_CLEARED"
	MsgPerformSync         = "PERFORM_SYNC"
)

// envelope is the wire frame for control messages in both directions.
type envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// controller is the gateway surface the hub drives on inbound messages.
type controller interface {
	Activate()
	ClearAllCaches() int
	OnlineStatusChanged(online bool)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Clients connect from the local UI; the gateway is a sidecar, not
	// an internet-facing server.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans control messages out to connected UI clients and dispatches
// the ones they send back.
type Hub struct {
	ctrl controller

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan envelope
}

// NewHub builds a hub bound to the given controller.
func NewHub(ctrl controller) *Hub {
	return &Hub{
		ctrl:    ctrl,
		clients: make(map[*client]struct{}),
	}
}

// ServeWS upgrades a connection and registers the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("control channel upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan envelope, 16)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	slog.Debug("control client connected", "clients", n)

	go h.writeLoop(c)
	go h.readLoop(c)
}

// ClientCount reports the number of connected control clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends a message to every connected client. Slow clients are
// skipped rather than blocking the sender.
func (h *Hub) Broadcast(msgType string, data any) {
	h.broadcastExcept(nil, msgType, data)
}

func (h *Hub) broadcastExcept(skip *client, msgType string, data any) {
	env := newEnvelope(msgType, data)
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c == skip {
			continue
		}
		select {
		case c.send <- env:
		default:
			slog.Warn("control client send buffer full, dropping message", "type", msgType)
		}
	}
}

func (h *Hub) sendTo(c *client, msgType string, data any) {
	select {
	case c.send <- newEnvelope(msgType, data):
	default:
	}
}

func (h *Hub) writeLoop(c *client) {
	for env := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteJSON(env); err != nil {
			return
		}
	}
}

func (h *Hub) readLoop(c *client) {
	defer h.drop(c)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			slog.Warn("malformed control message", "error", err)
			continue
		}
		h.dispatch(c, env)
	}
}

func (h *Hub) dispatch(c *client, env envelope) {
	switch env.Type {
	case MsgSkipWaiting:
		h.ctrl.Activate()

	case MsgClearCache:
		removed := h.ctrl.ClearAllCaches()
		slog.Info("cache cleared on client request", "removed", removed)
		h.sendTo(c, MsgCacheCleared, map[string]any{"removed": removed})
		h.broadcastExcept(c, MsgCacheCleared, map[string]any{"removed": removed})

	case MsgOnlineStatusChanged:
		var payload struct {
			Status bool `json:"status"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			slog.Warn("malformed online status payload", "error", err)
			return
		}
		// Relay to the other clients first so every tab agrees on the
		// state before any sync work starts.
		h.broadcastExcept(c, MsgOnlineStatusChanged, map[string]any{"status": payload.Status})
		h.ctrl.OnlineStatusChanged(payload.Status)

	default:
		slog.Debug("ignoring unknown control message", "type", env.Type)
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

func newEnvelope(msgType string, data any) envelope {
	env := envelope{Type: msgType, Timestamp: time.Now().UnixMilli()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err == nil {
			env.Data = raw
		}
	}
	return env
}
