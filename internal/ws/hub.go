// Package ws fans runtime events out to observer UIs over WebSocket.
// Clients subscribe to channels; processing updates and token streams go to
// "processing", log lines to "logs", memory and personality changes to their
// own channels. Errors go to everyone.
package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"aide/internal/events"
)

// Server -> client message types, in addition to the bus event types.
const (
	typeConnected = "connected"
	typePong      = "pong"
)

// Client -> server message types.
const (
	typePing        = "ping"
	typeSubscribe   = "subscribe"
	typeUnsubscribe = "unsubscribe"
)

// Message is the wire format in both directions.
type Message struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Channels  []string       `json:"channels,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

func newMessage(msgType string, data map[string]any) Message {
	if data == nil {
		data = map[string]any{}
	}
	return Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().Format(time.RFC3339Nano),
	}
}

// client is one connected observer.
type client struct {
	id          string
	conn        *websocket.Conn
	connectedAt time.Time

	mu   sync.Mutex
	subs map[string]bool
}

func (c *client) send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *client) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[channel]
}

func (c *client) updateSubs(channels []string, add bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		if add {
			c.subs[ch] = true
		} else {
			delete(c.subs, ch)
		}
	}
}

// Hub accepts WebSocket connections and broadcasts runtime events to them.
type Hub struct {
	log      *zap.Logger
	maxConns int
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
	counter int
	closed  bool
}

// NewHub creates a hub. maxConns <= 0 means the default of 100.
func NewHub(maxConns int, log *zap.Logger) *Hub {
	if maxConns <= 0 {
		maxConns = 100
	}
	return &Hub{
		log:      log.Named("ws"),
		maxConns: maxConns,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Local, self-hosted service.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// Handler returns the HTTP handler that upgrades and serves connections.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		c, ok := h.register(conn)
		if !ok {
			msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "max connections reached")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			conn.Close()
			return
		}

		_ = c.send(newMessage(typeConnected, map[string]any{"client_id": c.id}))
		h.readLoop(c)
	})
}

func (h *Hub) register(conn *websocket.Conn) (*client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || len(h.clients) >= h.maxConns {
		h.log.Warn("refusing websocket connection", zap.Int("connections", len(h.clients)))
		return nil, false
	}

	h.counter++
	c := &client{
		id:          fmt.Sprintf("client_%d", h.counter),
		conn:        conn,
		connectedAt: time.Now(),
		subs:        map[string]bool{"processing": true, "logs": true},
	}
	h.clients[c.id] = c
	h.log.Info("websocket client connected", zap.String("client_id", c.id))
	return c, true
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	h.mu.Unlock()

	if ok {
		c.conn.Close()
		h.log.Info("websocket client disconnected", zap.String("client_id", id))
	}
}

// readLoop serves one client until it disconnects.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c.id)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.log.Warn("invalid websocket message", zap.String("client_id", c.id))
			continue
		}

		switch msg.Type {
		case typePing:
			_ = c.send(newMessage(typePong, nil))
		case typeSubscribe:
			c.updateSubs(msg.Channels, true)
			h.log.Debug("client subscribed", zap.String("client_id", c.id), zap.Strings("channels", msg.Channels))
		case typeUnsubscribe:
			c.updateSubs(msg.Channels, false)
		default:
			h.log.Warn("unknown websocket message type",
				zap.String("client_id", c.id), zap.String("type", msg.Type))
		}
	}
}

// Broadcast sends a message to every client subscribed to the channel.
// channel "" means all clients. Clients whose writes fail are evicted.
// Returns the number of clients that received the message.
func (h *Hub) Broadcast(msg Message, channel string) int {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	sent := 0
	var dead []string
	for _, c := range targets {
		if channel != "" && !c.subscribed(channel) {
			continue
		}
		if err := c.send(msg); err != nil {
			h.log.Warn("websocket send failed", zap.String("client_id", c.id), zap.Error(err))
			dead = append(dead, c.id)
			continue
		}
		sent++
	}
	for _, id := range dead {
		h.remove(id)
	}
	return sent
}

// channelFor maps a bus event type to its broadcast channel.
func channelFor(eventType string) string {
	switch eventType {
	case events.TypeProcessingUpdate, events.TypeStreamToken, events.TypeStreamEnd:
		return "processing"
	case events.TypeLog:
		return "logs"
	case events.TypeMemoryUpdate:
		return "memory"
	case events.TypeExtensionUpdate:
		return "extensions"
	case events.TypePersonalityUpdate:
		return "personality"
	default:
		// Errors and anything unclassified go to everyone.
		return ""
	}
}

// BindBus forwards bus events to connected clients. The returned function
// detaches the bridge.
func (h *Hub) BindBus(bus *events.Bus) func() {
	return bus.Subscribe(func(ev events.Event) {
		msg := Message{
			Type:      ev.Type,
			Data:      ev.Data,
			Timestamp: ev.Timestamp.Format(time.RFC3339Nano),
		}
		h.Broadcast(msg, channelFor(ev.Type))
	})
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Stats describes the hub's current connections.
func (h *Hub) Stats() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]map[string]any, 0, len(h.clients))
	for _, c := range h.clients {
		c.mu.Lock()
		subs := make([]string, 0, len(c.subs))
		for ch := range c.subs {
			subs = append(subs, ch)
		}
		c.mu.Unlock()
		clients = append(clients, map[string]any{
			"client_id":     c.id,
			"subscriptions": subs,
			"connected_at":  c.connectedAt.Format(time.RFC3339),
		})
	}
	return map[string]any{
		"total_connections": len(h.clients),
		"max_connections":   h.maxConns,
		"clients":           clients,
	}
}

// Close disconnects every client and refuses new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.conn.Close()
	}
}
